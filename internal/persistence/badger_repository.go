package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"grid-trading-engine/internal/models"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var keyPrefix = []byte("strategy/")

const maxConflictRetries = 10

// badgerRepository is the BadgerDB implementation of the StrategyRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StrategyRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository keeps everything in memory; used by tests and paper runs.
func NewInMemoryRepository() (StrategyRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (StrategyRepository, error) {
	// Badger 自己的日志会打乱应用日志，错误仍通过返回值传递
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func strategyKey(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

// Save marshals the strategy into JSON and stores it under strategy/<id>.
func (r *badgerRepository) Save(_ context.Context, s *models.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("strategy id is empty: %w", models.ErrConfiguration)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Telemetry == nil {
		s.Telemetry = models.Telemetry{}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(strategyKey(s.ID), data)
	})
}

// Get returns (nil, nil) when the key is not found.
func (r *badgerRepository) Get(_ context.Context, id string) (*models.Strategy, error) {
	var s *models.Strategy
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = readStrategy(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func readStrategy(txn *badger.Txn, id string) (*models.Strategy, error) {
	item, err := txn.Get(strategyKey(id))
	if err != nil {
		return nil, err
	}
	var s models.Strategy
	err = item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("strategy value is empty in database")
		}
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, err
	}
	if s.Telemetry == nil {
		s.Telemetry = models.Telemetry{}
	}
	return &s, nil
}

// List iterates over the strategy/ prefix.
func (r *badgerRepository) List(_ context.Context) ([]*models.Strategy, error) {
	var out []*models.Strategy
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			var s models.Strategy
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if s.Telemetry == nil {
				s.Telemetry = models.Telemetry{}
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *badgerRepository) ListActive(ctx context.Context) ([]*models.Strategy, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// UpdateTelemetry 读-改-写在同一个事务里完成，冲突时重试
func (r *badgerRepository) UpdateTelemetry(ctx context.Context, id string, fn func(models.Telemetry) error) (*models.Strategy, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var updated *models.Strategy
		err := r.db.Update(func(txn *badger.Txn) error {
			s, err := readStrategy(txn, id)
			if err != nil {
				return err
			}
			if err := fn(s.Telemetry); err != nil {
				return err
			}
			s.UpdatedAt = time.Now()
			data, err := json.Marshal(s)
			if err != nil {
				return err
			}
			updated = s
			return txn.Set(strategyKey(id), data)
		})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, badger.ErrConflict):
			continue
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil, fmt.Errorf("strategy %s not found", id)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("strategy %s: telemetry update kept conflicting: %w", id, badger.ErrConflict)
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

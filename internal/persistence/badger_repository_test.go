package persistence

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) StrategyRepository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func gridStrategy(id string, active bool) *models.Strategy {
	return &models.Strategy{
		ID:          id,
		UserID:      "u1",
		Name:        "btc grid " + id,
		Type:        models.SpotGrid,
		IsActive:    active,
		MonitorMode: models.ModePoll,
		Configuration: models.StrategyConfig{
			Symbol:           "BTCUSDT",
			PriceRangeLower:  90,
			PriceRangeUpper:  110,
			NumberOfGrids:    5,
			AllocatedCapital: 1000,
		},
	}
}

func TestSaveGetList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	got, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	a := gridStrategy("a", true)
	require.NoError(t, repo.Save(ctx, a))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.Save(ctx, gridStrategy("b", false)))

	got, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Configuration, got.Configuration)
	assert.NotNil(t, got.Telemetry)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	assert.Error(t, repo.Save(ctx, &models.Strategy{}))
}

func TestUpdateTelemetryLeavesConfigurationAlone(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := gridStrategy("a", true)
	require.NoError(t, repo.Save(ctx, s))

	updated, err := repo.UpdateTelemetry(ctx, "a", func(tel models.Telemetry) error {
		tel[models.TelemetryInitialBuySubmitted] = true
		tel[models.TelemetryInitialBuyOrderID] = "123"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Telemetry.InitialBuySubmitted())
	assert.Equal(t, s.Configuration, updated.Configuration)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "123", got.Telemetry.InitialBuyOrderID())

	// fn 返回错误时不写入
	_, err = repo.UpdateTelemetry(ctx, "a", func(tel models.Telemetry) error {
		tel[models.TelemetryInitialBuyFilled] = true
		return errors.New("abort")
	})
	assert.Error(t, err)
	got, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Telemetry.InitialBuyFilled())

	_, err = repo.UpdateTelemetry(ctx, "missing", func(models.Telemetry) error { return nil })
	assert.Error(t, err)
}

func TestConcurrentTelemetryUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.Save(ctx, gridStrategy("a", true)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.UpdateTelemetry(ctx, "a", func(tel models.Telemetry) error {
				tel[fmt.Sprintf("key_%d", i)] = i
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Contains(t, got.Telemetry, fmt.Sprintf("key_%d", i))
	}
}

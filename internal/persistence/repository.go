package persistence

import (
	"context"
	"grid-trading-engine/internal/models"
)

// StrategyRepository defines the interface for strategy persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StrategyRepository interface {
	// Save writes the whole strategy record, creating it if needed.
	Save(ctx context.Context, s *models.Strategy) error

	// Get loads one strategy.
	// If no strategy is found, it returns (nil, nil).
	Get(ctx context.Context, id string) (*models.Strategy, error)

	// List returns every stored strategy ordered by creation time.
	List(ctx context.Context) ([]*models.Strategy, error)

	// ListActive returns only strategies with IsActive set.
	ListActive(ctx context.Context) ([]*models.Strategy, error)

	// UpdateTelemetry runs fn against the current telemetry inside a transaction
	// and stores the result. Configuration is never touched.
	UpdateTelemetry(ctx context.Context, id string, fn func(models.Telemetry) error) (*models.Strategy, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

package storage

import (
	"context"
	"fmt"

	"chemgate/internal/models"
)

// Factory provides a centralized way to create event stores based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates an event store based on the provided configuration.
// Supported providers:
//   - memory: bounded in-process ring buffer (default)
//   - postgres: PostgreSQL via pgx
//   - sqlite: SQLite via modernc.org/sqlite
func (f *Factory) Create(ctx context.Context, config models.StorageConfig) (EventStore, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryEventStore(DefaultMemoryCapacity), nil
	case models.StorageTypePostgres:
		return NewPostgresEventStore(ctx, config.Database)
	case models.StorageTypeSQLite:
		return NewSQLiteEventStore(ctx, config.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}

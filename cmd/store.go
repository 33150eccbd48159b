package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/config"
	"github.com/xkilldash9x/scalpel-sast/internal/observability"
	"github.com/xkilldash9x/scalpel-sast/internal/store"
)

// reportStore is the slice of the findings store the commands use.
type reportStore interface {
	EnsureSchema(ctx context.Context) error
	PersistReport(ctx context.Context, report *schemas.Report) error
	GetReport(ctx context.Context, runID string) (*schemas.Report, error)
}

// storeProvider creates a store, letting tests inject one without a database.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the PostgreSQL-backed provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the database named by the configuration.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (reportStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SCALPEL_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}

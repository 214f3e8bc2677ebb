package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/config"
	"github.com/plantlink-io/plantlink-engine/pkg/database"
	"github.com/plantlink-io/plantlink-engine/pkg/repositories"
)

// Engine is the embedding surface of the datasource subsystem: it wires the
// repositories, pool manager, registry, resolver and dispatcher together and
// exposes the operations callers dispatch against.
type Engine struct {
	dispatcher  *Dispatcher
	datasources *DatasourceService
	registry    *DatasourceRegistry
	pools       *datasource.PoolManager
	logger      *zap.Logger
}

// NewEngine wires the subsystem over an open bookkeeping store connection.
// The caller owns the database handle; the engine owns the pool manager.
func NewEngine(cfg *config.Config, db *database.DB, logger *zap.Logger) *Engine {
	dsRepo := repositories.NewDatasourceRepository(db)
	tagRepo := repositories.NewTagRepository(db)

	pools := datasource.NewPoolManager(datasource.PoolConfig{
		PoolSize:          cfg.Datasource.PoolSize,
		ConnectionTimeout: cfg.Datasource.ConnectionTimeout(),
		MaxRetries:        cfg.Datasource.MaxRetries,
		IdleTimeout:       cfg.Datasource.IdleTimeout(),
		EvictionInterval:  cfg.Datasource.EvictionInterval(),
	}, logger)

	registry := NewDatasourceRegistry(dsRepo, pools, DefaultCacheTTL, logger)
	resolver := NewTagResolver(tagRepo, registry, cfg.Legacy, logger)

	return &Engine{
		dispatcher:  NewDispatcher(registry, resolver, pools, logger),
		datasources: NewDatasourceService(dsRepo, registry, logger),
		registry:    registry,
		pools:       pools,
		logger:      logger,
	}
}

// Execute dispatches one operation.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	return e.dispatcher.Execute(ctx, req)
}

// Datasources exposes lifecycle management.
func (e *Engine) Datasources() *DatasourceService {
	return e.datasources
}

// Invalidate drops cached state and pooled connections for one datasource.
func (e *Engine) Invalidate(plantID string, id uuid.UUID) {
	e.registry.Invalidate(plantID, id)
}

// PoolStats reports per-datasource pool state.
func (e *Engine) PoolStats() map[uuid.UUID]datasource.PoolStats {
	return e.pools.GetStats()
}

// Close drains the pools and stops background sweeps.
func (e *Engine) Close() error {
	return e.pools.Close()
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
	"github.com/plantlink-io/plantlink-engine/pkg/repositories"
)

// DefaultCacheTTL bounds how stale a cached datasource record may get before
// the registry re-reads it from the bookkeeping store.
const DefaultCacheTTL = 30 * time.Second

type cacheKey struct {
	plantID string
	id      uuid.UUID
}

type cacheEntry struct {
	ds      *models.Datasource
	expires time.Time
}

// DatasourceRegistry is a read-through cache over the datasource repository.
// Resolution is the hot path of every dispatch, so records are cached for a
// short TTL; management operations call Invalidate to cut the staleness
// window to zero and drop pooled connections built on the old settings.
type DatasourceRegistry struct {
	repo   repositories.DatasourceRepository
	pools  *datasource.PoolManager
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// NewDatasourceRegistry creates a registry with the given TTL. A zero ttl
// selects DefaultCacheTTL.
func NewDatasourceRegistry(repo repositories.DatasourceRepository, pools *datasource.PoolManager, ttl time.Duration, logger *zap.Logger) *DatasourceRegistry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DatasourceRegistry{
		repo:   repo,
		pools:  pools,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// Resolve returns the datasource for (plantID, id), from cache when fresh.
// Unknown ids fail with apperrors.ErrNotFound; known-but-deactivated
// datasources fail with apperrors.ErrInactive. Inactive records are cached
// too, so repeated requests against a deactivated datasource stay cheap.
func (r *DatasourceRegistry) Resolve(ctx context.Context, plantID string, id uuid.UUID) (*models.Datasource, error) {
	key := cacheKey{plantID: plantID, id: id}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		ds, err := r.repo.GetByID(ctx, plantID, id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[key] = cacheEntry{ds: ds, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()

		entry = cacheEntry{ds: ds}
	}

	if !entry.ds.Active {
		return nil, apperrors.DatasourceInactive(id.String())
	}
	return entry.ds, nil
}

// FirstActiveByType returns the oldest active datasource of the given type.
// The legacy default-datasource path calls this; it is uncached because the
// answer depends on rows the registry has never seen.
func (r *DatasourceRegistry) FirstActiveByType(ctx context.Context, plantID, dsType string) (*models.Datasource, error) {
	return r.repo.FirstActiveByType(ctx, plantID, dsType)
}

// Invalidate drops the cached record and clears the datasource's connection
// pool, so the next dispatch sees current settings over a fresh connection.
func (r *DatasourceRegistry) Invalidate(plantID string, id uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, cacheKey{plantID: plantID, id: id})
	r.mu.Unlock()

	r.pools.Clear(id)
	r.logger.Debug("invalidated datasource",
		zap.String("plantID", plantID),
		zap.String("datasourceID", id.String()),
	)
}

// InvalidateAll empties the cache and clears every pool.
func (r *DatasourceRegistry) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]cacheEntry)
	r.mu.Unlock()

	r.pools.ClearAll()
}

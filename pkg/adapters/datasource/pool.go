package datasource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/logging"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
	"github.com/plantlink-io/plantlink-engine/pkg/retry"
)

const (
	DefaultPoolSize          = 10
	DefaultConnectionTimeout = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultEvictionInterval  = 1 * time.Minute
)

// PoolConfig holds configuration for the pool manager.
type PoolConfig struct {
	// PoolSize bounds the number of live connections per datasource.
	PoolSize int
	// ConnectionTimeout bounds how long Acquire waits under pool pressure.
	ConnectionTimeout time.Duration
	// MaxRetries is how many times a failed open is retried with backoff.
	MaxRetries int
	// IdleTimeout is how long an idle connection survives between sweeps.
	IdleTimeout time.Duration
	// EvictionInterval is the period of the idle eviction sweep.
	EvictionInterval time.Duration
}

func (c *PoolConfig) withDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = DefaultEvictionInterval
	}
}

// PooledConn is a live connection lent out by the pool manager. It must be
// returned via Release (or Discard when broken) on every exit path.
type PooledConn struct {
	Conn Conn

	datasourceID uuid.UUID
	dsType       string
	generation   uint64
	lastUsed     time.Time
	broken       bool
}

// DatasourceID returns the owning datasource of this connection.
func (c *PooledConn) DatasourceID() uuid.UUID {
	return c.datasourceID
}

// MarkBroken flags the connection so Release closes it instead of pooling it.
func (c *PooledConn) MarkBroken() {
	c.broken = true
}

// PoolManager owns a bounded set of live connections per datasource.
// Acquire/Release is the single synchronization point for live-connection
// accounting; nothing else touches lent-out connections.
type PoolManager struct {
	mu      sync.Mutex
	pools   map[uuid.UUID]*dsPool
	cfg     PoolConfig
	logger  *zap.Logger
	stopped bool
	stopCh  chan struct{}
}

// dsPool tracks the connections of one datasource. The weighted semaphore
// enforces the pool-size bound: every live connection (lent or idle via an
// acquirer about to adopt it) maps to one permit held by its current owner.
type dsPool struct {
	mu         sync.Mutex
	sem        *semaphore.Weighted
	idle       []*PooledConn
	generation uint64
}

// NewPoolManager creates a pool manager and starts its idle eviction sweep.
// The sweep runs until Close is called.
func NewPoolManager(cfg PoolConfig, logger *zap.Logger) *PoolManager {
	cfg.withDefaults()

	m := &PoolManager{
		pools:  make(map[uuid.UUID]*dsPool),
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	go m.evictLoop()
	return m
}

// openRetryable reports whether a failed open is worth another attempt.
// Adapter errors tagged transient qualify, as do raw transport failures the
// retry package recognizes. Everything else, validation errors above all, is
// permanent.
func openRetryable(err error) bool {
	return apperrors.IsTransient(err) || retry.IsRetryable(err)
}

func (m *PoolManager) poolFor(datasourceID uuid.UUID) *dsPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[datasourceID]
	if !ok {
		p = &dsPool{sem: semaphore.NewWeighted(int64(m.cfg.PoolSize))}
		m.pools[datasourceID] = p
	}
	return p
}

// Acquire returns a pooled connection for the datasource: an idle healthy
// one when available, a freshly opened one while under the pool-size bound,
// otherwise it waits up to ConnectionTimeout for a release and fails with
// apperrors.ErrPoolExhausted.
//
// Transport-level open failures are retried up to MaxRetries with backoff
// before being surfaced as apperrors.ErrConnection. Permanent failures, such
// as a datasource config the adapter rejects, are surfaced immediately and
// untouched so their own taxonomy survives.
func (m *PoolManager) Acquire(ctx context.Context, ds *models.Datasource) (*PooledConn, error) {
	adapter := GetAdapter(ds.Type)
	if adapter == nil {
		return nil, apperrors.Invalid("no adapter registered for datasource type %q", ds.Type)
	}

	p := m.poolFor(ds.ID)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			// Caller canceled or timed out; its claim on the acquire is gone.
			return nil, ctx.Err()
		}
		m.logger.Warn("connection acquire timed out",
			zap.String("datasourceID", ds.ID.String()),
			zap.Duration("timeout", m.cfg.ConnectionTimeout),
		)
		return nil, apperrors.PoolExhausted(ds.ID.String())
	}

	// Permit held from here on: every return path must either hand the
	// permit to the caller inside a PooledConn or release it.

	for {
		pc := p.popIdle()
		if pc == nil {
			break
		}
		if err := pc.Conn.TestConnection(ctx); err != nil {
			m.logger.Warn("idle connection unhealthy, discarding",
				zap.String("datasourceID", ds.ID.String()),
				zap.String("error", logging.SanitizeError(err)),
			)
			_ = pc.Conn.Close()
			continue
		}
		pc.lastUsed = time.Now()
		return pc, nil
	}

	retryCfg := &retry.Config{
		MaxRetries:   m.cfg.MaxRetries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
	conn, err := retry.DoWithResult(ctx, retryCfg, func() (Conn, error) {
		c, err := adapter.Open(ctx, ds.Config)
		if err != nil && !openRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return c, err
	})
	if err != nil {
		p.sem.Release(1)
		m.logger.Error("failed to open connection",
			zap.String("datasourceID", ds.ID.String()),
			zap.String("type", ds.Type),
			zap.String("error", logging.SanitizeError(err)),
		)
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, apperrors.ConnectionFailed(ds.ID.String(), err)
	}

	p.mu.Lock()
	generation := p.generation
	p.mu.Unlock()

	m.logger.Debug("opened new connection",
		zap.String("datasourceID", ds.ID.String()),
		zap.String("type", ds.Type),
	)

	return &PooledConn{
		Conn:         conn,
		datasourceID: ds.ID,
		dsType:       ds.Type,
		generation:   generation,
		lastUsed:     time.Now(),
	}, nil
}

// Release returns a connection to the idle set. Broken connections and
// connections from a cleared generation are closed instead of pooled, so a
// Clear is never undone by a late release.
func (m *PoolManager) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	p := m.poolFor(pc.datasourceID)
	stopped := m.isStopped()

	p.mu.Lock()
	stale := pc.broken || pc.generation != p.generation || stopped
	if !stale {
		pc.lastUsed = time.Now()
		p.idle = append(p.idle, pc)
	}
	p.mu.Unlock()

	if stale {
		_ = pc.Conn.Close()
	}
	p.sem.Release(1)
}

// Discard closes a connection without pooling it. The dispatcher uses this
// to evict a connection implicated in a transient failure before retrying
// with a fresh one.
func (m *PoolManager) Discard(pc *PooledConn) {
	if pc == nil {
		return
	}
	pc.MarkBroken()
	m.Release(pc)
}

// Clear forcibly closes and drops all connections for one datasource, so
// subsequent acquires open brand-new connections with current settings.
// Lent-out connections are closed when their holders release them.
func (m *PoolManager) Clear(datasourceID uuid.UUID) {
	m.mu.Lock()
	p, ok := m.pools[datasourceID]
	m.mu.Unlock()
	if !ok {
		return
	}

	closed := m.clearPool(p)
	m.logger.Info("cleared datasource pool",
		zap.String("datasourceID", datasourceID.String()),
		zap.Int("closedIdle", closed),
	)
}

// ClearAll drops all connections for all datasources.
func (m *PoolManager) ClearAll() {
	m.mu.Lock()
	pools := make([]*dsPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	total := 0
	for _, p := range pools {
		total += m.clearPool(p)
	}
	m.logger.Info("cleared all datasource pools", zap.Int("closedIdle", total))
}

func (m *PoolManager) clearPool(p *dsPool) int {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		_ = pc.Conn.Close()
	}
	return len(idle)
}

// evictLoop runs the idle eviction sweep until Close is called.
func (m *PoolManager) evictLoop() {
	ticker := time.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopCh:
			return
		}
	}
}

// evictIdle closes idle connections past the idle timeout. Lent-out
// connections are never considered; eviction only inspects the idle set.
func (m *PoolManager) evictIdle() {
	m.mu.Lock()
	pools := make(map[uuid.UUID]*dsPool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	now := time.Now()
	for id, p := range pools {
		var expired []*PooledConn

		p.mu.Lock()
		kept := p.idle[:0]
		for _, pc := range p.idle {
			if now.Sub(pc.lastUsed) > m.cfg.IdleTimeout {
				expired = append(expired, pc)
			} else {
				kept = append(kept, pc)
			}
		}
		p.idle = kept
		p.mu.Unlock()

		for _, pc := range expired {
			_ = pc.Conn.Close()
		}
		if len(expired) > 0 {
			m.logger.Debug("evicted idle connections",
				zap.String("datasourceID", id.String()),
				zap.Int("count", len(expired)),
			)
		}
	}
}

// Close shuts the manager down: stops the eviction sweep and closes all idle
// connections. Idempotent. Lent-out connections are closed on release.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	pools := make([]*dsPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		m.clearPool(p)
	}

	m.logger.Info("pool manager closed")
	return nil
}

func (m *PoolManager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (p *dsPool) popIdle() *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		pc := p.idle[last]
		p.idle = p.idle[:last]
		if pc.generation != p.generation {
			// Cleared while idle but not yet swept.
			_ = pc.Conn.Close()
			continue
		}
		return pc
	}
	return nil
}

// PoolStats describes the idle-set state of one datasource pool.
type PoolStats struct {
	IdleConnections int `json:"idle_connections"`
	PoolSize        int `json:"pool_size"`
}

// GetStats returns per-datasource pool statistics. Safe to call concurrently.
func (m *PoolManager) GetStats() map[uuid.UUID]PoolStats {
	m.mu.Lock()
	pools := make(map[uuid.UUID]*dsPool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	stats := make(map[uuid.UUID]PoolStats, len(pools))
	for id, p := range pools {
		p.mu.Lock()
		stats[id] = PoolStats{
			IdleConnections: len(p.idle),
			PoolSize:        m.cfg.PoolSize,
		}
		p.mu.Unlock()
	}
	return stats
}

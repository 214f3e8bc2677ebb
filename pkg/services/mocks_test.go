package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/config"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
	"github.com/plantlink-io/plantlink-engine/pkg/repositories"
)

// memDatasourceRepo is an in-memory DatasourceRepository.
type memDatasourceRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*models.Datasource
	getCalls int
}

func newMemDatasourceRepo() *memDatasourceRepo {
	return &memDatasourceRepo{byID: make(map[uuid.UUID]*models.Datasource)}
}

func (r *memDatasourceRepo) Create(ctx context.Context, ds *models.Datasource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.PlantID == ds.PlantID && existing.Name == ds.Name {
			return apperrors.Invalid("datasource %q already exists in plant %s", ds.Name, ds.PlantID)
		}
	}
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	cp := *ds
	r.byID[ds.ID] = &cp
	return nil
}

func (r *memDatasourceRepo) GetByID(ctx context.Context, plantID string, id uuid.UUID) (*models.Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	ds, ok := r.byID[id]
	if !ok || ds.PlantID != plantID {
		return nil, apperrors.DatasourceNotFound(id.String())
	}
	cp := *ds
	return &cp, nil
}

func (r *memDatasourceRepo) List(ctx context.Context, plantID string) ([]*models.Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Datasource
	for _, ds := range r.byID {
		if ds.PlantID == plantID {
			cp := *ds
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memDatasourceRepo) FirstActiveByType(ctx context.Context, plantID, dsType string) (*models.Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *models.Datasource
	for _, ds := range r.byID {
		if ds.PlantID != plantID || ds.Type != dsType || !ds.Active {
			continue
		}
		if oldest == nil || ds.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ds
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("no active %s datasource in plant %s: %w", dsType, plantID, apperrors.ErrNotFound)
	}
	cp := *oldest
	return &cp, nil
}

func (r *memDatasourceRepo) UpdateConfig(ctx context.Context, plantID string, id uuid.UUID, cfg map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byID[id]
	if !ok || ds.PlantID != plantID {
		return apperrors.DatasourceNotFound(id.String())
	}
	ds.Config = cfg
	ds.UpdatedAt = time.Now()
	return nil
}

func (r *memDatasourceRepo) SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byID[id]
	if !ok || ds.PlantID != plantID {
		return apperrors.DatasourceNotFound(id.String())
	}
	ds.Active = active
	ds.UpdatedAt = time.Now()
	return nil
}

func (r *memDatasourceRepo) gets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getCalls
}

// memTagRepo is an in-memory TagRepository with get-or-create semantics
// matching the unique (datasource, name) constraint.
type memTagRepo struct {
	mu      sync.Mutex
	tags    map[string]*models.Tag
	creates int
}

func newMemTagRepo() *memTagRepo {
	return &memTagRepo{tags: make(map[string]*models.Tag)}
}

func tagKey(dsID uuid.UUID, name string) string {
	return dsID.String() + "/" + name
}

func (r *memTagRepo) GetByName(ctx context.Context, plantID string, dsID uuid.UUID, name string) (*models.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag, ok := r.tags[tagKey(dsID, name)]
	if !ok || tag.PlantID != plantID {
		return nil, apperrors.TagNotFound(name, dsID.String())
	}
	cp := *tag
	return &cp, nil
}

func (r *memTagRepo) GetOrCreate(ctx context.Context, tag *models.Tag) (*models.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tagKey(tag.DatasourceID, tag.Name)
	if existing, ok := r.tags[key]; ok {
		cp := *existing
		return &cp, nil
	}
	now := time.Now()
	created := *tag
	created.ID = uuid.New()
	created.Active = true
	created.CreatedAt = now
	created.UpdatedAt = now
	r.tags[key] = &created
	r.creates++
	cp := created
	return &cp, nil
}

func (r *memTagRepo) ListByDatasource(ctx context.Context, plantID string, dsID uuid.UUID, limit, offset int) ([]*models.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Tag
	for _, tag := range r.tags {
		if tag.PlantID == plantID && tag.DatasourceID == dsID {
			cp := *tag
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTagRepo) SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tag := range r.tags {
		if tag.ID == id && tag.PlantID == plantID {
			tag.Active = active
			return nil
		}
	}
	return fmt.Errorf("tag %s: %w", id, apperrors.ErrNotFound)
}

func (r *memTagRepo) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// fakeConn is a scriptable connection.
type fakeConn struct {
	id      int
	readFn  func(cs string) (*datasource.Value, error)
	writeFn func(cs string, value any) error
	queryFn func(stmt string, params []any) (*datasource.QueryResult, error)
	probeFn func() error

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) TestConnection(ctx context.Context) error {
	if c.probeFn != nil {
		return c.probeFn()
	}
	return nil
}

func (c *fakeConn) Read(ctx context.Context, cs string) (*datasource.Value, error) {
	if c.readFn != nil {
		return c.readFn(cs)
	}
	return &datasource.Value{Value: "value:" + cs, Quality: datasource.QualityGood, Timestamp: time.Now()}, nil
}

func (c *fakeConn) ReadMultiple(ctx context.Context, css []string) []datasource.ReadResult {
	results := make([]datasource.ReadResult, len(css))
	for i, cs := range css {
		results[i].ConnectionString = cs
		v, err := c.Read(ctx, cs)
		if err != nil {
			results[i].Err = err
		} else {
			results[i].Value = v
		}
	}
	return results
}

func (c *fakeConn) Write(ctx context.Context, cs string, value any) error {
	if c.writeFn != nil {
		return c.writeFn(cs, value)
	}
	return nil
}

func (c *fakeConn) Query(ctx context.Context, stmt string, params []any) (*datasource.QueryResult, error) {
	if c.queryFn != nil {
		return c.queryFn(stmt, params)
	}
	return &datasource.QueryResult{Columns: []string{"one"}, Rows: []map[string]any{{"one": 1}}, RowCount: 1}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeAdapter opens fakeConns. onOpen lets a test script each connection as
// it is created, keyed by open ordinal.
type fakeAdapter struct {
	typ    string
	onOpen func(n int, c *fakeConn)

	mu    sync.Mutex
	opens int
	conns []*fakeConn
}

func (a *fakeAdapter) Type() string                               { return a.typ }
func (a *fakeAdapter) ValidateConfig(config map[string]any) error { return nil }

func (a *fakeAdapter) Open(ctx context.Context, config map[string]any) (datasource.Conn, error) {
	a.mu.Lock()
	a.opens++
	n := a.opens
	a.mu.Unlock()

	c := &fakeConn{id: n}
	if a.onOpen != nil {
		a.onOpen(n, c)
	}

	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	return c, nil
}

func (a *fakeAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// fixture bundles the whole subsystem over in-memory repos and one fake
// datasource.
type fixture struct {
	dsRepo   *memDatasourceRepo
	tagRepo  *memTagRepo
	adapter  *fakeAdapter
	pools    *datasource.PoolManager
	registry *DatasourceRegistry
	resolver *TagResolver
	disp     *Dispatcher
	ds       *models.Datasource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	typ := "fake-" + uuid.NewString()[:8]
	adapter := &fakeAdapter{typ: typ}
	datasource.Register(datasource.AdapterRegistration{
		Info:    datasource.AdapterInfo{Type: typ, DisplayName: "Fake"},
		Adapter: adapter,
	})

	dsRepo := newMemDatasourceRepo()
	tagRepo := newMemTagRepo()

	ds := &models.Datasource{
		PlantID: "1",
		Name:    "line-1",
		Type:    typ,
		Config:  map[string]any{},
		Active:  true,
	}
	require.NoError(t, dsRepo.Create(context.Background(), ds))

	pools := datasource.NewPoolManager(datasource.PoolConfig{
		PoolSize:          4,
		ConnectionTimeout: time.Second,
	}, logger)
	t.Cleanup(func() { _ = pools.Close() })

	registry := NewDatasourceRegistry(dsRepo, pools, DefaultCacheTTL, logger)
	legacy := config.LegacyConfig{EnableDefaultDatasource: true, DefaultPlantID: "1"}
	resolver := NewTagResolver(tagRepo, registry, legacy, logger)

	return &fixture{
		dsRepo:   dsRepo,
		tagRepo:  tagRepo,
		adapter:  adapter,
		pools:    pools,
		registry: registry,
		resolver: resolver,
		disp:     NewDispatcher(registry, resolver, pools, logger),
		ds:       ds,
	}
}

var _ repositories.DatasourceRepository = (*memDatasourceRepo)(nil)
var _ repositories.TagRepository = (*memTagRepo)(nil)
var _ datasource.Adapter = (*fakeAdapter)(nil)
var _ datasource.Conn = (*fakeConn)(nil)

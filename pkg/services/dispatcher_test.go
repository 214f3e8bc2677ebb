package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/config"
)

func TestDispatcher_ReadAutoCreatesTagAndReturnsValue(t *testing.T) {
	f := newFixture(t)

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpRead,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.temp",
		ConnectionString: "ns=2;s=Reactor.Temp",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	value, ok := resp.Data.(*datasource.Value)
	require.True(t, ok)
	assert.Equal(t, "value:ns=2;s=Reactor.Temp", value.Value)
	assert.Equal(t, datasource.QualityGood, value.Quality)
	assert.Equal(t, 1, f.tagRepo.createCount())

	// Second read hits the stored tag and the pooled connection.
	_, err = f.disp.Execute(context.Background(), &Request{
		Operation:    OpRead,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
		TagName:      "reactor.temp",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.tagRepo.createCount())
	assert.Equal(t, 1, f.adapter.openCount())
}

func TestDispatcher_ReadUnknownTagWithoutConnectionString(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:    OpRead,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
		TagName:      "ghost",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 0, f.adapter.openCount(), "no connection should be opened")
}

func TestDispatcher_ReadUnknownDatasource(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpRead,
		PlantID:          "1",
		DatasourceID:     uuid.New(),
		TagName:          "reactor.temp",
		ConnectionString: "ns=2;s=Reactor.Temp",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDispatcher_ReadInactiveDatasource(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dsRepo.SetActive(context.Background(), "1", f.ds.ID, false))
	f.registry.Invalidate("1", f.ds.ID)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpRead,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.temp",
		ConnectionString: "ns=2;s=Reactor.Temp",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInactive)
}

func TestDispatcher_ReadMultiplePreservesOrderWithPerItemErrors(t *testing.T) {
	f := newFixture(t)
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.readFn = func(cs string) (*datasource.Value, error) {
			if cs == "bad" {
				return nil, fmt.Errorf("item %q: %w", cs, apperrors.ErrNotFound)
			}
			return &datasource.Value{Value: "value:" + cs, Quality: datasource.QualityGood}, nil
		}
	}

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:         OpReadMultiple,
		PlantID:           "1",
		DatasourceID:      f.ds.ID,
		ConnectionStrings: []string{"a", "bad", "c"},
	})
	require.NoError(t, err)

	items, ok := resp.Data.([]ReadItem)
	require.True(t, ok)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].ConnectionString)
	assert.Equal(t, "value:a", items[0].Value.Value)
	assert.Empty(t, items[0].Error)

	assert.Equal(t, "bad", items[1].ConnectionString)
	assert.Nil(t, items[1].Value)
	assert.NotEmpty(t, items[1].Error)

	assert.Equal(t, "c", items[2].ConnectionString)
	assert.Equal(t, "value:c", items[2].Value.Value)
}

func TestDispatcher_ReadMultipleRequiresInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:    OpReadMultiple,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDispatcher_TransientReadRetriesOnFreshConnection(t *testing.T) {
	f := newFixture(t)
	f.adapter.onOpen = func(n int, c *fakeConn) {
		if n == 1 {
			c.readFn = func(cs string) (*datasource.Value, error) {
				return nil, fmt.Errorf("session dropped: %w", apperrors.ErrConnection)
			}
		}
	}

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpRead,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.temp",
		ConnectionString: "ns=2;s=Reactor.Temp",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	assert.Equal(t, 2, f.adapter.openCount(), "retry must run on a fresh connection")
	first := f.adapter.conns[0]
	first.mu.Lock()
	assert.True(t, first.closed, "implicated connection must be discarded")
	first.mu.Unlock()
}

func TestDispatcher_TransientFailureRetriesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.readFn = func(cs string) (*datasource.Value, error) {
			return nil, fmt.Errorf("session dropped: %w", apperrors.ErrConnection)
		}
	}

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpRead,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.temp",
		ConnectionString: "ns=2;s=Reactor.Temp",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConnection)
	assert.Equal(t, 2, f.adapter.openCount(), "exactly one retry")
}

func TestDispatcher_WriteRejectedDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.writeFn = func(cs string, value any) error {
			return apperrors.WriteRejected(cs, errors.New("read-only item"))
		}
	}

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpWrite,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.setpoint",
		ConnectionString: "ns=2;s=Reactor.Setpoint",
		Value:            55.0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrWriteRejected)
	assert.Equal(t, 1, f.adapter.openCount(), "rejected writes never retry")
}

func TestDispatcher_WriteUnsupportedForSQLBackends(t *testing.T) {
	f := newFixture(t)
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.writeFn = func(cs string, value any) error {
			return apperrors.Unsupported("postgres", "write")
		}
	}

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpWrite,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "kpi.throughput",
		ConnectionString: "SELECT throughput FROM kpi LIMIT 1",
		Value:            1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)
}

func TestDispatcher_WriteSucceeds(t *testing.T) {
	f := newFixture(t)

	var gotCS string
	var gotValue any
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.writeFn = func(cs string, value any) error {
			gotCS = cs
			gotValue = value
			return nil
		}
	}

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpWrite,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		TagName:          "reactor.setpoint",
		ConnectionString: "ns=2;s=Reactor.Setpoint",
		Value:            55.0,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "ns=2;s=Reactor.Setpoint", gotCS)
	assert.Equal(t, 55.0, gotValue)
}

func TestDispatcher_QueryReturnsRows(t *testing.T) {
	f := newFixture(t)

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:    OpQuery,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
		Statement:    "SELECT 1 AS one",
	})
	require.NoError(t, err)

	result, ok := resp.Data.(*datasource.QueryResult)
	require.True(t, ok)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, []string{"one"}, result.Columns)
}

func TestDispatcher_QueryRequiresStatement(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:    OpQuery,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDispatcher_TestConnection(t *testing.T) {
	f := newFixture(t)

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:    OpTestConnection,
		PlantID:      "1",
		DatasourceID: f.ds.ID,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, f.ds.Name)
}

func TestDispatcher_ReadWithConnectionSkipsTagBookkeeping(t *testing.T) {
	f := newFixture(t)

	resp, err := f.disp.Execute(context.Background(), &Request{
		Operation:        OpReadWithConnection,
		PlantID:          "1",
		DatasourceID:     f.ds.ID,
		ConnectionString: "ns=2;s=Adhoc.Item",
	})
	require.NoError(t, err)

	value, ok := resp.Data.(*datasource.Value)
	require.True(t, ok)
	assert.Equal(t, "value:ns=2;s=Adhoc.Item", value.Value)
	assert.Equal(t, 0, f.tagRepo.createCount(), "ad hoc reads create no tags")
}

func TestDispatcher_ConcurrentReadersShareBoundedPool(t *testing.T) {
	f := newFixture(t)
	logger := zaptest.NewLogger(t)

	pools := datasource.NewPoolManager(datasource.PoolConfig{
		PoolSize:          2,
		ConnectionTimeout: 2 * time.Second,
	}, logger)
	t.Cleanup(func() { _ = pools.Close() })

	registry := NewDatasourceRegistry(f.dsRepo, pools, DefaultCacheTTL, logger)
	resolver := NewTagResolver(f.tagRepo, registry, config.LegacyConfig{EnableDefaultDatasource: true, DefaultPlantID: "1"}, logger)
	disp := NewDispatcher(registry, resolver, pools, logger)

	// Slow reads force the three dispatches to overlap.
	f.adapter.onOpen = func(n int, c *fakeConn) {
		c.readFn = func(cs string) (*datasource.Value, error) {
			time.Sleep(20 * time.Millisecond)
			return &datasource.Value{Value: "value:" + cs, Quality: datasource.QualityGood}, nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := disp.Execute(context.Background(), &Request{
				Operation:        OpRead,
				PlantID:          "1",
				DatasourceID:     f.ds.ID,
				TagName:          fmt.Sprintf("tank%d.level", i),
				ConnectionString: fmt.Sprintf("ns=2;s=Tank%d.Level", i),
			})
			if assert.NoError(t, err) {
				assert.True(t, resp.Success)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, f.adapter.openCount(), 2, "three readers must share at most two connections")
}

func TestDispatcher_UnknownOperation(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Execute(context.Background(), &Request{
		Operation:    "subscribe",
		PlantID:      "1",
		DatasourceID: f.ds.ID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
)

func TestTagResolver_AutoCreatesUnknownTag(t *testing.T) {
	f := newFixture(t)

	tag, ds, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=2;s=Reactor.Temp")
	require.NoError(t, err)

	assert.Equal(t, f.ds.ID, ds.ID)
	assert.Equal(t, "reactor.temp", tag.Name)
	assert.Equal(t, "ns=2;s=Reactor.Temp", tag.ConnectionString)
	assert.True(t, tag.Active)
	assert.NotEqual(t, uuid.Nil, tag.ID)
}

func TestTagResolver_ResolutionIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=2;s=Reactor.Temp")
	require.NoError(t, err)

	second, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=2;s=Reactor.Temp")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.tagRepo.createCount())
}

func TestTagResolver_StoredConnectionStringWins(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=2;s=Reactor.Temp")
	require.NoError(t, err)

	tag, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=9;s=Somewhere.Else")
	require.NoError(t, err)
	assert.Equal(t, "ns=2;s=Reactor.Temp", tag.ConnectionString)
}

func TestTagResolver_UnknownTagWithoutConnectionString(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "ghost", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTagResolver_ConcurrentCreatorsSingleWinner(t *testing.T) {
	f := newFixture(t)

	const workers = 16
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "shared.tag", "ns=2;s=Shared")
			if assert.NoError(t, err) {
				ids[i] = tag.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "all resolvers must observe the one winning row")
	}
	assert.Equal(t, 1, f.tagRepo.createCount())
}

func TestTagResolver_DeactivatedTagRejected(t *testing.T) {
	f := newFixture(t)

	tag, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "ns=2;s=Reactor.Temp")
	require.NoError(t, err)
	require.NoError(t, f.tagRepo.SetActive(context.Background(), "1", tag.ID, false))

	_, _, err = f.resolver.Resolve(context.Background(), "1", f.ds.ID, "reactor.temp", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTagResolver_LegacyFallbackPicksOldestActiveOPCUA(t *testing.T) {
	f := newFixture(t)

	// The fixture datasource has a synthetic type; the fallback only
	// considers OPC UA datasources.
	opcuaDS := &models.Datasource{
		PlantID: "1",
		Name:    "plc-1",
		Type:    models.TypeOPCUA,
		Config:  map[string]any{},
		Active:  true,
	}
	require.NoError(t, f.dsRepo.Create(context.Background(), opcuaDS))

	_, ds, err := f.resolver.Resolve(context.Background(), "", uuid.Nil, "legacy.tag", "ns=2;s=Legacy")
	require.NoError(t, err)
	assert.Equal(t, opcuaDS.ID, ds.ID)
}

func TestTagResolver_LegacyConnectionStringDefaultsToTagName(t *testing.T) {
	f := newFixture(t)

	opcuaDS := &models.Datasource{
		PlantID: "1",
		Name:    "plc-1",
		Type:    models.TypeOPCUA,
		Config:  map[string]any{},
		Active:  true,
	}
	require.NoError(t, f.dsRepo.Create(context.Background(), opcuaDS))

	tag, _, err := f.resolver.Resolve(context.Background(), "1", uuid.Nil, "ns=2;s=Boiler.Pressure", "")
	require.NoError(t, err)
	assert.Equal(t, "ns=2;s=Boiler.Pressure", tag.ConnectionString, "legacy tags address by their own name")
}

func TestTagResolver_LegacyFallbackWithoutCandidate(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.resolver.Resolve(context.Background(), "1", uuid.Nil, "legacy.tag", "ns=2;s=Legacy")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTagResolver_LegacyFallbackDisabled(t *testing.T) {
	f := newFixture(t)
	f.resolver.legacy.cfg.EnableDefaultDatasource = false

	_, _, err := f.resolver.Resolve(context.Background(), "1", uuid.Nil, "legacy.tag", "ns=2;s=Legacy")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTagResolver_EmptyTagName(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.resolver.Resolve(context.Background(), "1", f.ds.ID, "", "ns=2;s=X")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

func TestFromMap_Defaults(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"host":     "db.plant.local",
		"database": "historian",
		"username": "reader",
	})
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "prefer", cfg.SSLMode)
}

func TestFromMap_RequiredFields(t *testing.T) {
	for _, cfg := range []map[string]any{
		{"database": "historian", "username": "reader"},
		{"host": "db", "username": "reader"},
		{"host": "db", "database": "historian"},
	} {
		_, err := FromMap(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	}
}

func TestFromMap_PortRange(t *testing.T) {
	_, err := FromMap(map[string]any{
		"host":     "db",
		"database": "historian",
		"username": "reader",
		"port":     float64(70000),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDSN_EscapesCredentials(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"host":     "db.plant.local",
		"database": "historian",
		"username": "reader",
		"password": "p@ss:word/!",
		"port":     5433,
		"sslmode":  "require",
	})
	require.NoError(t, err)

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "db.plant.local:5433")
	assert.Contains(t, dsn, "sslmode=require")
	assert.NotContains(t, dsn, "p@ss:word/!", "raw password must be URL-escaped")
}

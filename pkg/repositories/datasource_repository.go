package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/database"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
)

// DatasourceRepository defines data access for datasource records.
// The Config column is JSONB; interpretation belongs to the adapters.
type DatasourceRepository interface {
	// Create inserts a new datasource. Returns apperrors.ErrValidation if
	// the (plant, name) pair already exists.
	Create(ctx context.Context, ds *models.Datasource) error

	// GetByID retrieves a datasource by ID within a plant. Returns
	// apperrors.ErrNotFound (wrapped) if absent. Inactive datasources are
	// returned; callers decide whether inactivity is an error.
	GetByID(ctx context.Context, plantID string, id uuid.UUID) (*models.Datasource, error)

	// List retrieves all datasources for a plant, newest first.
	List(ctx context.Context, plantID string) ([]*models.Datasource, error)

	// FirstActiveByType returns the oldest active datasource of the given
	// type within a plant. Used by the legacy default-datasource policy.
	FirstActiveByType(ctx context.Context, plantID, dsType string) (*models.Datasource, error)

	// UpdateConfig replaces the connection configuration of a datasource.
	UpdateConfig(ctx context.Context, plantID string, id uuid.UUID, config map[string]any) error

	// SetActive activates or deactivates a datasource. Deactivation is the
	// only supported removal path; rows are never hard-deleted.
	SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error
}

// datasourceRepository implements DatasourceRepository using PostgreSQL.
type datasourceRepository struct {
	db *database.DB
}

// NewDatasourceRepository creates a new datasource repository.
func NewDatasourceRepository(db *database.DB) DatasourceRepository {
	return &datasourceRepository{db: db}
}

func (r *datasourceRepository) Create(ctx context.Context, ds *models.Datasource) error {
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	query := `
		INSERT INTO datasources (plant_id, name, type, config, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		ds.PlantID,
		ds.Name,
		ds.Type,
		ds.Config,
		ds.Active,
		ds.CreatedAt,
		ds.UpdatedAt,
	).Scan(&ds.ID)
	if err != nil {
		// Unique constraint violation on (plant_id, name)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.Invalid("datasource %q already exists in plant %s", ds.Name, ds.PlantID)
		}
		return fmt.Errorf("failed to create datasource: %w", err)
	}

	return nil
}

func (r *datasourceRepository) GetByID(ctx context.Context, plantID string, id uuid.UUID) (*models.Datasource, error) {
	query := `
		SELECT id, plant_id, name, type, config, active, created_at, updated_at
		FROM datasources
		WHERE plant_id = $1 AND id = $2`

	ds, err := scanDatasource(r.db.QueryRow(ctx, query, plantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.DatasourceNotFound(id.String())
		}
		return nil, fmt.Errorf("failed to get datasource: %w", err)
	}

	return ds, nil
}

func (r *datasourceRepository) List(ctx context.Context, plantID string) ([]*models.Datasource, error) {
	query := `
		SELECT id, plant_id, name, type, config, active, created_at, updated_at
		FROM datasources
		WHERE plant_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasources: %w", err)
	}
	defer rows.Close()

	var datasources []*models.Datasource
	for rows.Next() {
		ds, err := scanDatasource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datasource: %w", err)
		}
		datasources = append(datasources, ds)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasources: %w", err)
	}

	return datasources, nil
}

func (r *datasourceRepository) FirstActiveByType(ctx context.Context, plantID, dsType string) (*models.Datasource, error) {
	query := `
		SELECT id, plant_id, name, type, config, active, created_at, updated_at
		FROM datasources
		WHERE plant_id = $1 AND type = $2 AND active
		ORDER BY created_at ASC
		LIMIT 1`

	ds, err := scanDatasource(r.db.QueryRow(ctx, query, plantID, dsType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no active %s datasource in plant %s: %w", dsType, plantID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get default datasource: %w", err)
	}

	return ds, nil
}

func (r *datasourceRepository) UpdateConfig(ctx context.Context, plantID string, id uuid.UUID, config map[string]any) error {
	query := `
		UPDATE datasources
		SET config = $3, updated_at = $4
		WHERE plant_id = $1 AND id = $2`

	result, err := r.db.Exec(ctx, query, plantID, id, config, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update datasource config: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.DatasourceNotFound(id.String())
	}

	return nil
}

func (r *datasourceRepository) SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error {
	query := `
		UPDATE datasources
		SET active = $3, updated_at = $4
		WHERE plant_id = $1 AND id = $2`

	result, err := r.db.Exec(ctx, query, plantID, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set datasource active flag: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.DatasourceNotFound(id.String())
	}

	return nil
}

// scanDatasource reads one datasource row from either a pgx.Row or pgx.Rows.
func scanDatasource(row pgx.Row) (*models.Datasource, error) {
	var ds models.Datasource
	err := row.Scan(
		&ds.ID,
		&ds.PlantID,
		&ds.Name,
		&ds.Type,
		&ds.Config,
		&ds.Active,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// Ensure datasourceRepository implements DatasourceRepository at compile time.
var _ DatasourceRepository = (*datasourceRepository)(nil)

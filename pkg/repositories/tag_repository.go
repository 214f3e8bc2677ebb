package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/database"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
)

// TagRepository defines data access for tag records.
// (name, datasource_id) is unique; GetOrCreate relies on that constraint
// to stay race-free under concurrent creators.
type TagRepository interface {
	// GetByName retrieves a tag by name within a datasource. Returns
	// apperrors.ErrNotFound (wrapped) if absent.
	GetByName(ctx context.Context, plantID string, datasourceID uuid.UUID, name string) (*models.Tag, error)

	// GetOrCreate returns the existing tag for (name, datasourceID) or
	// creates one with the given connection string. Concurrent callers for
	// the same pair all observe the single winning row.
	GetOrCreate(ctx context.Context, tag *models.Tag) (*models.Tag, error)

	// ListByDatasource retrieves tags for a datasource with pagination.
	ListByDatasource(ctx context.Context, plantID string, datasourceID uuid.UUID, limit, offset int) ([]*models.Tag, error)

	// SetActive activates or deactivates a tag.
	SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error
}

// tagRepository implements TagRepository using PostgreSQL.
type tagRepository struct {
	db *database.DB
}

// NewTagRepository creates a new tag repository.
func NewTagRepository(db *database.DB) TagRepository {
	return &tagRepository{db: db}
}

func (r *tagRepository) GetByName(ctx context.Context, plantID string, datasourceID uuid.UUID, name string) (*models.Tag, error) {
	query := `
		SELECT id, name, plant_id, data_source_id, connection_string, description, unit, active, created_at, updated_at
		FROM tags
		WHERE plant_id = $1 AND data_source_id = $2 AND name = $3`

	tag, err := scanTag(r.db.QueryRow(ctx, query, plantID, datasourceID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.TagNotFound(name, datasourceID.String())
		}
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}

	return tag, nil
}

// GetOrCreate inserts with ON CONFLICT DO NOTHING and re-selects, so the
// second of two concurrent creators observes the first's row instead of
// erroring or duplicating.
func (r *tagRepository) GetOrCreate(ctx context.Context, tag *models.Tag) (*models.Tag, error) {
	now := time.Now()

	insert := `
		INSERT INTO tags (name, plant_id, data_source_id, connection_string, description, unit, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (data_source_id, name) DO NOTHING`

	_, err := r.db.Exec(ctx, insert,
		tag.Name,
		tag.PlantID,
		tag.DatasourceID,
		tag.ConnectionString,
		tag.Description,
		tag.Unit,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}

	// Re-select regardless of whether our insert won: this returns the one
	// winning row for every concurrent caller.
	existing, err := r.GetByName(ctx, tag.PlantID, tag.DatasourceID, tag.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read back tag %q: %w", tag.Name, err)
	}

	return existing, nil
}

func (r *tagRepository) ListByDatasource(ctx context.Context, plantID string, datasourceID uuid.UUID, limit, offset int) ([]*models.Tag, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, name, plant_id, data_source_id, connection_string, description, unit, active, created_at, updated_at
		FROM tags
		WHERE plant_id = $1 AND data_source_id = $2
		ORDER BY name
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, plantID, datasourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}

	return tags, nil
}

func (r *tagRepository) SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error {
	query := `
		UPDATE tags
		SET active = $3, updated_at = $4
		WHERE plant_id = $1 AND id = $2`

	result, err := r.db.Exec(ctx, query, plantID, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set tag active flag: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("tag %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

// scanTag reads one tag row from either a pgx.Row or pgx.Rows.
func scanTag(row pgx.Row) (*models.Tag, error) {
	var tag models.Tag
	err := row.Scan(
		&tag.ID,
		&tag.Name,
		&tag.PlantID,
		&tag.DatasourceID,
		&tag.ConnectionString,
		&tag.Description,
		&tag.Unit,
		&tag.Active,
		&tag.CreatedAt,
		&tag.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// Ensure tagRepository implements TagRepository at compile time.
var _ TagRepository = (*tagRepository)(nil)

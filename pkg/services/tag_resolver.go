package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/config"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
	"github.com/plantlink-io/plantlink-engine/pkg/repositories"
)

// LegacyDefaultPolicy reproduces the behavior of callers that predate
// explicit datasource ids: the plant defaults, the datasource falls back to
// the plant's oldest active OPC UA server, and the tag name doubles as the
// node id.
type LegacyDefaultPolicy struct {
	cfg      config.LegacyConfig
	registry *DatasourceRegistry
}

// NewLegacyDefaultPolicy creates the fallback policy.
func NewLegacyDefaultPolicy(cfg config.LegacyConfig, registry *DatasourceRegistry) *LegacyDefaultPolicy {
	return &LegacyDefaultPolicy{cfg: cfg, registry: registry}
}

// PlantID substitutes the configured default for an empty plant id.
func (p *LegacyDefaultPolicy) PlantID(plantID string) string {
	if plantID == "" {
		return p.cfg.DefaultPlantID
	}
	return plantID
}

// DefaultDatasource picks the stand-in datasource for requests that carry
// none. Fails with a validation error when the fallback is disabled.
func (p *LegacyDefaultPolicy) DefaultDatasource(ctx context.Context, plantID string) (*models.Datasource, error) {
	if !p.cfg.EnableDefaultDatasource {
		return nil, apperrors.Invalid("datasource id is required")
	}
	return p.registry.FirstActiveByType(ctx, plantID, models.TypeOPCUA)
}

// DefaultConnectionString is the address used when a legacy caller supplies
// none: the tag name itself.
func (p *LegacyDefaultPolicy) DefaultConnectionString(tagName string) string {
	return tagName
}

// TagResolver maps (tag name, datasource) requests onto tag records,
// auto-creating unknown tags when a connection string is available.
// Creation goes through the repository's get-or-create, so concurrent
// first-readers of the same tag all land on one row.
type TagResolver struct {
	tags     repositories.TagRepository
	registry *DatasourceRegistry
	legacy   *LegacyDefaultPolicy
	logger   *zap.Logger
}

// NewTagResolver creates a tag resolver.
func NewTagResolver(tags repositories.TagRepository, registry *DatasourceRegistry, legacy config.LegacyConfig, logger *zap.Logger) *TagResolver {
	return &TagResolver{
		tags:     tags,
		registry: registry,
		legacy:   NewLegacyDefaultPolicy(legacy, registry),
		logger:   logger,
	}
}

// Resolve returns the tag and its datasource for a dispatch request.
//
// datasourceID may be uuid.Nil for legacy callers; the LegacyDefaultPolicy
// then supplies the datasource and, when needed, the connection string. A
// tag unknown to the store is created when a connection string is available
// and rejected as a validation error when it is not. When the tag already
// exists, its stored connection string wins over the caller's.
func (r *TagResolver) Resolve(ctx context.Context, plantID string, datasourceID uuid.UUID, tagName, connectionString string) (*models.Tag, *models.Datasource, error) {
	if tagName == "" {
		return nil, nil, apperrors.Invalid("tag name is required")
	}

	plantID = r.legacy.PlantID(plantID)

	var (
		ds  *models.Datasource
		err error
	)
	if datasourceID != uuid.Nil {
		ds, err = r.registry.Resolve(ctx, plantID, datasourceID)
	} else {
		ds, err = r.legacy.DefaultDatasource(ctx, plantID)
		if err == nil {
			if connectionString == "" {
				connectionString = r.legacy.DefaultConnectionString(tagName)
			}
			r.logger.Debug("legacy default datasource selected",
				zap.String("plantID", plantID),
				zap.String("datasourceID", ds.ID.String()),
			)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	tag, err := r.tags.GetByName(ctx, ds.PlantID, ds.ID, tagName)
	if err == nil {
		if !tag.Active {
			return nil, nil, apperrors.Invalid("tag %q is deactivated", tagName)
		}
		return tag, ds, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, err
	}

	if connectionString == "" {
		return nil, nil, apperrors.Invalid("tag %q does not exist and no connection string was supplied", tagName)
	}

	created, err := r.tags.GetOrCreate(ctx, &models.Tag{
		Name:             tagName,
		PlantID:          ds.PlantID,
		DatasourceID:     ds.ID,
		ConnectionString: connectionString,
	})
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("tag auto-created",
		zap.String("plantID", ds.PlantID),
		zap.String("datasourceID", ds.ID.String()),
		zap.String("tag", tagName),
	)
	return created, ds, nil
}

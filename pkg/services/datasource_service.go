package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
	"github.com/plantlink-io/plantlink-engine/pkg/models"
	"github.com/plantlink-io/plantlink-engine/pkg/repositories"
)

// DatasourceService covers datasource lifecycle management: creation with
// config validation, config updates, deactivation. Every mutation invalidates
// the registry so dispatches never run against stale settings.
type DatasourceService struct {
	repo     repositories.DatasourceRepository
	registry *DatasourceRegistry
	logger   *zap.Logger
}

// NewDatasourceService creates a datasource management service.
func NewDatasourceService(repo repositories.DatasourceRepository, registry *DatasourceRegistry, logger *zap.Logger) *DatasourceService {
	return &DatasourceService{repo: repo, registry: registry, logger: logger}
}

// Create validates the config against the adapter for the declared type and
// inserts the record. The connection is not dialed; use the test_connection
// operation for that.
func (s *DatasourceService) Create(ctx context.Context, ds *models.Datasource) error {
	if ds.Name == "" {
		return apperrors.Invalid("datasource name is required")
	}

	adapter := datasource.GetAdapter(ds.Type)
	if adapter == nil {
		return apperrors.Invalid("unknown datasource type %q", ds.Type)
	}
	if err := adapter.ValidateConfig(ds.Config); err != nil {
		return err
	}

	if err := s.repo.Create(ctx, ds); err != nil {
		return err
	}

	s.logger.Info("datasource created",
		zap.String("plantID", ds.PlantID),
		zap.String("datasourceID", ds.ID.String()),
		zap.String("type", ds.Type),
		zap.String("name", ds.Name),
	)
	return nil
}

// Get returns a datasource record, active or not.
func (s *DatasourceService) Get(ctx context.Context, plantID string, id uuid.UUID) (*models.Datasource, error) {
	return s.repo.GetByID(ctx, plantID, id)
}

// List returns all datasources for a plant.
func (s *DatasourceService) List(ctx context.Context, plantID string) ([]*models.Datasource, error) {
	return s.repo.List(ctx, plantID)
}

// UpdateConfig validates and stores a new connection config, then drops the
// cached record and pooled connections built on the old one.
func (s *DatasourceService) UpdateConfig(ctx context.Context, plantID string, id uuid.UUID, config map[string]any) error {
	ds, err := s.repo.GetByID(ctx, plantID, id)
	if err != nil {
		return err
	}

	adapter := datasource.GetAdapter(ds.Type)
	if adapter == nil {
		return apperrors.Invalid("unknown datasource type %q", ds.Type)
	}
	if err := adapter.ValidateConfig(config); err != nil {
		return err
	}

	if err := s.repo.UpdateConfig(ctx, plantID, id, config); err != nil {
		return err
	}

	s.registry.Invalidate(plantID, id)
	s.logger.Info("datasource config updated",
		zap.String("plantID", plantID),
		zap.String("datasourceID", id.String()),
	)
	return nil
}

// SetActive flips the active flag. Deactivation also invalidates, so pooled
// connections drain instead of serving a datasource that no longer resolves.
func (s *DatasourceService) SetActive(ctx context.Context, plantID string, id uuid.UUID, active bool) error {
	if err := s.repo.SetActive(ctx, plantID, id, active); err != nil {
		return err
	}

	s.registry.Invalidate(plantID, id)
	s.logger.Info("datasource active flag changed",
		zap.String("plantID", plantID),
		zap.String("datasourceID", id.String()),
		zap.Bool("active", active),
	)
	return nil
}

// AvailableTypes lists the adapter types compiled into this build.
func (s *DatasourceService) AvailableTypes() []datasource.AdapterInfo {
	return datasource.RegisteredAdapters()
}

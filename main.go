package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
	"github.com/plantlink-io/plantlink-engine/pkg/config"
	"github.com/plantlink-io/plantlink-engine/pkg/database"
	"github.com/plantlink-io/plantlink-engine/pkg/logging"
	"github.com/plantlink-io/plantlink-engine/pkg/services"

	// Datasource adapters self-register on import.
	_ "github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource/modbus"
	_ "github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource/mssql"
	_ "github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource/opcua"
	_ "github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource/postgres"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Host),
		zap.Int("poolSize", cfg.Datasource.PoolSize),
		zap.Bool("legacyDefaultDatasource", cfg.Legacy.EnableDefaultDatasource),
	)

	// Bookkeeping store
	db, err := database.NewConnection(context.Background(), &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to connect to bookkeeping store", zap.Error(err))
	}
	defer db.Close()

	engine := services.NewEngine(cfg, db, logger)
	defer engine.Close() //nolint:errcheck

	for _, info := range datasource.RegisteredAdapters() {
		logger.Info("adapter registered",
			zap.String("type", info.Type),
			zap.String("displayName", info.DisplayName),
		)
	}

	logger.Info("plantlink-engine started", zap.String("version", cfg.Version))

	// Periodic pool stats until interrupted; dispatches come from embedding
	// callers holding the engine.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for id, stats := range engine.PoolStats() {
				logger.Debug("pool stats",
					zap.String("datasourceID", id.String()),
					zap.Int("idle", stats.IdleConnections),
					zap.Int("poolSize", stats.PoolSize),
				)
			}
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			return
		}
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/config"
	"github.com/clinicops/omnihub/internal/domain/conversation"
	"github.com/clinicops/omnihub/internal/domain/directory"
	"github.com/clinicops/omnihub/internal/domain/lead"
	"github.com/clinicops/omnihub/internal/platform/db"
	"github.com/clinicops/omnihub/migrations"
)

// storage bundles the repositories for the configured driver.
type storage struct {
	conversations conversation.Repository
	leads         lead.Pipeline
	directory     directory.Directory
	health        echo.HandlerFunc
	sqlDB         *sql.DB
	close         func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.DBDriver == "sqlite" {
		sqlDB, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		// SQLite is the single-node and development driver; its schema is
		// brought up to date on start.
		n, err := db.NewSQLiteMigrator(sqlDB, migrations.SQLite()).Up(ctx)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		if n > 0 {
			logger.Info().Int("applied", n).Msg("sqlite migrations applied")
		}
		return &storage{
			conversations: conversation.NewRepoSQLite(sqlDB),
			leads:         lead.NewPipelineSQLite(sqlDB),
			directory:     directory.NewSQLite(sqlDB),
			health:        db.SQLiteHealthHandler(sqlDB),
			sqlDB:         sqlDB,
			close:         func() { sqlDB.Close() },
		}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, err
	}
	return &storage{
		conversations: conversation.NewRepoPG(pool),
		leads:         lead.NewPipelinePG(pool),
		directory:     directory.NewPG(pool),
		health:        db.HealthHandler(pool),
		close:         pool.Close,
	}, nil
}

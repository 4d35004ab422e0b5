package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/surajsub/temporal-release-pipeline/config"
)

// Open connects to postgres and migrates every table this package owns.
func Open(cfg config.Database) (*gorm.DB, error) {
	return OpenDSN(cfg.DSN() + " TimeZone=UTC")
}

func OpenDSN(dsn string) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Records can arrive before their execution row.
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("GORM DB connection failed: %w", err)
	}
	if err := Migrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

func Migrate(gormDB *gorm.DB) error {
	err := gormDB.AutoMigrate(
		&PipelineExecution{},
		&StageRecord{},
		&HostOutcomeRecord{},
		&DeploymentGroupRecord{},
		&HostRecord{},
		&ArtifactBlob{},
		&ArtifactVersion{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping checks the connection through the lib/pq driver, bypassing the gorm
// pool, the way an operator's readiness probe would.
func Ping(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("SQL DB connection failed: %w", err)
	}
	defer sqlDB.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

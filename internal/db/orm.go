package db

import (
	"fmt"
	"time"

	"infinite-experiment/warden/internal/config"
	"infinite-experiment/warden/internal/logging"
	gormModels "infinite-experiment/warden/internal/models/gorm"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormConfig keeps every timestamp gorm generates in UTC so that SQLite's
// textual time comparison and Postgres agree.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}
}

// InitPostgresORM opens the production store
func InitPostgresORM(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logging.Info("Connected to Postgres via GORM")
	return db, nil
}

// InitSQLiteORM opens a SQLite store with foreign keys enabled, which the
// config-to-record cascade relies on.
func InitSQLiteORM(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	// SQLite serialises writers; one connection avoids SQLITE_BUSY between
	// concurrently open dispatch transactions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	logging.Info("Opened SQLite database via GORM", "path", path)
	return db, nil
}

// Open selects the driver named by the configuration
func Open(cfg config.Config) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return InitPostgresORM(cfg.PostgresDSN())
	case config.DriverSQLite:
		return InitSQLiteORM(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

// Migrate creates or updates every table, including the cascade foreign keys
// and the channel_id_only_on_finite check constraint.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(gormModels.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

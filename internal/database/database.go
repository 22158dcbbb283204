package database

import (
	"fmt"

	"github.com/ksred/papertrade/internal/config"
	"github.com/ksred/papertrade/internal/database/migrations"
	"github.com/ksred/papertrade/internal/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection for the
// configured driver and runs all migrations
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenMemory returns a migrated in-memory SQLite database. It holds a single
// connection, so the database lives as long as the handle and every
// transaction is serialized.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the schema and then the hand-written indexes
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Account{},
		&types.Position{},
		&types.Order{},
		&types.TradeRecord{},
		&types.FundTransaction{},
		&types.MarketPrice{},
		&types.IdempotencyRecord{},
		&types.APICredential{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	if err := migrations.AddOrderIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddMarketPriceIndex(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

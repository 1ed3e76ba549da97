package database

import (
	"fmt"
	"time"

	"github.com/ksred/trading-ledger/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// busyTimeout bounds how long a transaction waits on a conflicting lock
// before failing with a retryable conflict instead of blocking indefinitely.
const busyTimeout = 5 * time.Second

// NewDatabase initializes and returns a new GORM DB connection at the given
// path. TranslateError is enabled so duplicate-key violations surface as
// gorm.ErrDuplicatedKey regardless of driver.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeout.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Scope the connection pool: sqlite allows one writer, so the shared
	// handle is serialized here rather than by callers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Migrate creates or updates the relational schema for the core models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Account{},
		&types.Position{},
		&types.Order{},
		&types.LedgerEntry{},
	)
}

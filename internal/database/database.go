// Package database opens a GORM connection from a database URL. The scheme
// selects the dialect: postgres://, mysql://, or sqlite:// (also bare file
// paths and :memory:).
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database identified by url. maxConns bounds the
// connection pool; zero picks a per-dialect default.
func Open(url string, maxConns int) (*gorm.DB, error) {
	// Only log slow queries (>1 second); record-not-found is an expected
	// outcome, not an error.
	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	gormConfig := &gorm.Config{
		Logger: slowLogger,
	}

	var db *gorm.DB
	var err error
	sqliteConns := false

	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		db, err = gorm.Open(postgres.Open(url), gormConfig)
	case strings.HasPrefix(url, "mysql://"):
		db, err = gorm.Open(mysql.Open(strings.TrimPrefix(url, "mysql://")), gormConfig)
	default:
		sqliteConns = true
		dsn := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file:")
		if dsn != ":memory:" && !strings.HasPrefix(dsn, ":memory:") {
			dir := filepath.Dir(dsn)
			if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		if err == nil {
			// WAL mode allows concurrent readers while a writer is active,
			// preventing connection starvation with multiple goroutines.
			db.Exec("PRAGMA journal_mode=WAL")
			// busy_timeout makes SQLite wait (up to 5s) when the DB is locked
			// instead of immediately returning SQLITE_BUSY.
			db.Exec("PRAGMA busy_timeout = 5000")
			db.Exec("PRAGMA foreign_keys = ON")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxConns <= 0 {
		if sqliteConns {
			maxConns = 4
		} else {
			maxConns = 25
		}
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(min(maxConns, 5))

	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package relstore is the relational half of the dual-store write
// path: gorm over MySQL in production (sqlite in local/dev), holding
// the profile and subscription tables. Grounded on the same
// gorm.Open/pool-sizing idiom the corpus uses for its relational
// store, with schema managed by goose rather than GORM's AutoMigrate.
package relstore

import (
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// PoolConfig mirrors the relational pool sizing named in the
// configuration surface: pool 20 / overflow 30 / timeout 10s.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    50, // pool(20) + overflow(30)
		MaxIdleConns:    20,
		ConnMaxLifetime: 10 * time.Second,
	}
}

// Store wraps the gorm handle used by UserRegistry and the
// subscription lifecycle.
type Store struct {
	DB *gorm.DB
}

// OpenMySQL connects to a production MySQL DSN and applies the
// mysql-dialect migration set embedded in this package.
func OpenMySQL(dsn string, pool PoolConfig) (*Store, error) {
	return open(mysql.Open(dsn), pool, "mysql", "migrations/mysql")
}

// OpenSQLite connects to a local sqlite file (or ":memory:") for
// development/testing, applying the sqlite-dialect migration set
// (AUTOINCREMENT rather than MySQL's AUTO_INCREMENT; the two engines'
// integer primary key syntax differs, so the schema is forked per
// dialect rather than shared -- see DESIGN.md).
func OpenSQLite(path string, pool PoolConfig) (*Store, error) {
	return open(sqlite.Open(path), pool, "sqlite3", "migrations/sqlite")
}

func open(dialector gorm.Dialector, pool PoolConfig, gooseDialect, migrationDir string) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping relational store: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, migrationDir); err != nil {
		return nil, fmt.Errorf("apply relational migrations: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the relational store is reachable, used by
// DualStoreManager.health() and the circuit breaker's probe loop.
func (s *Store) Ping() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

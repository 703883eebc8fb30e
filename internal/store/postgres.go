package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool settings for PostgreSQL.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var (
	_ Store   = (*PostgresStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

// PostgresStore is the multi-process backend. Dispatch claims take row locks
// and job claims use SKIP LOCKED, so several schedulers may share a database.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects to the DSN and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, errors.New("PostgresStore: database DSN not set")
	}
	s, err := openSQLStore("postgres", cfg.DSN, "PostgresStore", postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	s.rebind = rebindDollar
	s.lockRow = " FOR UPDATE"
	slog.Debug("PostgresStore: ready")
	return &PostgresStore{sqlStore: s}, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is the mode used when creating the database directory.
const DefaultDirPermissions = 0755

// sqlitePragmas are appended to every SQLite DSN.
const sqlitePragmas = "_busy_timeout=5000&_foreign_keys=on"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var (
	_ Store   = (*SQLiteStore)(nil)
	_ JobRepo = (*SQLiteStore)(nil)
)

// SQLiteStore keeps people, sequences, message history and dispatch jobs in
// one SQLite file. It holds a single connection so transactions serialize,
// which is what makes the dispatch claim safe without row locks.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) the database file named by the
// DSN and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, errors.New("SQLiteStore: database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("SQLiteStore: create database directory %s: %w", dir, err)
	}

	s, err := openSQLStore("sqlite3", sqliteDSN(cfg.DSN), "SQLiteStore", sqliteMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	s.rebind = func(q string) string { return q }
	slog.Debug("SQLiteStore: ready", "dir", dir)
	return &SQLiteStore{sqlStore: s}, nil
}

// sqliteDSN appends the connection pragmas to path, respecting any query
// string the caller already supplied.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

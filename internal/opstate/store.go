// Package opstate persists small pieces of hub state in SQLite, keyed
// by namespace and key. The registry keeps dynamically added server
// descriptors here.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO selects github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure selects modernc.org/sqlite, which needs no cgo.
	DriverPure = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS hub_state (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
)`

type Option func(*options)

type options struct {
	driver string
}

// WithDriver picks the database/sql driver; DriverCGO when unset.
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore opens dbPath (":memory:" works) and creates the table if
// needed.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	o := options{driver: DriverCGO}
	for _, opt := range opts {
		opt(&o)
	}
	switch o.driver {
	case DriverCGO, DriverPure:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", o.driver)
	}

	db, err := sql.Open(o.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	// A single connection serializes writers and keeps ":memory:" one
	// database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, driver: o.driver}, nil
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error { return s.db.Close() }

// Get returns "" with a nil error for a missing key.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM hub_state WHERE namespace = ? AND key = ?`, namespace, key)
	switch err := row.Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set inserts or replaces the value and stamps updated_at.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	const q = `
INSERT INTO hub_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, q, namespace, key, value, now); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete is a no-op for a missing key.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hub_state WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns every key in namespace. The map is never nil.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM hub_state WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("list %s: %w", namespace, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

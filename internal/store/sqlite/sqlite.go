// Package sqlite provides a SQLite-backed product store.
//
// Products live in a single table keyed by their identifier, so the name
// space and the recovery rules are the same as for the file store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"serveml/internal/logging"
	"serveml/internal/store"
)

// ParamPath is the factory parameter naming the database file.
const ParamPath = "path"

var ErrMissingPathParam = errors.New("missing required parameter: path")

// Store is a store.Store backed by a SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = FULL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logging.Default(logger).With("component", "store", "type", "sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, key int64, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (name, blob, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		store.Identifier(key), blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert product %d: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE name = ?`, store.Identifier(key)); err != nil {
		return fmt.Errorf("delete product %d: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM products`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan product name: %w", err)
		}
		if key, err := store.ParseIdentifier(name); err == nil {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Lexical order of names is not numeric order.
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) ReadAll(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, blob FROM products`)
	if err != nil {
		return nil, fmt.Errorf("read products: %w", err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		key, err := store.ParseIdentifier(name)
		switch {
		case err == nil:
			entries = append(entries, store.Entry{Name: name, Key: key, Data: data})
		case errors.Is(err, store.ErrNotProduct):
			s.logger.Debug("ignoring non-product row", "name", name)
		default:
			entries = append(entries, store.Entry{Name: name, Err: err})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	store.SortEntries(entries)
	return entries, nil
}

// putRaw inserts a row under an arbitrary name. Used by tests to plant
// rows the registry must skip.
func (s *Store) putRaw(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (name, blob, created_at) VALUES (?, ?, ?)`,
		name, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// NewFactory returns a store.Factory creating SQLite stores.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Store, error) {
		path := params[ParamPath]
		if path == "" {
			return nil, ErrMissingPathParam
		}
		return NewStore(path, logger)
	}
}

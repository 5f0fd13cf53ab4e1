// Package objstore adapts flat object storage (S3, GCS, Azure Blob) to
// store.Store. Backends implement Bucket; this package maps keys to object
// names under a prefix and fans reads out over a bounded worker group.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"serveml/internal/logging"
	"serveml/internal/store"
)

// DefaultReaders bounds concurrent object downloads in ReadAll.
const DefaultReaders = 16

// Bucket is the minimal object API a cloud backend provides. Names passed
// to and returned from a Bucket are relative to its prefix.
type Bucket interface {
	// Create writes data under name only if no object exists there. It
	// returns ErrExists, possibly wrapped, when the precondition fails.
	Create(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	// Remove deletes name. A missing object is not an error.
	Remove(ctx context.Context, name string) error
	// List returns the names directly under the prefix.
	List(ctx context.Context) ([]string, error)
}

// ErrExists is returned by Bucket.Create when the object already exists.
var ErrExists = errors.New("object already exists")

// Config configures a Store.
type Config struct {
	Bucket  Bucket
	Readers int
	// Kind names the backend in logs ("s3", "gcs", "azblob").
	Kind   string
	Logger *slog.Logger
}

// Store is a store.Store over a Bucket.
type Store struct {
	bucket  Bucket
	readers int
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) *Store {
	if cfg.Readers <= 0 {
		cfg.Readers = DefaultReaders
	}
	return &Store{
		bucket:  cfg.Bucket,
		readers: cfg.Readers,
		logger:  logging.Default(cfg.Logger).With("component", "store", "type", cfg.Kind),
	}
}

// Close closes the bucket if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.bucket.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key int64, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.bucket.Create(ctx, store.Identifier(key), blob)
	if err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("put product %d: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.bucket.Remove(ctx, store.Identifier(key)); err != nil {
		return fmt.Errorf("delete product %d: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]int64, error) {
	names, err := s.bucket.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	keys := make([]int64, 0, len(names))
	for _, name := range names {
		if key, err := store.ParseIdentifier(name); err == nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) ReadAll(ctx context.Context) ([]store.Entry, error) {
	names, err := s.bucket.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	var entries []store.Entry
	for _, name := range names {
		key, err := store.ParseIdentifier(name)
		switch {
		case err == nil:
			entries = append(entries, store.Entry{Name: name, Key: key})
		case errors.Is(err, store.ErrNotProduct):
			s.logger.Debug("ignoring non-product object", "name", name)
		default:
			entries = append(entries, store.Entry{Name: name, Err: err})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.readers)
	for i := range entries {
		if entries[i].Err != nil {
			continue
		}
		g.Go(func() error {
			data, err := s.bucket.Read(gctx, entries[i].Name)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				entries[i].Err = fmt.Errorf("read %s: %w", entries[i].Name, err)
				return nil
			}
			entries[i].Data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	store.SortEntries(entries)
	return entries, nil
}

// NormalizePrefix returns prefix with surrounding slashes trimmed and a
// single trailing slash, or "" for the bucket root.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// Relative strips prefix from a full object name. It reports false for
// names outside the prefix or in nested "directories".
func Relative(prefix, full string) (string, bool) {
	name, ok := strings.CutPrefix(full, prefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

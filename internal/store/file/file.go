// Package file provides a directory-backed product store.
//
// Each product is one file named by store.Identifier inside the directory.
// Writes go to a hidden temp file first and are published with a hard link,
// which fails if the target exists. A crash therefore leaves at most a stray
// temp file, never a partial product file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"serveml/internal/logging"
	"serveml/internal/store"
)

// Factory parameter keys.
const (
	ParamDir      = "dir"
	ParamFileMode = "fileMode"
)

// Defaults.
const (
	DefaultFileMode = 0o644
	DefaultReaders  = 8

	tempPattern = ".product-*.tmp"
)

var ErrMissingDirParam = errors.New("missing required parameter: dir")

// Config configures a Store.
type Config struct {
	Dir      string
	FileMode os.FileMode
	// Readers bounds concurrent file reads in ReadAll.
	Readers int
	Logger  *slog.Logger
}

// Store is a store.Store over a local directory.
type Store struct {
	dir      string
	fileMode os.FileMode
	readers  int
	logger   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates the directory if needed and removes temp files left by an
// interrupted write.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDirParam
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = DefaultFileMode
	}
	if cfg.Readers <= 0 {
		cfg.Readers = DefaultReaders
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create product dir: %w", err)
	}
	s := &Store{
		dir:      cfg.Dir,
		fileMode: cfg.FileMode,
		readers:  cfg.Readers,
		logger:   logging.Default(cfg.Logger).With("component", "store", "type", "file"),
	}
	s.sweepTemp()
	return s, nil
}

// Dir returns the product directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) sweepTemp() {
	matches, err := doublestar.Glob(os.DirFS(s.dir), tempPattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(filepath.Join(s.dir, m)); err == nil {
			s.logger.Info("removed stale temp file", "name", m)
		}
	}
}

func (s *Store) Put(ctx context.Context, key int64, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, store.Identifier(key))
	if exists, err := blobExists(path); exists || err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(s.fileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			_, err = blobExists(path)
		}
		return err
	}
	return syncDir(s.dir)
}

// blobExists reports whether a product file is already at path. Anything
// other than a regular file there is an error: it would hide the key from
// ReadAll.
func blobExists(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !fi.Mode().IsRegular() {
		return false, fmt.Errorf("%s exists and is not a regular file", path)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, store.Identifier(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// candidates returns the names of regular files matching the identifier
// pattern.
func (s *Store) candidates() ([]string, error) {
	names, err := doublestar.Glob(os.DirFS(s.dir), store.IdentifierGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Keys(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := s.candidates()
	if err != nil {
		return nil, err
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
	names, err := s.candidates()
	if err != nil {
		return nil, err
	}

	entries := make([]store.Entry, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.readers)
	for i, name := range names {
		entries[i].Name = name
		key, err := store.ParseIdentifier(name)
		if err != nil {
			entries[i].Err = err
			continue
		}
		entries[i].Key = key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(s.dir, name))
			if err != nil {
				entries[i].Err = fmt.Errorf("read %s: %w", name, err)
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

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// NewFactory returns a store.Factory creating file stores.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Store, error) {
		dir, ok := params[ParamDir]
		if !ok || dir == "" {
			return nil, ErrMissingDirParam
		}
		cfg := Config{Dir: dir, Logger: logger}
		if v, ok := params[ParamFileMode]; ok {
			var mode uint32
			if _, err := fmt.Sscanf(v, "%o", &mode); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamFileMode, err)
			}
			cfg.FileMode = os.FileMode(mode)
		}
		return New(cfg)
	}
}

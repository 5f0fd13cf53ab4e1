// Package memory provides an in-process product store for tests and
// ephemeral servers.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"serveml/internal/store"
)

// Store is a store.Store backed by a map of object names to blobs. Names
// that are not product identifiers can be planted with PutRaw to exercise
// recovery.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Put(ctx context.Context, key int64, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := store.Identifier(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; !ok {
		s.objects[name] = slices.Clone(blob)
	}
	return nil
}

// PutRaw stores data under an arbitrary name, replacing any existing object.
func (s *Store) PutRaw(name string, data []byte) {
	s.mu.Lock()
	s.objects[name] = slices.Clone(data)
	s.mu.Unlock()
}

func (s *Store) Delete(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, store.Identifier(key))
	s.mu.Unlock()
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []int64
	for name := range s.objects {
		if key, err := store.ParseIdentifier(name); err == nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) ReadAll(ctx context.Context) ([]store.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []store.Entry
	for _, name := range slices.Sorted(maps.Keys(s.objects)) {
		key, err := store.ParseIdentifier(name)
		switch {
		case err == nil:
			entries = append(entries, store.Entry{Name: name, Key: key, Data: slices.Clone(s.objects[name])})
		case !errors.Is(err, store.ErrNotProduct):
			entries = append(entries, store.Entry{Name: name, Err: err})
		}
	}
	store.SortEntries(entries)
	return entries, nil
}

// NewFactory returns a store.Factory creating empty memory stores.
func NewFactory() store.Factory {
	return func(map[string]string, *slog.Logger) (store.Store, error) {
		return New(), nil
	}
}

package objstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemBucket is an in-memory Bucket. It backs tests of the cloud adapters
// and of this package.
type MemBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemBucket() *MemBucket {
	return &MemBucket{objects: make(map[string][]byte)}
}

func (b *MemBucket) Create(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; ok {
		return ErrExists
	}
	b.objects[name] = slices.Clone(data)
	return nil
}

// Set writes name unconditionally.
func (b *MemBucket) Set(name string, data []byte) {
	b.mu.Lock()
	b.objects[name] = slices.Clone(data)
	b.mu.Unlock()
}

func (b *MemBucket) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %q not found", name)
	}
	return slices.Clone(data), nil
}

func (b *MemBucket) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.objects, name)
	b.mu.Unlock()
	return nil
}

func (b *MemBucket) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.objects)), nil
}

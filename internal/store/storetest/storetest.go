// Package storetest provides a shared conformance test suite for
// store.Store implementations. Each backend wires this suite to verify it
// satisfies the full Store contract.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"serveml/internal/store"
)

// Planter writes an object under an arbitrary name, bypassing the
// identifier codec. Backends that cannot hold foreign names pass nil.
type Planter func(t *testing.T, s store.Store, name string, data []byte)

// TestStore runs the conformance suite. newStore must return a fresh,
// empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store, plant Planter) {
	ctx := context.Background()

	t.Run("Empty", func(t *testing.T) {
		s := newStore(t)
		entries, err := s.ReadAll(ctx)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected no entries, got %d", len(entries))
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected no keys, got %v", keys)
		}
	})

	t.Run("PutReadAll", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []int64{7, 2, 5} {
			if err := s.Put(ctx, k, blobFor(k)); err != nil {
				t.Fatalf("Put(%d): %v", k, err)
			}
		}
		entries, err := s.ReadAll(ctx)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		for i, want := range []int64{2, 5, 7} {
			e := entries[i]
			if e.Err != nil {
				t.Fatalf("entry %d: %v", i, e.Err)
			}
			if e.Key != want {
				t.Errorf("entry %d: key %d, want %d", i, e.Key, want)
			}
			if e.Name != store.Identifier(want) {
				t.Errorf("entry %d: name %q", i, e.Name)
			}
			if !bytes.Equal(e.Data, blobFor(want)) {
				t.Errorf("entry %d: data %q", i, e.Data)
			}
		}
	})

	t.Run("PutDoesNotOverwrite", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, 3, []byte("first")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(ctx, 3, []byte("second")); err != nil {
			t.Fatalf("second Put: %v", err)
		}
		entries, err := s.ReadAll(ctx)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(entries) != 1 || string(entries[0].Data) != "first" {
			t.Fatalf("expected original blob to survive, got %+v", entries)
		}
	})

	t.Run("KeysNumericOrder", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []int64{100, 9, 10} {
			if err := s.Put(ctx, k, blobFor(k)); err != nil {
				t.Fatalf("Put(%d): %v", k, err)
			}
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if !slices.Equal(keys, []int64{9, 10, 100}) {
			t.Fatalf("Keys = %v", keys)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, 1, blobFor(1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(ctx, 2, blobFor(2)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Delete(ctx, 1); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if !slices.Equal(keys, []int64{2}) {
			t.Fatalf("Keys after delete = %v", keys)
		}
		if err := s.Delete(ctx, 1); err != nil {
			t.Fatalf("Delete of missing key: %v", err)
		}
		if err := s.Delete(ctx, 99); err != nil {
			t.Fatalf("Delete of never-written key: %v", err)
		}
	})

	t.Run("PutAfterDelete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, 4, []byte("old")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Delete(ctx, 4); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Put(ctx, 4, []byte("new")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		entries, err := s.ReadAll(ctx)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(entries) != 1 || string(entries[0].Data) != "new" {
			t.Fatalf("unexpected entries %+v", entries)
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		s := newStore(t)
		const n = 32
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Go(func() {
				errs[i] = s.Put(ctx, int64(i+1), blobFor(int64(i+1)))
			})
		}
		wg.Wait()
		if err := errors.Join(errs...); err != nil {
			t.Fatalf("Put: %v", err)
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if len(keys) != n {
			t.Fatalf("expected %d keys, got %d", n, len(keys))
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := s.Put(cctx, 1, blobFor(1)); err == nil {
			t.Fatal("expected error from Put with canceled context")
		}
	})

	if plant == nil {
		return
	}

	t.Run("ForeignObjects", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, 2, blobFor(2)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		plant(t, s, "README.md", []byte("notes"))
		plant(t, s, "1_model.pkl", []byte("legacy"))
		plant(t, s, "product_abc.blob", []byte("junk"))
		plant(t, s, "product_007.blob", []byte("junk"))

		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if !slices.Equal(keys, []int64{2}) {
			t.Fatalf("Keys = %v, want [2]", keys)
		}

		entries, err := s.ReadAll(ctx)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries (1 product, 2 malformed), got %+v", entries)
		}
		if entries[0].Key != 2 || entries[0].Err != nil {
			t.Errorf("first entry should be product 2, got %+v", entries[0])
		}
		for _, e := range entries[1:] {
			if !errors.Is(e.Err, store.ErrMalformedIdentifier) {
				t.Errorf("entry %q: expected ErrMalformedIdentifier, got %v", e.Name, e.Err)
			}
		}
		if entries[1].Name != "product_007.blob" || entries[2].Name != "product_abc.blob" {
			t.Errorf("malformed entries out of order: %q, %q", entries[1].Name, entries[2].Name)
		}
	})
}

func blobFor(key int64) []byte {
	return fmt.Appendf(nil, "blob-%d", key)
}

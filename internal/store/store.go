// Package store defines durable product blob storage.
//
// A Store maps a product key to exactly one opaque blob. The key space is
// reconstructed at startup purely from object identifiers (see Identifier),
// so there is no index object.
//
// Store does not:
//   - Decode blobs (that is the registry's job)
//   - Allocate keys
//   - Serialize concurrent mutations (the registry holds its lock across
//     every Put/Delete it issues)
package store

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
)

// Store persists product blobs.
type Store interface {
	// Put writes blob under key unless an object for key already exists, in
	// which case it does nothing and returns nil. A partially written blob
	// is never visible under the product identifier.
	Put(ctx context.Context, key int64, blob []byte) error

	// ReadAll returns every recognized product object. Entries with a nil
	// Err come first in ascending key order, followed by failed entries
	// ordered by name.
	ReadAll(ctx context.Context) ([]Entry, error)

	// Keys returns the keys of all well-formed product identifiers in
	// ascending order, without reading blob contents.
	Keys(ctx context.Context) ([]int64, error)

	// Delete removes the object for key. A missing object is not an error.
	Delete(ctx context.Context, key int64) error
}

// Entry is one object found by ReadAll.
type Entry struct {
	// Name is the backend identifier of the object.
	Name string
	// Key is the product key parsed from Name. Zero when Err is set by a
	// malformed identifier.
	Key int64
	// Data is the blob content.
	Data []byte
	// Err is set when the identifier looks like a product but does not
	// parse, or the object could not be read.
	Err error
}

// Factory creates a Store from string parameters. Backends that hold
// resources also implement io.Closer.
type Factory func(params map[string]string, logger *slog.Logger) (Store, error)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// SortEntries orders entries as ReadAll documents.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		aBad, bBad := a.Err != nil, b.Err != nil
		switch {
		case aBad != bBad:
			if aBad {
				return 1
			}
			return -1
		case aBad:
			return cmp.Compare(a.Name, b.Name)
		default:
			return cmp.Compare(a.Key, b.Key)
		}
	})
}

package registry

import (
	"context"
	"fmt"
	"slices"
)

// Drift lists keys on which memory and the store disagree.
type Drift struct {
	// MissingOnDisk are registered keys with no stored object.
	MissingOnDisk []int64
	// UnknownOnDisk are stored keys that are not registered. This includes
	// objects Load skipped.
	UnknownOnDisk []int64
}

// Clean reports whether there is no drift.
func (d Drift) Clean() bool {
	return len(d.MissingOnDisk) == 0 && len(d.UnknownOnDisk) == 0
}

// Verify compares registered keys with the keys in the store. Mutations
// are blocked for the duration so the comparison sees one consistent
// state. Drift is reported, never repaired.
func (r *Registry) Verify(ctx context.Context) (Drift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return Drift{}, ErrNotLoaded
	}
	stored, err := r.store.Keys(ctx)
	if err != nil {
		return Drift{}, fmt.Errorf("list stored keys: %w", err)
	}

	var d Drift
	for key := range r.products {
		if _, found := slices.BinarySearch(stored, key); !found {
			d.MissingOnDisk = append(d.MissingOnDisk, key)
		}
	}
	for _, key := range stored {
		if _, ok := r.products[key]; !ok {
			d.UnknownOnDisk = append(d.UnknownOnDisk, key)
		}
	}
	slices.Sort(d.MissingOnDisk)

	r.metrics.Drift(len(d.MissingOnDisk), len(d.UnknownOnDisk))
	if !d.Clean() {
		r.logger.Warn("store drift detected",
			"missing_on_disk", d.MissingOnDisk,
			"unknown_on_disk", d.UnknownOnDisk)
	}
	return d, nil
}

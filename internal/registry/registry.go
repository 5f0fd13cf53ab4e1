// Package registry owns the set of registered products.
//
// The Registry is the single authority for product keys. It keeps the live
// products in memory and mirrors every mutation to a store.Store while
// holding its write lock, so the in-memory view and the persisted view
// change in the same order. Keys are allocated from a counter that only
// moves forward: a key is never handed out twice, even across restarts,
// because Load resumes the counter above every key found in the store.
//
// Registry does not:
//   - Interpret payloads (the Compiler does)
//   - Choose a storage backend (main does)
//   - Repair drift between memory and the store (Verify only reports it)
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"serveml/internal/format"
	"serveml/internal/logging"
	"serveml/internal/metrics"
	"serveml/internal/product"
	"serveml/internal/store"
)

// Compiler turns persisted payloads into runnable products.
type Compiler interface {
	Model(payload []byte) (product.Model, error)
	Validator(payload []byte) (product.Validator, error)
}

var (
	// ErrNotLoaded is returned by operations issued before Load.
	ErrNotLoaded = errors.New("registry not loaded")
	// ErrAlreadyLoaded is returned by a second call to Load.
	ErrAlreadyLoaded = errors.New("registry already loaded")
)

// Config configures a Registry.
type Config struct {
	Store    store.Store
	Compiler Compiler
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Now returns the registration timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds registered products.
//
// Logging: scoped with component="registry". Each registration, removal
// and recovery skip is logged; inference is not.
type Registry struct {
	mu       sync.RWMutex
	products map[int64]*product.Product
	nextKey  int64
	loaded   bool

	store    store.Store
	compiler Compiler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty registry. Call Load before serving requests.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	if cfg.Compiler == nil {
		return nil, errors.New("registry: compiler is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		products: make(map[int64]*product.Product),
		nextKey:  1,
		store:    cfg.Store,
		compiler: cfg.Compiler,
		metrics:  cfg.Metrics,
		logger:   logging.Default(cfg.Logger).With("component", "registry"),
		now:      cfg.Now,
	}, nil
}

// Skipped describes a persisted object Load could not restore.
type Skipped struct {
	Name string
	Err  error
}

// LoadReport summarizes a Load.
type LoadReport struct {
	Loaded  []int64
	Skipped []Skipped
	NextKey int64
}

// Load restores every product found in the store. Objects that cannot be
// read, decoded or compiled are logged and skipped; they never abort
// startup. The key counter resumes above the highest key seen, including
// keys of skipped objects, so a new registration can never collide with
// an object already in the store. Load may be called only once.
func (r *Registry) Load(ctx context.Context) (LoadReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return LoadReport{}, ErrAlreadyLoaded
	}

	entries, err := r.store.ReadAll(ctx)
	if err != nil {
		return LoadReport{}, fmt.Errorf("%w: %v", product.ErrRecovery, err)
	}

	var report LoadReport
	maxKey := int64(0)
	for _, e := range entries {
		if e.Key > maxKey {
			maxKey = e.Key
		}
		p, err := r.restore(e)
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", product.ErrRecovery, e.Name, err)
			r.logger.Warn("skipping unrecoverable product", "name", e.Name, "error", err)
			r.metrics.RecoverySkipped()
			report.Skipped = append(report.Skipped, Skipped{Name: e.Name, Err: err})
			continue
		}
		r.products[p.Key] = p
		report.Loaded = append(report.Loaded, p.Key)
	}

	r.nextKey = maxKey + 1
	r.loaded = true
	r.metrics.SetActive(len(r.products))

	report.NextKey = r.nextKey
	r.logger.Info("registry loaded",
		"products", len(report.Loaded),
		"skipped", len(report.Skipped),
		"next_key", r.nextKey)
	return report, nil
}

func (r *Registry) restore(e store.Entry) (*product.Product, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	blob, err := format.DecodeProduct(e.Data)
	if err != nil {
		return nil, err
	}
	if blob.Key != e.Key {
		return nil, fmt.Errorf("blob holds key %d, identifier says %d", blob.Key, e.Key)
	}
	model, err := r.compiler.Model(blob.Model)
	if err != nil {
		return nil, err
	}
	validator, err := r.compiler.Validator(blob.Validator)
	if err != nil {
		return nil, err
	}
	return &product.Product{
		Key:              e.Key,
		Model:            model,
		Validator:        validator,
		ModelPayload:     blob.Model,
		ValidatorPayload: blob.Validator,
	}, nil
}

// Loaded reports whether Load has completed.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Add registers a product and returns its key. Both payloads are compiled
// before any key is allocated, so malformed payloads consume nothing. If
// persisting fails the product is withdrawn, but its key stays consumed.
func (r *Registry) Add(ctx context.Context, modelPayload, validatorPayload []byte) (int64, error) {
	model, err := r.compiler.Model(modelPayload)
	if err != nil {
		return 0, wrapDecode(err)
	}
	validator, err := r.compiler.Validator(validatorPayload)
	if err != nil {
		return 0, wrapDecode(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return 0, ErrNotLoaded
	}

	key := r.nextKey
	r.nextKey++

	p := &product.Product{
		Key:              key,
		Model:            model,
		Validator:        validator,
		ModelPayload:     modelPayload,
		ValidatorPayload: validatorPayload,
	}
	blob, err := format.EncodeProduct(format.Product{
		Key:       key,
		Model:     modelPayload,
		Validator: validatorPayload,
		Created:   r.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode product %d: %v", product.ErrStorage, key, err)
	}

	r.products[key] = p
	if err := r.store.Put(ctx, key, blob); err != nil {
		delete(r.products, key)
		r.logger.Error("failed to persist product", "key", key, "error", err)
		return 0, fmt.Errorf("%w: persist product %d: %v", product.ErrStorage, key, err)
	}

	r.metrics.ProductAdded()
	r.logger.Info("product added", "key", key, "bytes", len(blob))
	return key, nil
}

func wrapDecode(err error) error {
	if errors.Is(err, product.ErrDecode) {
		return err
	}
	return fmt.Errorf("%w: %v", product.ErrDecode, err)
}

// Remove unregisters a product and then deletes its stored object. A
// failed delete is logged and tolerated: the product is gone from memory
// either way, and the audit reports the leftover object.
func (r *Registry) Remove(ctx context.Context, key int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return ErrNotLoaded
	}
	if _, ok := r.products[key]; !ok {
		return fmt.Errorf("%w: key %d", product.ErrNotFound, key)
	}
	delete(r.products, key)
	r.metrics.ProductRemoved()

	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Error("product removed but stored object remains", "key", key,
			"error", fmt.Errorf("%w: %v", product.ErrStorage, err))
		return nil
	}
	r.logger.Info("product removed", "key", key)
	return nil
}

// Get returns the product registered under key.
func (r *Registry) Get(key int64) (*product.Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[key]
	return p, ok
}

// List returns the registered keys in ascending order.
func (r *Registry) List() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.products))
}

// Len returns the number of registered products.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.products)
}

// NextKey returns the key the next successful Add will receive, absent
// concurrent registrations.
func (r *Registry) NextKey() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextKey
}

package registry

import (
	"context"
	"fmt"
	"time"

	"serveml/internal/metrics"
	"serveml/internal/product"
)

// Infer runs the product's validator on args and, if it passes, the
// model. The validator's verdict gates the model: a rejected call never
// reaches it. A validator that fails to evaluate counts as a rejection.
//
// Neither script runs under the registry lock, so a product may be
// removed while its model is running. Such a call reports ErrNotFound
// rather than returning a result for a product that no longer exists.
func (r *Registry) Infer(ctx context.Context, key int64, args product.Args) (result any, err error) {
	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() { r.metrics.Inference(outcome, time.Since(start)) }()

	r.mu.RLock()
	loaded := r.loaded
	p, ok := r.products[key]
	r.mu.RUnlock()

	if !loaded {
		return nil, ErrNotLoaded
	}
	if !ok {
		outcome = metrics.OutcomeNotFound
		return nil, fmt.Errorf("%w: key %d", product.ErrNotFound, key)
	}
	if args == nil {
		args = product.Args{}
	}

	pass, err := p.Validator.Test(ctx, args)
	if err != nil {
		outcome = metrics.OutcomeRejected
		return nil, fmt.Errorf("%w: product %d validator: %v", product.ErrValidation, key, err)
	}
	if !pass {
		outcome = metrics.OutcomeRejected
		return nil, fmt.Errorf("%w: product %d", product.ErrValidation, key)
	}

	result, err = p.Model.Infer(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: product %d model: %v", product.ErrInference, key, err)
	}

	r.mu.RLock()
	current, still := r.products[key]
	r.mu.RUnlock()
	if !still || current != p {
		outcome = metrics.OutcomeNotFound
		return nil, fmt.Errorf("%w: key %d removed during inference", product.ErrNotFound, key)
	}

	outcome = metrics.OutcomeOK
	return result, nil
}

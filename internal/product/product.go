// Package product defines the unit of registration: a model paired with the
// validator that gates every call to it, identified by an integer key.
//
// Models and validators receive their arguments by name only. Args maps
// argument names to dynamically typed values as decoded from JSON
// (float64, string, bool, nil, []any, map[string]any).
package product

import (
	"context"
	"errors"
)

// Key identifies a product. Valid keys are >= 1.
type Key = int64

// Args holds keyword arguments for a model or validator call.
type Args map[string]any

// Model is an inference routine.
type Model interface {
	Infer(ctx context.Context, args Args) (any, error)
}

// Validator decides whether args may be passed to the paired model.
type Validator interface {
	Test(ctx context.Context, args Args) (bool, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, args Args) (any, error)

func (f ModelFunc) Infer(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, args Args) (bool, error)

func (f ValidatorFunc) Test(ctx context.Context, args Args) (bool, error) { return f(ctx, args) }

// Product is a registered model and validator. It is immutable once
// registered; the payloads are the codec bytes it was decoded from and are
// what gets persisted.
type Product struct {
	Key       Key
	Model     Model
	Validator Validator

	ModelPayload     []byte
	ValidatorPayload []byte
}

// Client faults.
var (
	ErrDecode     = errors.New("malformed product payload")
	ErrNotFound   = errors.New("product not found")
	ErrValidation = errors.New("inference args failed validation")
)

// Server faults.
var (
	ErrStorage   = errors.New("product storage failure")
	ErrRecovery  = errors.New("product recovery failure")
	ErrInference = errors.New("model inference failure")
)

// IsClientFault reports whether err is caused by the caller's request
// rather than by the service.
func IsClientFault(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation)
}

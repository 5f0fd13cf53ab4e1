// Package script compiles product payloads into models and validators.
//
// A payload is a JSON document naming a runtime and carrying source text:
//
//	{"runtime": "lua", "source": "function infer(args) return args.x * args.x end"}
//
// Every runtime is an interpreter embedded in the process with no access to
// the filesystem, the network or the host environment. Nothing in this
// package loads native code.
package script

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"serveml/internal/product"
)

// Runtime names.
const (
	RuntimeLua      = "lua"
	RuntimeHCL      = "hcl"
	RuntimeJSONPath = "jsonpath"
)

// Runtimes lists every runtime this build understands.
func Runtimes() []string {
	return []string{RuntimeLua, RuntimeHCL, RuntimeJSONPath}
}

// Spec is the decoded form of a payload.
type Spec struct {
	Runtime string `json:"runtime"`
	Source  string `json:"source"`
}

// Encode returns the payload bytes for s.
func Encode(s Spec) ([]byte, error) {
	if s.Runtime == "" {
		return nil, fmt.Errorf("%w: runtime is required", product.ErrDecode)
	}
	return json.Marshal(s)
}

// DecodeSpec parses a payload. It does not check that the runtime exists.
func DecodeSpec(payload []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(payload, &s); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", product.ErrDecode, err)
	}
	s.Runtime = strings.ToLower(strings.TrimSpace(s.Runtime))
	if s.Runtime == "" {
		return Spec{}, fmt.Errorf("%w: runtime is required", product.ErrDecode)
	}
	if strings.TrimSpace(s.Source) == "" {
		return Spec{}, fmt.Errorf("%w: source is empty", product.ErrDecode)
	}
	return s, nil
}

// Compiler turns payloads into runnable models and validators, restricted
// to a set of enabled runtimes. A Compiler is safe for concurrent use.
type Compiler struct {
	enabled []string
}

// NewCompiler returns a compiler accepting the given runtimes. With no
// arguments every known runtime is enabled.
func NewCompiler(runtimes ...string) (*Compiler, error) {
	if len(runtimes) == 0 {
		return &Compiler{enabled: Runtimes()}, nil
	}
	known := Runtimes()
	enabled := make([]string, 0, len(runtimes))
	for _, r := range runtimes {
		r = strings.ToLower(strings.TrimSpace(r))
		if !slices.Contains(known, r) {
			return nil, fmt.Errorf("unknown runtime %q (known: %s)", r, strings.Join(known, ", "))
		}
		if !slices.Contains(enabled, r) {
			enabled = append(enabled, r)
		}
	}
	return &Compiler{enabled: enabled}, nil
}

// Enabled returns the runtimes this compiler accepts.
func (c *Compiler) Enabled() []string {
	return slices.Clone(c.enabled)
}

func (c *Compiler) spec(payload []byte) (Spec, error) {
	s, err := DecodeSpec(payload)
	if err != nil {
		return Spec{}, err
	}
	if !slices.Contains(c.enabled, s.Runtime) {
		return Spec{}, fmt.Errorf("%w: runtime %q is not enabled", product.ErrDecode, s.Runtime)
	}
	return s, nil
}

// Model compiles a model payload. Errors wrap product.ErrDecode.
func (c *Compiler) Model(payload []byte) (product.Model, error) {
	s, err := c.spec(payload)
	if err != nil {
		return nil, err
	}
	var m product.Model
	switch s.Runtime {
	case RuntimeLua:
		m, err = newLuaModel(s.Source)
	case RuntimeHCL:
		m, err = newHCLModel(s.Source)
	default:
		return nil, fmt.Errorf("%w: runtime %q cannot host a model", product.ErrDecode, s.Runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s model: %v", product.ErrDecode, s.Runtime, err)
	}
	return m, nil
}

// Validator compiles a validator payload. Errors wrap product.ErrDecode.
func (c *Compiler) Validator(payload []byte) (product.Validator, error) {
	s, err := c.spec(payload)
	if err != nil {
		return nil, err
	}
	var v product.Validator
	switch s.Runtime {
	case RuntimeLua:
		v, err = newLuaValidator(s.Source)
	case RuntimeHCL:
		v, err = newHCLValidator(s.Source)
	case RuntimeJSONPath:
		v, err = newJSONPathValidator(s.Source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s validator: %v", product.ErrDecode, s.Runtime, err)
	}
	return v, nil
}

// recoverError converts a panic in a runtime into an error.
func recoverError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("script panic: %v", r)
	}
}

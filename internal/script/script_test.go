package script

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"sync"
	"testing"

	"serveml/internal/product"
)

const (
	squareLua = `
local function square(v)
  if type(v) == "table" then
    local out = {}
    for i, e in ipairs(v) do out[i] = square(e) end
    return out
  end
  return v * v
end

function infer(args)
  return square(args.x)
end
`
	requireXLua = `function test(args) return args.x ~= nil end`
)

func mustEncode(t *testing.T, runtime, source string) []byte {
	t.Helper()
	b, err := Encode(Spec{Runtime: runtime, Source: source})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func mustCompiler(t *testing.T, runtimes ...string) *Compiler {
	t.Helper()
	c, err := NewCompiler(runtimes...)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return c
}

func TestDecodeSpec(t *testing.T) {
	s, err := DecodeSpec([]byte(`{"runtime":" LUA ","source":"function infer() end"}`))
	if err != nil {
		t.Fatalf("DecodeSpec: %v", err)
	}
	if s.Runtime != RuntimeLua {
		t.Errorf("runtime = %q, want %q", s.Runtime, RuntimeLua)
	}

	for _, payload := range []string{
		``,
		`not json`,
		`{"source":"x"}`,
		`{"runtime":"lua","source":"   "}`,
		`[1,2]`,
	} {
		if _, err := DecodeSpec([]byte(payload)); !errors.Is(err, product.ErrDecode) {
			t.Errorf("DecodeSpec(%q): expected ErrDecode, got %v", payload, err)
		}
	}
}

func TestNewCompilerRejectsUnknownRuntime(t *testing.T) {
	if _, err := NewCompiler("lua", "python"); err == nil {
		t.Fatal("expected error for unknown runtime")
	}
	c := mustCompiler(t, "lua", "LUA")
	if got := c.Enabled(); !reflect.DeepEqual(got, []string{"lua"}) {
		t.Errorf("Enabled = %v", got)
	}
}

func TestCompilerDisabledRuntime(t *testing.T) {
	c := mustCompiler(t, RuntimeLua)
	_, err := c.Model(mustEncode(t, RuntimeHCL, "x * x"))
	if !errors.Is(err, product.ErrDecode) {
		t.Fatalf("expected ErrDecode for disabled runtime, got %v", err)
	}
}

func TestJSONPathCannotHostModel(t *testing.T) {
	c := mustCompiler(t)
	if _, err := c.Model(mustEncode(t, RuntimeJSONPath, "$.x")); !errors.Is(err, product.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestLuaSquareModel(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, squareLua))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}

	tests := []struct {
		name string
		x    any
		want any
	}{
		{"scalar", 12.0, 144},
		{"fraction", 1.5, 2.25},
		{"list", []any{1.0, 2.0, 3.0}, []any{1, 4, 9}},
		{"nested", []any{[]any{2.0}, []any{3.0, 4.0}}, []any{[]any{4}, []any{9, 16}}},
		{"empty", []any{}, []any{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.Infer(context.Background(), product.Args{"x": tc.x})
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Infer = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestLuaModelReturnsTable(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, `function infer(a) return {name = a.name, ok = true, n = 0.5} end`))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	got, err := m.Infer(context.Background(), product.Args{"name": "widget"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	want := map[string]any{"name": "widget", "ok": true, "n": 0.5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Infer = %#v, want %#v", got, want)
	}
}

func TestLuaTableKeys(t *testing.T) {
	c := mustCompiler(t)
	tests := []struct {
		name    string
		table   string
		want    any
		wantErr bool
	}{
		{"sequence", `{'a', 'b'}`, []any{"a", "b"}, false},
		{"explicit indices", `{[1] = 'a', [2] = 'b'}`, []any{"a", "b"}, false},
		{"float index", `{[1] = 'a', [2.5] = 'b'}`, nil, true},
		{"float index only", `{[1.5] = 'a'}`, nil, true},
		{"zero index", `{[0] = 'a', [1] = 'b'}`, nil, true},
		{"gap", `{[1] = 'a', [3] = 'c'}`, nil, true},
		{"mixed", `{'a', name = 'b'}`, nil, true},
		{"strings", `{name = 'a'}`, map[string]any{"name": "a"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := c.Model(mustEncode(t, RuntimeLua, "function infer(args) return "+tc.table+" end"))
			if err != nil {
				t.Fatalf("Model: %v", err)
			}
			got, err := m.Infer(context.Background(), product.Args{})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Infer = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestLuaGlobalsDoNotPersist(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, `function infer(args) n = (n or 0) + 1 return n end`))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	v, err := c.Validator(mustEncode(t, RuntimeLua, `seen = false
function test(args) local first = not seen seen = true return first end`))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}

	for i := range 4 {
		if i == 3 {
			runtime.GC()
		}
		got, err := m.Infer(context.Background(), product.Args{})
		if err != nil {
			t.Fatalf("Infer %d: %v", i, err)
		}
		if got != 1 {
			t.Errorf("Infer %d = %v, want 1", i, got)
		}
		ok, err := v.Test(context.Background(), product.Args{})
		if err != nil || !ok {
			t.Errorf("Test %d = %v, %v, want true", i, ok, err)
		}
	}
}

func TestLuaRuntimeError(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, squareLua))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, err := m.Infer(context.Background(), product.Args{"x": "twelve"}); err == nil {
		t.Fatal("expected error squaring a string")
	}
	// A failed call does not affect the next one.
	got, err := m.Infer(context.Background(), product.Args{"x": 3.0})
	if err != nil {
		t.Fatalf("Infer after error: %v", err)
	}
	if got != 9 {
		t.Errorf("Infer = %v, want 9", got)
	}
}

func TestLuaCompileErrors(t *testing.T) {
	c := mustCompiler(t)
	tests := []struct {
		name   string
		source string
	}{
		{"syntax", "function infer(args"},
		{"missing entry", "function predict(args) return 1 end"},
		{"chunk error", "error('boom')"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Model(mustEncode(t, RuntimeLua, tc.source)); !errors.Is(err, product.ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestLuaSandbox(t *testing.T) {
	c := mustCompiler(t)
	for _, name := range luaDenied {
		t.Run(name, func(t *testing.T) {
			src := "function infer(args) return " + name + " == nil end"
			m, err := c.Model(mustEncode(t, RuntimeLua, src))
			if err != nil {
				t.Fatalf("Model: %v", err)
			}
			got, err := m.Infer(context.Background(), product.Args{})
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			if got != true {
				t.Errorf("%s is reachable from scripts", name)
			}
		})
	}
	for _, lib := range []string{"io", "os", "debug", "package"} {
		src := "function infer(args) return " + lib + " == nil end"
		m, err := c.Model(mustEncode(t, RuntimeLua, src))
		if err != nil {
			t.Fatalf("Model: %v", err)
		}
		if got, _ := m.Infer(context.Background(), product.Args{}); got != true {
			t.Errorf("library %s is reachable from scripts", lib)
		}
	}
}

func TestLuaValidator(t *testing.T) {
	c := mustCompiler(t)
	v, err := c.Validator(mustEncode(t, RuntimeLua, requireXLua))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}
	ok, err := v.Test(context.Background(), product.Args{"x": 12.0})
	if err != nil || !ok {
		t.Errorf("Test(x=12) = %v, %v", ok, err)
	}
	ok, err = v.Test(context.Background(), product.Args{})
	if err != nil || ok {
		t.Errorf("Test({}) = %v, %v", ok, err)
	}

	nonBool, err := c.Validator(mustEncode(t, RuntimeLua, `function test(args) return 1 end`))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}
	if _, err := nonBool.Test(context.Background(), product.Args{}); err == nil {
		t.Error("expected error for non-boolean result")
	}
}

func TestLuaConcurrentCalls(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, squareLua))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 64 {
		wg.Go(func() {
			got, err := m.Infer(context.Background(), product.Args{"x": float64(i)})
			if err != nil {
				errs <- err
				return
			}
			if got != i*i {
				errs <- errors.New("wrong result")
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCanceledContext(t *testing.T) {
	c := mustCompiler(t)
	m, err := c.Model(mustEncode(t, RuntimeLua, squareLua))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Infer(ctx, product.Args{"x": 2.0}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHCLModel(t *testing.T) {
	c := mustCompiler(t)
	tests := []struct {
		name   string
		source string
		args   product.Args
		want   any
	}{
		{"square", "x * x", product.Args{"x": 12.0}, 144},
		{"args object", "args.x + args.y", product.Args{"x": 1.0, "y": 2.5}, 3.5},
		{"list", "[for v in x : v * v]", product.Args{"x": []any{1.0, 2.0}}, []any{1, 4}},
		{"function", "max(a, b)", product.Args{"a": 3.0, "b": 7.0}, 7},
		{"object", `{ label = upper(name) }`, product.Args{"name": "ok"}, map[string]any{"label": "OK"}},
		{"try", `try(args.missing, "default")`, product.Args{}, "default"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := c.Model(mustEncode(t, RuntimeHCL, tc.source))
			if err != nil {
				t.Fatalf("Model: %v", err)
			}
			got, err := m.Infer(context.Background(), tc.args)
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Infer = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestHCLErrors(t *testing.T) {
	c := mustCompiler(t)
	if _, err := c.Model(mustEncode(t, RuntimeHCL, "x *")); !errors.Is(err, product.ErrDecode) {
		t.Errorf("expected ErrDecode for parse error, got %v", err)
	}

	m, err := c.Model(mustEncode(t, RuntimeHCL, "x * x"))
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, err := m.Infer(context.Background(), product.Args{}); err == nil {
		t.Error("expected error for unknown variable")
	}
}

func TestHCLValidator(t *testing.T) {
	c := mustCompiler(t)
	v, err := c.Validator(mustEncode(t, RuntimeHCL, `can(args.x)`))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}
	if ok, err := v.Test(context.Background(), product.Args{"x": 1.0}); err != nil || !ok {
		t.Errorf("Test(x=1) = %v, %v", ok, err)
	}
	if ok, err := v.Test(context.Background(), product.Args{}); err != nil || ok {
		t.Errorf("Test({}) = %v, %v", ok, err)
	}

	notBool, err := c.Validator(mustEncode(t, RuntimeHCL, `"yes"`))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}
	if _, err := notBool.Test(context.Background(), product.Args{}); err == nil {
		t.Error("expected error for string result")
	}
}

func TestJSONPathValidator(t *testing.T) {
	c := mustCompiler(t)
	v, err := c.Validator(mustEncode(t, RuntimeJSONPath, "# x must be present\n$.x\n\n$.y[?@ > 0]\n"))
	if err != nil {
		t.Fatalf("Validator: %v", err)
	}
	tests := []struct {
		name string
		args product.Args
		want bool
	}{
		{"both", product.Args{"x": 1.0, "y": []any{-1.0, 2.0}}, true},
		{"missing x", product.Args{"y": []any{2.0}}, false},
		{"no positive y", product.Args{"x": 1.0, "y": []any{-1.0}}, false},
		{"empty", product.Args{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Test(context.Background(), tc.args)
			if err != nil {
				t.Fatalf("Test: %v", err)
			}
			if got != tc.want {
				t.Errorf("Test = %v, want %v", got, tc.want)
			}
		})
	}

	for _, src := range []string{"", "# only a comment", "$[", "x"} {
		if _, err := c.Validator(mustEncode(t, RuntimeJSONPath, src)); !errors.Is(err, product.ErrDecode) {
			t.Errorf("Validator(%q): expected ErrDecode, got %v", src, err)
		}
	}
}

package script

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Shopify/go-lua"

	"serveml/internal/product"
)

const (
	luaModelEntry     = "infer"
	luaValidatorEntry = "test"

	// maxLuaDepth bounds nested table conversion in both directions.
	maxLuaDepth = 64
)

// Globals removed from the base library. What remains cannot reach the
// host: no file or module loading, no chunk compilation, no output.
var luaDenied = []string{"dofile", "loadfile", "load", "loadstring", "require", "print", "collectgarbage"}

// luaProgram is a checked chunk. Every call runs in a state of its own
// built from the source, so globals a script writes never outlive the call.
type luaProgram struct {
	source string
	entry  string
}

func newLuaProgram(source, entry string) (*luaProgram, error) {
	p := &luaProgram{source: source, entry: entry}
	if _, err := p.newState(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *luaProgram) newState() (l *lua.State, err error) {
	defer recoverError(&err)

	l = lua.NewState()
	lua.Require(l, "_G", lua.BaseOpen, true)
	lua.Require(l, "string", lua.StringOpen, true)
	lua.Require(l, "table", lua.TableOpen, true)
	lua.Require(l, "math", lua.MathOpen, true)
	l.SetTop(0)
	for _, name := range luaDenied {
		l.PushNil()
		l.SetGlobal(name)
	}

	if err := lua.LoadString(l, p.source); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}
	l.Global(p.entry)
	defined := l.IsFunction(-1)
	l.Pop(1)
	if !defined {
		return nil, fmt.Errorf("lua source must define a global function %q", p.entry)
	}
	return l, nil
}

// call runs the entry function with args and returns its single result.
func (p *luaProgram) call(ctx context.Context, args product.Args, convert func(*lua.State) (any, error)) (out any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := p.newState()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()

	l.Global(p.entry)
	if err := pushLua(l, map[string]any(args), 0); err != nil {
		return nil, err
	}
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return nil, err
	}
	return convert(l)
}

type luaModel struct{ prog *luaProgram }

func newLuaModel(source string) (*luaModel, error) {
	prog, err := newLuaProgram(source, luaModelEntry)
	if err != nil {
		return nil, err
	}
	return &luaModel{prog: prog}, nil
}

func (m *luaModel) Infer(ctx context.Context, args product.Args) (any, error) {
	return m.prog.call(ctx, args, func(l *lua.State) (any, error) {
		return luaToGo(l, -1, 0)
	})
}

type luaValidator struct{ prog *luaProgram }

func newLuaValidator(source string) (*luaValidator, error) {
	prog, err := newLuaProgram(source, luaValidatorEntry)
	if err != nil {
		return nil, err
	}
	return &luaValidator{prog: prog}, nil
}

var errLuaNotBool = errors.New("lua test must return a boolean")

func (v *luaValidator) Test(ctx context.Context, args product.Args) (bool, error) {
	out, err := v.prog.call(ctx, args, func(l *lua.State) (any, error) {
		if l.TypeOf(-1) != lua.TypeBoolean {
			return nil, errLuaNotBool
		}
		return l.ToBoolean(-1), nil
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

// pushLua pushes a JSON-shaped Go value onto the stack.
func pushLua(l *lua.State, v any, depth int) error {
	if depth > maxLuaDepth {
		return errors.New("argument nesting too deep")
	}
	switch v := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case string:
		l.PushString(v)
	case float64:
		l.PushNumber(v)
	case float32:
		l.PushNumber(float64(v))
	case int:
		l.PushInteger(v)
	case int64:
		l.PushNumber(float64(v))
	case []any:
		l.CreateTable(len(v), 0)
		for i, e := range v {
			if err := pushLua(l, e, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(v))
		// Sorted so that table construction does not depend on map order.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := pushLua(l, v[k], depth+1); err != nil {
				return err
			}
			l.SetField(-2, k)
		}
	case product.Args:
		return pushLua(l, map[string]any(v), depth)
	default:
		return fmt.Errorf("unsupported argument type %T", v)
	}
	return nil
}

func luaToGo(l *lua.State, index, depth int) (any, error) {
	if depth > maxLuaDepth {
		return nil, errors.New("result nesting too deep")
	}
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n), nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeTable:
		return luaTableToGo(l, index, depth)
	default:
		return nil, fmt.Errorf("cannot return lua %s", lua.TypeNameOf(l, index))
	}
}

// luaTableToGo returns a []any for sequences 1..n and a map[string]any
// for tables with string keys. An empty table is an empty list.
func luaTableToGo(l *lua.State, index, depth int) (any, error) {
	index = l.AbsIndex(index)

	isArray := true
	var maxIndex float64
	count := 0
	l.PushNil()
	for l.Next(index) {
		count++
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if n, _ := l.ToNumber(-2); n >= 1 && n == math.Trunc(n) {
				maxIndex = max(maxIndex, n)
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && maxIndex == float64(count) {
		out := make([]any, 0, count)
		for i := 1; i <= count; i++ {
			l.RawGetInt(index, i)
			v, err := luaToGo(l, -1, depth+1)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) != lua.TypeString {
			l.Pop(2)
			return nil, errors.New("lua table keys must be all strings or a 1..n sequence")
		}
		k, _ := l.ToString(-2)
		v, err := luaToGo(l, -1, depth+1)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		out[k] = v
		l.Pop(1)
	}
	return out, nil
}

// normalizeNumber returns integral values as int so results encode
// without a fractional part.
func normalizeNumber(v float64) any {
	if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
		return int(v)
	}
	return v
}

package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"serveml/internal/product"
)

// hclArgsVar holds the whole argument object. Every argument whose name is
// a valid identifier is also exposed as a variable of its own.
const hclArgsVar = "args"

var hclFunctions = map[string]function.Function{
	"abs":      stdlib.AbsoluteFunc,
	"ceil":     stdlib.CeilFunc,
	"floor":    stdlib.FloorFunc,
	"max":      stdlib.MaxFunc,
	"min":      stdlib.MinFunc,
	"pow":      stdlib.PowFunc,
	"length":   stdlib.LengthFunc,
	"keys":     stdlib.KeysFunc,
	"contains": stdlib.ContainsFunc,
	"lookup":   stdlib.LookupFunc,
	"upper":    stdlib.UpperFunc,
	"lower":    stdlib.LowerFunc,
	"concat":   stdlib.ConcatFunc,
	"range":    stdlib.RangeFunc,
	"can":      tryfunc.CanFunc,
	"try":      tryfunc.TryFunc,
}

type hclExpr struct {
	expr hclsyntax.Expression
}

func parseHCL(source string) (*hclExpr, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(source), "payload.hcl", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	return &hclExpr{expr: expr}, nil
}

func (e *hclExpr) eval(ctx context.Context, args product.Args) (v cty.Value, err error) {
	defer recoverError(&err)
	if err := ctx.Err(); err != nil {
		return cty.NilVal, err
	}
	evalCtx, err := hclContext(args)
	if err != nil {
		return cty.NilVal, err
	}
	v, diags := e.expr.Value(evalCtx)
	if diags.HasErrors() {
		return cty.NilVal, errors.New(diags.Error())
	}
	return v, nil
}

func hclContext(args product.Args) (*hcl.EvalContext, error) {
	obj, err := argsToCty(args)
	if err != nil {
		return nil, err
	}
	vars := map[string]cty.Value{hclArgsVar: obj}
	for name, val := range obj.AsValueMap() {
		if name == hclArgsVar || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = val
	}
	return &hcl.EvalContext{Variables: vars, Functions: hclFunctions}, nil
}

// argsToCty converts args through their JSON form, which yields an object
// type with one attribute per argument.
func argsToCty(args product.Args) (cty.Value, error) {
	if args == nil {
		args = product.Args{}
	}
	buf, err := json.Marshal(map[string]any(args))
	if err != nil {
		return cty.NilVal, fmt.Errorf("encode arguments: %w", err)
	}
	ty, err := ctyjson.ImpliedType(buf)
	if err != nil {
		return cty.NilVal, fmt.Errorf("infer argument types: %w", err)
	}
	v, err := ctyjson.Unmarshal(buf, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("convert arguments: %w", err)
	}
	return v, nil
}

// ctyToNative converts a cty value to JSON-shaped Go values.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, errors.New("result is not known")
	}
	v, _ = v.Unmark()

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		if math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %s out of range", v.AsBigFloat().String())
		}
		return normalizeNumber(f), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, e := it.Element()
			n, err := ctyToNative(e)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, e := it.Element()
			n, err := ctyToNative(e)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
	}
}

type hclModel struct{ e *hclExpr }

func newHCLModel(source string) (*hclModel, error) {
	e, err := parseHCL(source)
	if err != nil {
		return nil, err
	}
	return &hclModel{e: e}, nil
}

func (m *hclModel) Infer(ctx context.Context, args product.Args) (any, error) {
	v, err := m.e.eval(ctx, args)
	if err != nil {
		return nil, err
	}
	return ctyToNative(v)
}

type hclValidator struct{ e *hclExpr }

func newHCLValidator(source string) (*hclValidator, error) {
	e, err := parseHCL(source)
	if err != nil {
		return nil, err
	}
	return &hclValidator{e: e}, nil
}

func (h *hclValidator) Test(ctx context.Context, args product.Args) (bool, error) {
	v, err := h.e.eval(ctx, args)
	if err != nil {
		return false, err
	}
	v, _ = v.Unmark()
	if v.IsNull() || !v.IsKnown() || v.Type() != cty.Bool {
		return false, fmt.Errorf("hcl validator must evaluate to bool, got %s", v.Type().FriendlyName())
	}
	return v.True(), nil
}

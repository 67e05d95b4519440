// Package expr compiles and evaluates the "!py <expr>" values that can
// appear anywhere in the agent's YAML configuration, and walks nested
// configuration trees replacing every compiled expression with its
// evaluated value against a name→value Scope.
package expr

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tomvit/yamc-go/internal/errs"
)

// Scope is the name→value environment an Expression is evaluated
// against: the merged view of every provider/collector/writer's public
// query surface, the registered custom function table, and an optional
// call-local overlay such as {data: <point>} or {event: <Event>}.
type Scope map[string]any

// Merge returns a new Scope containing s's entries overlaid with
// overlays, applied left to right so a later overlay's keys win.
func (s Scope) Merge(overlays ...Scope) Scope {
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = v
	}
	for _, o := range overlays {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// Expression is a compiled "!py" value. It is compiled once when
// configuration is read and evaluated many times thereafter.
type Expression struct {
	source  string
	program *vm.Program
}

// Compile parses and compiles source (the text following "!py ") into
// a reusable Expression.
func Compile(source string) (*Expression, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errs.NewExpression(source, err)
	}
	return &Expression{source: source, program: program}, nil
}

// Eval runs the compiled expression against scope.
func (e *Expression) Eval(scope Scope) (any, error) {
	out, err := expr.Run(e.program, map[string]any(scope))
	if err != nil {
		return nil, errs.NewExpression(e.source, err)
	}
	return out, nil
}

// Source returns the raw text the Expression was compiled from.
func (e *Expression) Source() string { return e.source }

// String renders the expression the way it appeared in configuration.
func (e *Expression) String() string { return "!py " + e.source }

// DeepEval walks node — a map[string]any, []any, *Expression, or plain
// scalar as produced by the config package's YAML decoder — replacing
// every *Expression leaf with its evaluated value. Map and slice
// structure is otherwise preserved.
//
// When raise is true, an evaluation error aborts and is returned to the
// caller. When false, the error is logged via logFn and the leaf
// evaluates to nil — the right behavior for best-effort fields like a
// writer-config overlay, where one bad field must not drop the point.
func DeepEval(node any, scope Scope, raise bool, logFn func(err error)) (any, error) {
	switch v := node.(type) {
	case *Expression:
		val, err := v.Eval(scope)
		if err != nil {
			if raise {
				return nil, err
			}
			if logFn != nil {
				logFn(err)
			}
			return nil, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			cv, err := DeepEval(child, scope, raise, logFn)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			cv, err := DeepEval(child, scope, raise, logFn)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

// FuncTable is a named set of Go values (typically functions) merged
// into every Scope. Tables are registered in code at runtime
// construction rather than loaded from the custom-functions: config
// paths, since Go cannot load code from a file path at runtime.
type FuncTable map[string]any

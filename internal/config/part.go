package config

import (
	"fmt"

	"github.com/tomvit/yamc-go/internal/errs"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
)

// Part wraps a component's raw Values map and evaluates individual
// fields against a Scope on demand, so a field may hold either a plain
// scalar or a compiled expression.
type Part struct {
	ID     string
	Values map[string]any
	Scope  yamcexpr.Scope
}

func (p Part) resolve(path string) (any, bool, error) {
	raw, ok := p.Values[path]
	if !ok {
		return nil, false, nil
	}
	if e, ok := raw.(*yamcexpr.Expression); ok {
		v, err := e.Eval(p.Scope)
		if err != nil {
			return nil, true, err
		}
		return v, true, nil
	}
	return raw, true, nil
}

// Value returns the evaluated field at path, or def if the field is
// absent. If required is true and the field is absent, an error is
// returned.
func (p Part) Value(path string, def any, required bool) (any, error) {
	v, ok, err := p.resolve(path)
	if err != nil {
		return nil, errs.NewConfig(p.ID+"."+path, err)
	}
	if !ok {
		if required {
			return nil, errs.NewConfig(p.ID+"."+path, fmt.Errorf("required field is missing"))
		}
		return def, nil
	}
	return v, nil
}

// String returns the field as a string, or def when absent.
func (p Part) String(path, def string) (string, error) {
	v, err := p.Value(path, def, false)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.NewConfig(p.ID+"."+path, fmt.Errorf("expected a string, got %T", v))
	}
	return s, nil
}

// RequiredString returns the field as a string, erroring if absent.
func (p Part) RequiredString(path string) (string, error) {
	v, err := p.Value(path, nil, true)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.NewConfig(p.ID+"."+path, fmt.Errorf("expected a string, got %T", v))
	}
	return s, nil
}

// Int returns the field as an int bounded to [min, max], or def when
// absent. min == max == 0 disables bounds checking.
func (p Part) Int(path string, def, min, max int) (int, error) {
	v, err := p.Value(path, def, false)
	if err != nil {
		return 0, err
	}
	n, err := toInt(v)
	if err != nil {
		return 0, errs.NewConfig(p.ID+"."+path, err)
	}
	if min != 0 || max != 0 {
		if n < min || n > max {
			return 0, errs.NewConfig(p.ID+"."+path, fmt.Errorf("value %d out of range [%d, %d]", n, min, max))
		}
	}
	return n, nil
}

// Bool returns the field as a bool, or def when absent.
func (p Part) Bool(path string, def bool) (bool, error) {
	v, err := p.Value(path, def, false)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.NewConfig(p.ID+"."+path, fmt.Errorf("expected a bool, got %T", v))
	}
	return b, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

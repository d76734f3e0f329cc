// Package condition evaluates the small boolean expressions used by
// while/repeat-until loop conditions, break/continue predicates, and
// notification conditions, via an embedded Starlark interpreter.
package condition

import (
	"fmt"

	"go.starlark.net/starlark"
)

// Evaluate runs expr as a Starlark expression against vars (exposed as
// top-level names) and returns its truthiness. A blank expr evaluates
// to true (the "no condition" case).
func Evaluate(expr string, vars map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	env := make(starlark.StringDict, len(vars))
	for k, v := range vars {
		sv, err := toStarlark(v)
		if err != nil {
			return false, fmt.Errorf("condition variable %q: %w", k, err)
		}
		env[k] = sv
	}

	thread := &starlark.Thread{Name: "condition"}
	val, err := starlark.Eval(thread, "<condition>", expr, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expr, err)
	}
	return bool(val.Truth()), nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case []any:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(t))
		for k, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return starlark.String(fmt.Sprint(v)), nil
	}
}

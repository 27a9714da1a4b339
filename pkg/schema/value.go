package schema

import (
	"fmt"
	"math"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
)

// Equal compares two member values. Numbers compare by value regardless of
// their Go type, so an int64 written locally equals the float64 a JSON
// decoder produced for the same number.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, ok := number(v)
	if !ok {
		return 0, fmt.Errorf("%w: %T is not a number", constants.ErrInvalidValue, v)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v is not an integer", constants.ErrInvalidValue, v)
	}
	return int64(f), nil
}

func toList(v any) ([]any, error) {
	if l, ok := v.([]any); ok {
		return l, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %T is not a list", constants.ErrInvalidValue, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: %T is not an object", constants.ErrInvalidValue, v)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}

// DiffValues computes an untyped diff between two values the way nested
// object members are diffed: strings as text deltas, lists positionally,
// maps recursively, anything else replaced.
func DiffValues(a, b any) (Diff, bool) {
	if Equal(a, b) {
		return Diff{}, false
	}
	switch ta := a.(type) {
	case string:
		if tb, ok := b.(string); ok {
			return textDiff(ta, tb), true
		}
	case []any:
		if tb, ok := b.([]any); ok {
			return listDiff(ta, tb), true
		}
	case map[string]any:
		if tb, ok := b.(map[string]any); ok {
			return Nested(DiffObjects(ta, tb)), true
		}
	}
	return Replace(models.CloneValue(b)), true
}

// DiffObjects diffs two untyped dictionaries key by key.
func DiffObjects(a, b map[string]any) ObjectDiff {
	out := make(ObjectDiff)
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = Remove()
		}
	}
	for k, vb := range b {
		va, ok := a[k]
		if !ok {
			out[k] = Add(models.CloneValue(vb))
			continue
		}
		if d, changed := DiffValues(va, vb); changed {
			out[k] = d
		}
	}
	return out
}

// ApplyValue applies d to v and returns the new value. v is not mutated.
// OpRemove is handled by the enclosing object and is rejected here.
func ApplyValue(v any, d Diff) (any, error) {
	switch d.Op {
	case OpAdd, OpReplace:
		return models.CloneValue(d.Value), nil
	case OpDelta:
		s, ok := v.(string)
		if !ok && v != nil {
			return nil, fmt.Errorf("%w: delta on %T", constants.ErrInvalidDiff, v)
		}
		return applyDelta(s, d.Delta)
	case OpList:
		var l []any
		if v != nil {
			var err error
			if l, err = toList(v); err != nil {
				return nil, fmt.Errorf("%w: list ops on %T", constants.ErrInvalidDiff, v)
			}
		}
		return applyList(l, d.List)
	case OpObject:
		var m map[string]any
		if v != nil {
			var err error
			if m, err = toMap(v); err != nil {
				return nil, fmt.Errorf("%w: object diff on %T", constants.ErrInvalidDiff, v)
			}
		}
		out := models.CloneData(m)
		if out == nil {
			out = make(map[string]any)
		}
		if err := ApplyObject(out, d.Object); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: op %q", constants.ErrInvalidDiff, d.Op)
}

// ApplyObject applies an untyped object diff to m in place.
func ApplyObject(m map[string]any, diff ObjectDiff) error {
	for k, d := range diff {
		if d.Op == OpRemove {
			delete(m, k)
			continue
		}
		nv, err := ApplyValue(m[k], d)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		m[k] = nv
	}
	return nil
}

// TransformValue rebases the local diff so it can be applied after remote,
// when both were computed against base. The bool is false when the local
// diff no longer has any effect.
//
// Local replacements and removals are kept as they are: the remote change
// commits first and the local one is re-applied on top of it.
func TransformValue(local, remote Diff, base any) (Diff, bool, error) {
	if remote.Op == OpRemove {
		if local.Op == OpRemove {
			return Diff{}, false, nil
		}
		v, err := ApplyValue(base, local)
		if err != nil {
			return Diff{}, false, err
		}
		return Add(v), true, nil
	}

	switch local.Op {
	case OpAdd, OpReplace, OpRemove:
		return local, true, nil
	}

	if local.Op == OpDelta {
		s, _ := base.(string)
		return transformText(local, remote, s)
	}

	if local.Op == remote.Op {
		switch local.Op {
		case OpList:
			ops := transformList(local.List, remote.List)
			if len(ops) == 0 {
				// Every local op was absorbed by the remote ones.
				return Diff{}, false, nil
			}
			return Ops(ops...), true, nil
		case OpObject:
			m, _ := base.(map[string]any)
			out, err := TransformObjects(local.Object, remote.Object, m)
			if err != nil {
				return Diff{}, false, err
			}
			if len(out) == 0 {
				return Diff{}, false, nil
			}
			return Nested(out), true, nil
		}
	}

	// Incompatible shapes: fall back to the full local value.
	v, err := ApplyValue(base, local)
	if err != nil {
		return Diff{}, false, err
	}
	return Replace(v), true, nil
}

// TransformObjects rebases every member of local against remote.
func TransformObjects(local, remote ObjectDiff, base map[string]any) (ObjectDiff, error) {
	out := make(ObjectDiff, len(local))
	for k, ld := range local {
		rd, ok := remote[k]
		if !ok {
			out[k] = ld
			continue
		}
		td, keep, err := TransformValue(ld, rd, base[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if keep {
			out[k] = td
		}
	}
	return out, nil
}

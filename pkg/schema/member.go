package schema

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
)

// Member declares one field of a bucket's objects.
type Member struct {
	Name    string
	Type    Type
	Default any

	// References names the target bucket when a String member holds the
	// key of an object in another bucket.
	References string
}

// Zero returns the member default, or the zero value of its type.
func (m Member) Zero() any {
	if m.Default != nil {
		return models.CloneValue(m.Default)
	}
	switch m.Type {
	case Integer:
		return int64(0)
	case Double:
		return float64(0)
	case Boolean:
		return false
	case String, Text:
		return ""
	case List:
		return []any{}
	case Object:
		return map[string]any{}
	}
	return nil
}

// Normalize coerces a decoded value into the member's canonical Go type.
// nil passes through.
func (m Member) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch m.Type {
	case Integer:
		out, err = toInt64(v)
	case Double:
		f, ok := number(v)
		if !ok {
			err = fmt.Errorf("%w: %T is not a number", constants.ErrInvalidValue, v)
		}
		out = f
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			err = fmt.Errorf("%w: %T is not a boolean", constants.ErrInvalidValue, v)
		}
		out = b
	case String, Text:
		s, ok := v.(string)
		if !ok {
			err = fmt.Errorf("%w: %T is not a string", constants.ErrInvalidValue, v)
		}
		out = s
	case List:
		out, err = toList(v)
	case Object:
		out, err = toMap(v)
	default:
		err = fmt.Errorf("%w: member type %s", constants.ErrInvalidValue, m.Type)
	}
	if err != nil {
		return nil, &Error{Member: m.Name, Err: err}
	}
	return out, nil
}

// Diff returns the diff turning from into to, and false when they are equal.
func (m Member) Diff(from, to any) (Diff, bool) {
	if Equal(from, to) {
		return Diff{}, false
	}
	if from == nil {
		return Add(models.CloneValue(to)), true
	}
	if to == nil {
		return Remove(), true
	}
	switch m.Type {
	case Text:
		a, okA := from.(string)
		b, okB := to.(string)
		if okA && okB {
			return textDiff(a, b), true
		}
	case List:
		a, errA := toList(from)
		b, errB := toList(to)
		if errA == nil && errB == nil {
			return listDiff(a, b), true
		}
	case Object:
		a, errA := toMap(from)
		b, errB := toMap(to)
		if errA == nil && errB == nil {
			return Nested(DiffObjects(a, b)), true
		}
	}
	return Replace(models.CloneValue(to)), true
}

// Apply applies d to the current value and returns the normalized result.
func (m Member) Apply(v any, d Diff) (any, error) {
	if d.Op == OpRemove {
		return nil, nil
	}
	nv, err := ApplyValue(v, d)
	if err != nil {
		return nil, &Error{Member: m.Name, Err: err}
	}
	return m.Normalize(nv)
}

// Transform rebases a pending local diff against a remote diff that was
// computed from the same base value.
func (m Member) Transform(local, remote Diff, base any) (Diff, bool, error) {
	d, keep, err := TransformValue(local, remote, base)
	if err != nil {
		return Diff{}, false, &Error{Member: m.Name, Err: err}
	}
	return d, keep, nil
}

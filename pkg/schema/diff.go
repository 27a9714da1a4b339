package schema

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/simperium/simperium.go/pkg/constants"
)

// Op discriminates the Diff union.
type Op string

const (
	OpAdd     Op = "+"
	OpRemove  Op = "-"
	OpReplace Op = "r"
	OpDelta   Op = "d"
	OpList    Op = "L"
	OpObject  Op = "O"
)

// Diff describes the change of a single member.
//
// Value is set for OpAdd and OpReplace, Delta for OpDelta, List for OpList
// and Object for OpObject. OpRemove carries nothing.
type Diff struct {
	Op     Op
	Value  any
	Delta  string
	List   []ListOp
	Object ObjectDiff
}

// ListOp is one positional list operation. Ops in a list diff are applied in
// order and each index refers to the list as left by the previous op.
type ListOp struct {
	Op    Op
	Index int
	Value any
}

// ObjectDiff maps member names to their diffs.
type ObjectDiff map[string]Diff

func Add(v any) Diff         { return Diff{Op: OpAdd, Value: v} }
func Remove() Diff           { return Diff{Op: OpRemove} }
func Replace(v any) Diff     { return Diff{Op: OpReplace, Value: v} }
func Delta(d string) Diff    { return Diff{Op: OpDelta, Delta: d} }
func Ops(ops ...ListOp) Diff { return Diff{Op: OpList, List: ops} }
func Nested(d ObjectDiff) Diff {
	return Diff{Op: OpObject, Object: d}
}

// Members returns the member names the diff touches.
func (d ObjectDiff) Members() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	return out
}

// Merge overlays other onto d member-wise, last value per member wins.
func (d ObjectDiff) Merge(other ObjectDiff) ObjectDiff {
	out := make(ObjectDiff, len(d)+len(other))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

type wireDiff struct {
	O Op              `json:"o"`
	V json.RawMessage `json:"v,omitempty"`
}

type wireListOp struct {
	O Op              `json:"o"`
	I int             `json:"i"`
	V json.RawMessage `json:"v,omitempty"`
}

func (d Diff) MarshalJSON() ([]byte, error) {
	w := wireDiff{O: d.Op}
	var (
		v   any
		err error
	)
	switch d.Op {
	case OpAdd, OpReplace:
		v = d.Value
	case OpRemove:
		return json.Marshal(w)
	case OpDelta:
		v = d.Delta
	case OpList:
		v = d.List
		if d.List == nil {
			v = []ListOp{}
		}
	case OpObject:
		v = d.Object
		if d.Object == nil {
			v = ObjectDiff{}
		}
	default:
		return nil, fmt.Errorf("%w: op %q", constants.ErrInvalidDiff, d.Op)
	}
	if w.V, err = json.Marshal(v); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (d *Diff) UnmarshalJSON(data []byte) error {
	var w wireDiff
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Diff{Op: w.O}
	switch w.O {
	case OpAdd, OpReplace:
		return decodeValue(w.V, &d.Value)
	case OpRemove:
		return nil
	case OpDelta:
		return json.Unmarshal(w.V, &d.Delta)
	case OpList:
		return json.Unmarshal(w.V, &d.List)
	case OpObject:
		return json.Unmarshal(w.V, &d.Object)
	}
	return fmt.Errorf("%w: op %q", constants.ErrInvalidDiff, w.O)
}

func (o ListOp) MarshalJSON() ([]byte, error) {
	w := wireListOp{O: o.Op, I: o.Index}
	switch o.Op {
	case OpAdd, OpReplace:
		v, err := json.Marshal(o.Value)
		if err != nil {
			return nil, err
		}
		w.V = v
	case OpRemove:
	default:
		return nil, fmt.Errorf("%w: list op %q", constants.ErrInvalidDiff, o.Op)
	}
	return json.Marshal(w)
}

func (o *ListOp) UnmarshalJSON(data []byte) error {
	var w wireListOp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = ListOp{Op: w.O, Index: w.I}
	switch w.O {
	case OpAdd, OpReplace:
		return decodeValue(w.V, &o.Value)
	case OpRemove:
		return nil
	}
	return fmt.Errorf("%w: list op %q", constants.ErrInvalidDiff, w.O)
}

func decodeValue(raw json.RawMessage, dst *any) error {
	if len(raw) == 0 {
		*dst = nil
		return nil
	}
	return json.Unmarshal(raw, dst)
}

package schema

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
)

// maxListCells bounds the LCS table. Larger middles are sent as a replace.
const maxListCells = 1 << 16

// listDiff aligns a and b on their longest common subsequence and emits the
// inserts, removals and replacements that turn a into b.
func listDiff(a, b []any) Diff {
	pre := 0
	for pre < len(a) && pre < len(b) && Equal(a[pre], b[pre]) {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && Equal(a[len(a)-1-suf], b[len(b)-1-suf]) {
		suf++
	}
	ma, mb := a[pre:len(a)-suf], b[pre:len(b)-suf]
	if len(ma)*len(mb) > maxListCells {
		return Replace(models.CloneValue(b))
	}

	n, m := len(ma), len(mb)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if Equal(ma[i], mb[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var ops []ListOp
	pos := pre
	insert := func(v any) {
		if k := len(ops) - 1; k >= 0 && ops[k].Op == OpRemove && ops[k].Index == pos {
			ops[k] = ListOp{Op: OpReplace, Index: pos, Value: models.CloneValue(v)}
		} else {
			ops = append(ops, ListOp{Op: OpAdd, Index: pos, Value: models.CloneValue(v)})
		}
		pos++
	}
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && Equal(ma[i], mb[j]):
			i++
			j++
			pos++
		case i < n && (j == m || lcs[i+1][j] >= lcs[i][j+1]):
			ops = append(ops, ListOp{Op: OpRemove, Index: pos})
			i++
		default:
			insert(mb[j])
			j++
		}
	}
	return Ops(ops...)
}

func applyList(l []any, ops []ListOp) ([]any, error) {
	out := make([]any, len(l), len(l)+len(ops))
	for i, v := range l {
		out[i] = models.CloneValue(v)
	}
	for _, op := range ops {
		switch op.Op {
		case OpAdd:
			if op.Index < 0 || op.Index > len(out) {
				return nil, fmt.Errorf("%w: insert at %d of %d", constants.ErrInvalidDiff, op.Index, len(out))
			}
			out = append(out, nil)
			copy(out[op.Index+1:], out[op.Index:])
			out[op.Index] = models.CloneValue(op.Value)
		case OpRemove:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fmt.Errorf("%w: remove at %d of %d", constants.ErrInvalidDiff, op.Index, len(out))
			}
			out = append(out[:op.Index], out[op.Index+1:]...)
		case OpReplace:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fmt.Errorf("%w: replace at %d of %d", constants.ErrInvalidDiff, op.Index, len(out))
			}
			out[op.Index] = models.CloneValue(op.Value)
		default:
			return nil, fmt.Errorf("%w: list op %q", constants.ErrInvalidDiff, op.Op)
		}
	}
	return out, nil
}

// transformList rebases the local ops so they apply after the remote ops.
// Remote inserts win position ties; a local replace or remove wins over a
// remote one at the same index.
func transformList(local, remote []ListOp) []ListOp {
	mine, _ := transformLists(local, remote)
	return mine
}

// transformLists returns local rebased onto remote and remote rebased onto
// local. Applying either pair in order gives the same list.
func transformLists(local, remote []ListOp) ([]ListOp, []ListOp) {
	theirs := make([]*ListOp, len(remote))
	for i := range remote {
		op := remote[i]
		theirs[i] = &op
	}

	var out []ListOp
	for _, l := range local {
		mine := &l
		for j, r := range theirs {
			if r == nil {
				continue
			}
			next := includeOp(*mine, *r, true)
			theirs[j] = includeOp(*r, *mine, false)
			mine = next
			if mine == nil {
				break
			}
		}
		if mine != nil {
			out = append(out, *mine)
		}
	}

	var rest []ListOp
	for _, r := range theirs {
		if r != nil {
			rest = append(rest, *r)
		}
	}
	return out, rest
}

// includeOp transforms x against y where both apply to the same list. It
// returns nil when x has no effect once y is applied.
func includeOp(x, y ListOp, xLocal bool) *ListOp {
	switch x.Op {
	case OpAdd:
		switch y.Op {
		case OpAdd:
			if y.Index < x.Index || (y.Index == x.Index && xLocal) {
				x.Index++
			}
		case OpRemove:
			if y.Index < x.Index {
				x.Index--
			}
		}
	case OpRemove:
		switch y.Op {
		case OpAdd:
			if y.Index <= x.Index {
				x.Index++
			}
		case OpRemove:
			if y.Index == x.Index {
				return nil
			}
			if y.Index < x.Index {
				x.Index--
			}
		case OpReplace:
			if y.Index == x.Index && !xLocal {
				return nil
			}
		}
	case OpReplace:
		switch y.Op {
		case OpAdd:
			if y.Index <= x.Index {
				x.Index++
			}
		case OpRemove:
			if y.Index == x.Index {
				if !xLocal {
					return nil
				}
				x.Op = OpAdd
			} else if y.Index < x.Index {
				x.Index--
			}
		case OpReplace:
			if y.Index == x.Index && !xLocal {
				return nil
			}
		}
	}
	return &x
}

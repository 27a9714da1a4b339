package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestListDiff(t *testing.T) {
	t.Run("insert in the middle", func(t *testing.T) {
		d := listDiff([]any{"a", "c"}, []any{"a", "b", "c"})
		assert.Equal(t, Ops(ListOp{Op: OpAdd, Index: 1, Value: "b"}), d)
	})

	t.Run("remove", func(t *testing.T) {
		d := listDiff([]any{"a", "b", "c"}, []any{"a", "c"})
		assert.Equal(t, Ops(ListOp{Op: OpRemove, Index: 1}), d)
	})

	t.Run("replace", func(t *testing.T) {
		d := listDiff([]any{"a", "b", "c"}, []any{"a", "x", "c"})
		assert.Equal(t, Ops(ListOp{Op: OpReplace, Index: 1, Value: "x"}), d)
	})
}

func TestApplyListRejectsOutOfRange(t *testing.T) {
	_, err := applyList([]any{"a"}, []ListOp{{Op: OpRemove, Index: 3}})
	require.Error(t, err)
}

func TestTransformListRemoteInsertWinsTie(t *testing.T) {
	base := []any{"a", "b"}
	local := []ListOp{{Op: OpAdd, Index: 1, Value: "L"}}
	remote := []ListOp{{Op: OpAdd, Index: 1, Value: "R"}}

	afterRemote, err := applyList(base, remote)
	require.NoError(t, err)
	got, err := applyList(afterRemote, transformList(local, remote))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "R", "L", "b"}, got)
}

func drawList(t *rapid.T, label string) []any {
	n := rapid.IntRange(0, 8).Draw(t, label+"_len")
	out := make([]any, n)
	for i := range out {
		out[i] = int64(rapid.IntRange(0, 4).Draw(t, label))
	}
	return out
}

func drawOps(t *rapid.T, label string, length int) []ListOp {
	n := rapid.IntRange(0, 4).Draw(t, label+"_ops")
	var ops []ListOp
	for range n {
		kinds := []Op{OpAdd}
		if length > 0 {
			kinds = append(kinds, OpRemove, OpReplace)
		}
		op := rapid.SampledFrom(kinds).Draw(t, label+"_op")
		v := int64(rapid.IntRange(10, 20).Draw(t, label+"_v"))
		switch op {
		case OpAdd:
			ops = append(ops, ListOp{Op: OpAdd, Index: rapid.IntRange(0, length).Draw(t, label+"_i"), Value: v})
			length++
		case OpRemove:
			ops = append(ops, ListOp{Op: OpRemove, Index: rapid.IntRange(0, length-1).Draw(t, label+"_i")})
			length--
		case OpReplace:
			ops = append(ops, ListOp{Op: OpReplace, Index: rapid.IntRange(0, length-1).Draw(t, label+"_i"), Value: v})
		}
	}
	return ops
}

func TestListDiffProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := drawList(t, "a")
		b := drawList(t, "b")
		d := listDiff(a, b)

		var got any
		var err error
		if d.Op == OpReplace {
			got = d.Value
		} else {
			got, err = applyList(a, d.List)
		}
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !Equal(got, b) {
			t.Fatalf("got %v want %v", got, b)
		}
	})
}

func TestTransformListConverges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := drawList(t, "base")
		local := drawOps(t, "local", len(base))
		remote := drawOps(t, "remote", len(base))

		localPrime, remotePrime := transformLists(local, remote)

		viaRemote, err := applyList(base, remote)
		if err != nil {
			t.Fatalf("remote: %v", err)
		}
		viaRemote, err = applyList(viaRemote, localPrime)
		if err != nil {
			t.Fatalf("local': %v", err)
		}

		viaLocal, err := applyList(base, local)
		if err != nil {
			t.Fatalf("local: %v", err)
		}
		viaLocal, err = applyList(viaLocal, remotePrime)
		if err != nil {
			t.Fatalf("remote': %v", err)
		}

		if !Equal(viaRemote, viaLocal) {
			t.Fatalf("diverged: %v vs %v", viaRemote, viaLocal)
		}
	})
}

package schema

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simperium/simperium.go/pkg/constants"
)

func TestNew(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		s, err := New("note",
			Member{Name: "title", Type: String},
			Member{Name: "count", Type: Integer, Default: 3},
		)
		require.NoError(t, err)
		assert.Equal(t, "note", s.Name())
		m, ok := s.Member("count")
		require.True(t, ok)
		assert.Equal(t, int64(3), m.Default)
		assert.Len(t, s.Members(), 2)
	})

	t.Run("duplicate member", func(t *testing.T) {
		_, err := New("note", Member{Name: "a", Type: String}, Member{Name: "a", Type: Text})
		require.Error(t, err)
	})

	t.Run("invalid type", func(t *testing.T) {
		_, err := New("note", Member{Name: "a"})
		require.Error(t, err)
	})

	t.Run("reference on non string", func(t *testing.T) {
		_, err := New("comment", Member{Name: "post", Type: Integer, References: "post"})
		require.Error(t, err)
	})
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("TextPatch")
	require.NoError(t, err)
	assert.Equal(t, Text, typ)

	_, err = ParseType("blob")
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	v, err := Member{Name: "age", Type: Integer}.Normalize(float64(30))
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)

	_, err = Member{Name: "age", Type: Integer}.Normalize(30.5)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "age", se.Member)
	assert.True(t, errors.Is(err, constants.ErrInvalidValue))

	v, err = Member{Name: "tags", Type: List}.Normalize([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestDiffJSON(t *testing.T) {
	d := ObjectDiff{
		"age":  Replace(int64(31)),
		"gone": Remove(),
		"tags": Ops(ListOp{Op: OpAdd, Index: 2, Value: "x"}, ListOp{Op: OpRemove, Index: 0}),
		"body": Delta("=5\t+!"),
		"meta": Nested(ObjectDiff{"k": Add(false)}),
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var generic map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "r", generic["age"]["o"])
	assert.Equal(t, float64(31), generic["age"]["v"])
	_, hasV := generic["gone"]["v"]
	assert.False(t, hasV)
	assert.Equal(t, []any{
		map[string]any{"o": "+", "i": float64(2), "v": "x"},
		map[string]any{"o": "-", "i": float64(0)},
	}, generic["tags"]["v"])

	var back ObjectDiff
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, OpDelta, back["body"].Op)
	assert.Equal(t, "=5\t+!", back["body"].Delta)
	assert.Equal(t, false, back["meta"].Object["k"].Value)
	assert.Equal(t, float64(31), back["age"].Value)
}

func TestDiffJSONRejectsUnknownOp(t *testing.T) {
	var d Diff
	err := json.Unmarshal([]byte(`{"o":"?","v":1}`), &d)
	require.ErrorIs(t, err, constants.ErrInvalidDiff)
}

func TestMemberDiffApply(t *testing.T) {
	cases := []struct {
		name     string
		member   Member
		from, to any
		op       Op
	}{
		{"integer", Member{Name: "n", Type: Integer}, int64(1), int64(2), OpReplace},
		{"boolean", Member{Name: "b", Type: Boolean}, false, true, OpReplace},
		{"text", Member{Name: "t", Type: Text}, "Hello world", "Hello brave world", OpDelta},
		{"list", Member{Name: "l", Type: List}, []any{"a"}, []any{"a", "b"}, OpList},
		{"object", Member{Name: "o", Type: Object}, map[string]any{"a": "x"}, map[string]any{"a": "y", "b": true}, OpObject},
		{"added", Member{Name: "s", Type: String}, nil, "x", OpAdd},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d, changed := c.member.Diff(c.from, c.to)
			require.True(t, changed)
			assert.Equal(t, c.op, d.Op)

			got, err := c.member.Apply(c.from, d)
			require.NoError(t, err)
			assert.True(t, Equal(c.to, got), "got %v", got)
		})
	}

	_, changed := Member{Name: "n", Type: Integer}.Diff(int64(3), float64(3))
	assert.False(t, changed)
}

func TestTransformText(t *testing.T) {
	m := Member{Name: "body", Type: Text}
	base := "Hello world"
	local, _ := m.Diff(base, "Hello world!")
	remote, _ := m.Diff(base, "Dear Hello world")

	d, keep, err := m.Transform(local, remote, base)
	require.NoError(t, err)
	require.True(t, keep)

	got, err := m.Apply("Dear Hello world", d)
	require.NoError(t, err)
	assert.Equal(t, "Dear Hello world!", got)
}

func TestTextDeltaCountsUTF16Units(t *testing.T) {
	m := Member{Name: "body", Type: Text}
	base := "héllo 😀 world"

	d, changed := m.Diff(base, base+"!")
	require.True(t, changed)
	assert.Equal(t, Delta("=14\t+!"), d)

	got, err := m.Apply(base, Delta("=14\t+!"))
	require.NoError(t, err)
	assert.Equal(t, "héllo 😀 world!", got)

	got, err = m.Apply("a😀b", Delta("=1\t-2\t=1"))
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	_, err = m.Apply(base, Delta("=13\t+!"))
	assert.ErrorIs(t, err, constants.ErrInvalidDiff)
	_, err = m.Apply("a😀b", Delta("=2\t+x\t=2"))
	assert.ErrorIs(t, err, constants.ErrInvalidDiff, "splits a surrogate pair")
}

func TestTransformTextFallsBackToLocalText(t *testing.T) {
	m := Member{Name: "body", Type: Text}
	base := "The quick brown fox"
	local, _ := m.Diff(base, "The quick brown fox jumps")
	remote := Replace("Something else entirely, nothing shared at all")

	d, keep, err := m.Transform(local, remote, base)
	require.NoError(t, err)
	require.True(t, keep)

	got, err := m.Apply(remote.Value, d)
	require.NoError(t, err)
	assert.Contains(t, got, "jumps")
}

func TestTransformScalarLocalWins(t *testing.T) {
	m := Member{Name: "age", Type: Integer}
	d, keep, err := m.Transform(Replace(int64(31)), Replace(int64(29)), int64(30))
	require.NoError(t, err)
	require.True(t, keep)
	assert.Equal(t, Replace(int64(31)), d)
}

func TestTransformRemoteRemoved(t *testing.T) {
	m := Member{Name: "tags", Type: List}
	local := Ops(ListOp{Op: OpAdd, Index: 1, Value: "b"})
	d, keep, err := m.Transform(local, Remove(), []any{"a"})
	require.NoError(t, err)
	require.True(t, keep)
	assert.Equal(t, Add([]any{"a", "b"}), d)

	_, keep, err = m.Transform(Remove(), Remove(), []any{"a"})
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestTransformNestedObject(t *testing.T) {
	m := Member{Name: "meta", Type: Object}
	base := map[string]any{"a": "one", "b": "two"}
	local := Nested(ObjectDiff{"a": Replace("uno")})
	remote := Nested(ObjectDiff{"b": Replace("dos")})

	d, keep, err := m.Transform(local, remote, base)
	require.NoError(t, err)
	require.True(t, keep)

	afterRemote, err := m.Apply(base, remote)
	require.NoError(t, err)
	got, err := m.Apply(afterRemote, d)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "uno", "b": "dos"}, got)
}

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Key  string         `json:"key" cbor:"key"`
	Data map[string]any `json:"data" cbor:"data"`
}

func TestCBORUntypedValues(t *testing.T) {
	c := NewCBOR()
	in := record{Key: "k", Data: map[string]any{
		"age":    int64(30),
		"score":  1.5,
		"nested": map[string]any{"n": int64(-2)},
		"tags":   []any{"a", int64(1)},
	}}
	raw, err := c.Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, c.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestJSONUntypedValues(t *testing.T) {
	var c Codec = JSON{}
	raw, err := c.Marshal(record{Key: "k", Data: map[string]any{"n": 1, "s": "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","data":{"n":1,"s":"x"}}`, string(raw))

	var out record
	require.NoError(t, c.Unmarshal(raw, &out))
	assert.Equal(t, map[string]any{"n": float64(1), "s": "x"}, out.Data)
}

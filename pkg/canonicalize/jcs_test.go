package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysRecursively(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := Marshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestMarshal_StructTagsAndOmitEmpty(t *testing.T) {
	type payment struct {
		Target string `json:"target"`
		Amount int64  `json:"amount"`
		Asset  string `json:"asset"`
		Memo   string `json:"memo,omitempty"`
	}

	b, err := Marshal(payment{Target: "seller-1", Amount: 500, Asset: "IUSD"})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":500,"asset":"IUSD","target":"seller-1"}`, string(b))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]string{"html": "<b>a & b</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>a & b</b>"}`, string(b))
}

func TestMarshal_LargeIntegersKeepPrecision(t *testing.T) {
	b, err := Marshal(map[string]int64{"n": 9007199254740993})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(b))
}

func TestCanonicalize_RejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalize_StripsWhitespace(t *testing.T) {
	b, err := Canonicalize([]byte("{ \"b\" : [ 1 , 2 ],\n \"a\" : null }"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":null,"b":[1,2]}`, string(b))
}

func TestHash_IndependentOfKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

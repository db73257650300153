package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchParamDecode(t *testing.T) {
	var space map[string]SearchParam
	err := json.Unmarshal([]byte(`{
		"alpha": {"type": "range", "low": 0.001, "high": 5},
		"num_topics": {"type": "range", "low": 5, "high": 100, "integer": true},
		"decay": {"type": "choices", "values": [0.5, 0.7, "auto"]},
		"passes": {"type": "fixed", "value": 10}
	}`), &space)
	require.NoError(t, err)

	assert.Equal(t, ParamRange, space["alpha"].Kind())
	low, high := space["alpha"].Bounds()
	assert.Equal(t, 0.001, low)
	assert.Equal(t, 5.0, high)
	assert.False(t, space["alpha"].IsInteger())
	assert.True(t, space["num_topics"].IsInteger())

	assert.Equal(t, ParamChoices, space["decay"].Kind())
	assert.Equal(t, []any{0.5, 0.7, "auto"}, space["decay"].Options())

	assert.Equal(t, ParamFixed, space["passes"].Kind())
	assert.Equal(t, 10.0, space["passes"].Value())

	// 编码后再解码保持同一变体
	bs, err := json.Marshal(space)
	require.NoError(t, err)
	var again map[string]SearchParam
	require.NoError(t, json.Unmarshal(bs, &again))
	assert.Equal(t, space, again)
}

func TestSearchParamRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"unknown type":   `{"type": "grid"}`,
		"missing high":   `{"type": "range", "low": 1}`,
		"inverted range": `{"type": "range", "low": 3, "high": 1}`,
		"empty choices":  `{"type": "choices", "values": []}`,
		"fractional int": `{"type": "range", "low": 0.9, "high": 1.1, "integer": true}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var p SearchParam
			require.Error(t, json.Unmarshal([]byte(raw), &p))
		})
	}
}

func TestIntRangeBoundsMustBeWhole(t *testing.T) {
	assert.NoError(t, IntRange(2, 8).Validate())
	p := Range(0.5, 4)
	p.integer = true
	assert.Error(t, p.Validate())
	assert.NoError(t, Range(0.5, 4).Validate())
}

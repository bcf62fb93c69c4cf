package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairQuoting_SingleQuotedObject(t *testing.T) {
	got := RepairQuoting(`{'title': 'A', 'nested': {'x': 1}}`)
	require.True(t, json.Valid([]byte(got)))

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &m))
	assert.Equal(t, "A", m["title"])
	nested, ok := m["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), nested["x"])
}

func TestRepairQuoting_ValidInputUnchanged(t *testing.T) {
	in := `{"a":1,"b":[true,null,"x"]}`
	assert.Equal(t, in, RepairQuoting(in))
}

func TestRepairQuoting_NonJSONUnchanged(t *testing.T) {
	assert.Equal(t, "hello world", RepairQuoting("hello world"))
	assert.Equal(t, "", RepairQuoting(""))
	assert.Equal(t, "42 items", RepairQuoting("42 items"))
}

func TestRepairQuoting_ArrayItems(t *testing.T) {
	got := RepairQuoting(`['a', 'b', 'c']`)
	require.True(t, json.Valid([]byte(got)))

	var items []string
	require.NoError(t, json.Unmarshal([]byte(got), &items))
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestRepairQuoting_EscapedSingleQuote(t *testing.T) {
	got := RepairQuoting(`{'note': 'it\'s fine'}`)
	require.True(t, json.Valid([]byte(got)))

	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &m))
	assert.Equal(t, `it"s fine`, m["note"])
}

func TestRepairQuoting_Idempotent(t *testing.T) {
	inputs := []string{
		`{'title': 'A', 'nested': {'x': 1}}`,
		`['a', 'b']`,
		`{"already": "valid"}`,
	}
	for _, in := range inputs {
		once := RepairQuoting(in)
		twice := RepairQuoting(once)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestRepairQuoting_UnfixableUnchanged(t *testing.T) {
	in := `{broken json that is not quotable`
	assert.Equal(t, in, RepairQuoting(in))
}

func TestSafeParse_StrictMatchesPlainParse(t *testing.T) {
	in := `{"a": [1, 2, 3]}`
	got := SafeParse(in, json.RawMessage(`{}`))
	assert.Equal(t, json.RawMessage(in), got)
}

func TestSafeParse_RepairsThenParses(t *testing.T) {
	got := SafeParse(`{'k': 'v'}`, json.RawMessage(`{}`))
	var m map[string]string
	require.NoError(t, json.Unmarshal(got, &m))
	assert.Equal(t, "v", m["k"])
}

func TestSafeParse_DefaultOnFailure(t *testing.T) {
	got := SafeParse("hello world", json.RawMessage(`{}`))
	assert.Equal(t, json.RawMessage(`{}`), got)
}

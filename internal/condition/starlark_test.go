package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBlankExpressionIsTrue(t *testing.T) {
	ok, err := Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateSimpleComparison(t *testing.T) {
	ok, err := Evaluate("count > 3", map[string]any{"count": 5})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate("count > 3", map[string]any{"count": 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateStringEquality(t *testing.T) {
	ok, err := Evaluate(`status == "done"`, map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBooleanAndListVariables(t *testing.T) {
	ok, err := Evaluate("ready and len(items) == 2", map[string]any{
		"ready": true,
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateDictVariable(t *testing.T) {
	ok, err := Evaluate(`meta["kind"] == "batch"`, map[string]any{
		"meta": map[string]any{"kind": "batch"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluatePropagatesSyntaxError(t *testing.T) {
	_, err := Evaluate("!!!not valid starlark!!!", nil)
	require.Error(t, err)
}

func TestEvaluateNilVariableBecomesNone(t *testing.T) {
	ok, err := Evaluate("value == None", map[string]any{"value": nil})
	require.NoError(t, err)
	assert.True(t, ok)
}

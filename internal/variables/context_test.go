package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolateScopedAndBareReferences(t *testing.T) {
	c := New()
	c.Insert(ScopeWorkflow, "region", "us-east-1")
	c.Insert(ScopeTask, "region", "eu-west-1")

	v, err := c.Interpolate("${region}")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", v)

	v, err = c.Interpolate("${workflow.region}")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", v)
}

func TestInterpolatePreservesTypeForWholeStringReference(t *testing.T) {
	c := New()
	c.Insert(ScopeTask, "result", map[string]any{"ok": true})

	v, err := c.Interpolate("${task.result}")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)
}

func TestInterpolateUndefinedReturnsError(t *testing.T) {
	c := New()
	_, err := c.Interpolate("${nope}")
	require.Error(t, err)
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrUndefined, ve.Kind)
}

func TestInterpolateCycleIsDetected(t *testing.T) {
	c := New()
	c.Insert(ScopeWorkflow, "a", "${workflow.b}")
	c.Insert(ScopeWorkflow, "b", "${workflow.a}")

	_, err := c.Interpolate("${workflow.a}")
	require.Error(t, err)
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrCycle, ve.Kind)
}

func TestReferencesExtractsAllOccurrences(t *testing.T) {
	refs := References("from ${workflow.region} to ${task.t1.output}")
	assert.ElementsMatch(t, []string{"workflow.region", "task.t1.output"}, refs)
}

func TestAsMapFlattensScopesWithPriority(t *testing.T) {
	c := New()
	c.Insert(ScopeWorkflow, "name", "workflow-value")
	c.Insert(ScopeTask, "name", "task-value")
	c.Insert(ScopeSecret, "api_key", "shh")

	m := c.AsMap()
	assert.Equal(t, "task-value", m["name"])
	assert.Equal(t, "workflow-value", m["workflow.name"])
	assert.Equal(t, "task-value", m["task.name"])
	assert.Equal(t, "shh", m["secret.api_key"])
}

func TestSnapshotIsDetached(t *testing.T) {
	c := New()
	c.Insert(ScopeWorkflow, "k", "v1")
	snap := c.Snapshot()
	c.Insert(ScopeWorkflow, "k", "v2")

	v, _ := snap.Get(ScopeWorkflow, "k")
	assert.Equal(t, "v1", v)
}

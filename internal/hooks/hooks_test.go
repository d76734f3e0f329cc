package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndEnv(t *testing.T) {
	results := Run(context.Background(), []string{`echo "$WORKFLOW_NAME/$WORKFLOW_STAGE"`}, Env{
		WorkflowName: "deploy",
		Stage:        "pre_workflow",
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "deploy/pre_workflow\n", results[0].Stdout)
}

func TestRunContinuesPastFailure(t *testing.T) {
	results := Run(context.Background(), []string{"exit 1", "echo ok"}, Env{WorkflowName: "w", Stage: "on_error"})
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, "ok\n", results[1].Stdout)
}

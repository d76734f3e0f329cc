package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func baseWorkflow() *dsl.Workflow {
	return &dsl.Workflow{
		Name:    "wf",
		Version: "1",
		Agents: map[string]*dsl.Agent{
			"coder": {Name: "coder"},
		},
		Tasks: map[string]*dsl.Task{
			"t1": {ID: "t1", Command: &dsl.CommandSpec{Argv: []string{"echo", "hi"}}},
		},
	}
}

func hasError(r *Result, code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func hasWarning(r *Result, code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestValidateCleanWorkflowPasses(t *testing.T) {
	wf := baseWorkflow()
	r := Validate(wf)
	assert.True(t, r.OK(), "%v", r.Errors)
}

func TestValidateRejectsCycle(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].DependsOn = []string{"t2"}
	wf.Tasks["t2"] = &dsl.Task{ID: "t2", Command: &dsl.CommandSpec{Argv: []string{"echo"}}, DependsOn: []string{"t1"}}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "cycle"))
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].DependsOn = []string{"t1"}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "self_dependency"))
}

func TestValidateRejectsMultipleExecutionModes(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].Agent = "coder"
	wf.Tasks["t1"].Prompt = "do something"
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "execution_mode"))
}

func TestValidateRejectsUndeclaredAgent(t *testing.T) {
	wf := baseWorkflow()
	delete(wf.Tasks, "t1")
	wf.Tasks["t1"] = &dsl.Task{ID: "t1", Agent: "ghost", Prompt: "hi"}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "unknown_agent"))
}

func TestValidateRejectsUndeclaredDependency(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].DependsOn = []string{"ghost"}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "unknown_dependency"))
}

func TestValidateRejectsInvalidPermissionMode(t *testing.T) {
	wf := baseWorkflow()
	wf.Agents["coder"].Permission = "god-mode"
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "invalid_permission_mode"))
}

func TestValidateRejectsNegativeMaxTurns(t *testing.T) {
	wf := baseWorkflow()
	wf.Agents["coder"].MaxTurns = -1
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "invalid_max_turns"))
}

func TestValidateHTTPSchemeAndMethod(t *testing.T) {
	wf := baseWorkflow()
	delete(wf.Tasks, "t1")
	wf.Tasks["t1"] = &dsl.Task{ID: "t1", HTTP: &dsl.HTTPSpec{URL: "ftp://example.com", Method: "TRACE"}}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "invalid_http_scheme"))
	assert.True(t, hasError(r, "invalid_http_method"))
}

func TestValidateLoopRequiresMaxIterationsForWhile(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].Loop = &dsl.Loop{Kind: "while", Condition: "true"}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "missing_max_iterations"))
}

func TestValidateLoopExceedsSystemLimit(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].Loop = &dsl.Loop{Kind: "repeat", MaxIterations: DefaultMaxIterations + 1}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "max_iterations_exceeded"))
}

func TestValidateTightLoopWarning(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].Loop = &dsl.Loop{Kind: "repeat", MaxIterations: 101}
	r := Validate(wf)
	assert.True(t, hasWarning(r, "tight_loop"))
}

func TestValidateChannelParticipants(t *testing.T) {
	wf := baseWorkflow()
	wf.Communication = &dsl.Communication{Channels: []dsl.Channel{
		{Name: "room", Participants: []string{"ghost"}},
	}}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "unknown_channel_participant"))
}

func TestValidateSecretSpecExactlyOneSource(t *testing.T) {
	wf := baseWorkflow()
	wf.Secrets = map[string]dsl.SecretSpec{"api_key": {Env: "API_KEY", Value: "literal"}}
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "invalid_secret_spec"))
}

func TestValidateUndefinedVariableReference(t *testing.T) {
	wf := baseWorkflow()
	wf.Tasks["t1"].Description = "uses ${workflow.missing}"
	r := Validate(wf)
	require.False(t, r.OK())
	assert.True(t, hasError(r, "undefined_variable"))
}

func TestValidateDeclaredWorkflowVariableResolves(t *testing.T) {
	wf := baseWorkflow()
	wf.Input = map[string]dsl.InputVariable{"project": {Type: "string"}}
	wf.Tasks["t1"].Description = "project is ${workflow.project}"
	r := Validate(wf)
	assert.True(t, r.OK(), "%v", r.Errors)
}

func TestValidateOverridesWithoutEmbedWarns(t *testing.T) {
	wf := baseWorkflow()
	delete(wf.Tasks, "t1")
	wf.Tasks["t1"] = &dsl.Task{ID: "t1", Predefined: &dsl.PredefinedRef{Name: "lint", Version: "1.0.0", Overrides: map[string]any{"x": 1}}}
	r := Validate(wf)
	assert.True(t, hasWarning(r, "overrides_without_embed"))
}

func TestValidateAgainstSchemaRejectsMismatch(t *testing.T) {
	err := ValidateAgainstSchema(`{"type":"object","required":["name"]}`, map[string]any{})
	require.Error(t, err)
}

func TestValidateAgainstSchemaAcceptsMatch(t *testing.T) {
	err := ValidateAgainstSchema(`{"type":"object","required":["name"]}`, map[string]any{"name": "x"})
	require.NoError(t, err)
}

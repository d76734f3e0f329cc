package agentruntime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/transport"
)

func newFakeTransport(t *testing.T, script string) *transport.Transport {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ai-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	tr, err := transport.New(context.Background(), transport.Options{BinaryPath: path, SkipVersionCheck: true})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

// plainResultScript reads one line (the user prompt) and replies with a
// single result message, no tool_use content.
const plainResultScript = `
read _
echo '{"type":"result","is_error":false,"stop_reason":"end_turn"}'
`

func TestQuerySendsPromptAndReturnsResult(t *testing.T) {
	tr := newFakeTransport(t, plainResultScript)
	rt := New(&dsl.Agent{Name: "coder"}, tr, nil, nil)

	msg, err := rt.Query(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "result", msg.Type)
	assert.False(t, msg.IsError)
}

func TestQueryEnforcesMaxTurns(t *testing.T) {
	tr := newFakeTransport(t, `
while read -r _; do
  echo '{"type":"result","is_error":false}'
done
`)
	rt := New(&dsl.Agent{Name: "coder", MaxTurns: 1}, tr, nil, nil)

	_, err := rt.Query(context.Background(), "first")
	require.NoError(t, err)

	_, err = rt.Query(context.Background(), "second")
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrTurnLimit, ae.Kind)
}

// toolUseScript replies with one tool_use block, then a result message.
const toolUseScript = `
read _
echo '{"type":"assistant","content":[{"type":"tool_use","id":"1","name":"write_file","input":{"path":"/tmp/x"}}]}'
echo '{"type":"result","is_error":false}'
`

type fakePermission struct {
	outcome  PermissionOutcome
	replaced map[string]any
}

func (f *fakePermission) Check(ctx context.Context, toolName string, args map[string]any, mode dsl.PermissionMode) (PermissionOutcome, map[string]any, error) {
	return f.outcome, f.replaced, nil
}

func TestQueryDeniedToolUseReturnsPermissionError(t *testing.T) {
	tr := newFakeTransport(t, toolUseScript)
	rt := New(&dsl.Agent{Name: "coder"}, tr, &fakePermission{outcome: PermissionDeny}, nil)

	_, err := rt.Query(context.Background(), "edit a file")
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrPermissionDenied, ae.Kind)
}

func TestQueryAllowedToolUseProceedsToResult(t *testing.T) {
	tr := newFakeTransport(t, toolUseScript)
	rt := New(&dsl.Agent{Name: "coder"}, tr, &fakePermission{outcome: PermissionAllow}, nil)

	msg, err := rt.Query(context.Background(), "edit a file")
	require.NoError(t, err)
	assert.Equal(t, "result", msg.Type)
}

func TestQueryAskOutcomeTreatedAsDenyNonInteractive(t *testing.T) {
	tr := newFakeTransport(t, toolUseScript)
	rt := New(&dsl.Agent{Name: "coder"}, tr, &fakePermission{outcome: PermissionAsk}, nil)

	_, err := rt.Query(context.Background(), "edit a file")
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrPermissionDenied, ae.Kind)
}

func TestQueryHookVetoSurfacesAsToolError(t *testing.T) {
	tr := newFakeTransport(t, toolUseScript)
	veto := func(ctx context.Context, phase, toolName string, args map[string]any) (map[string]any, error) {
		return nil, assertErr
	}
	rt := New(&dsl.Agent{Name: "coder"}, tr, &fakePermission{outcome: PermissionAllow}, []HookCallback{veto})

	_, err := rt.Query(context.Background(), "edit a file")
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrToolError, ae.Kind)
}

var assertErr = &Error{Kind: ErrToolError, Msg: "vetoed by hook"}

func TestElevateAndResetPermission(t *testing.T) {
	tr := newFakeTransport(t, plainResultScript)
	rt := New(&dsl.Agent{Name: "coder", Permission: dsl.PermissionAcceptEdits}, tr, nil, nil)

	assert.Equal(t, dsl.PermissionBypass, rt.ElevatePermission())
	rt.ResetPermission()
	assert.Equal(t, dsl.PermissionAcceptEdits, rt.permMode)
}

func TestElevateFromDefaultGoesStraightToBypass(t *testing.T) {
	tr := newFakeTransport(t, plainResultScript)
	rt := New(&dsl.Agent{Name: "coder"}, tr, nil, nil)

	require.Equal(t, dsl.PermissionDefault, rt.permMode)
	assert.Equal(t, dsl.PermissionBypass, rt.ElevatePermission())
	rt.ResetPermission()
	assert.Equal(t, dsl.PermissionDefault, rt.permMode)
}

// Package agentruntime implements one conversation session per declared
// agent, multiplexed over a Transport, with permission-gated tool use
// and a max-turns cap.
package agentruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/transport"
)

// ErrorKind is the stable taxonomy for AgentError.
type ErrorKind string

const (
	ErrTurnLimit       ErrorKind = "turn_limit"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrToolError       ErrorKind = "tool_error"
)

// Error wraps an agent-runtime failure with its stable kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("agent: %s: %s", e.Kind, e.Msg) }

// PermissionOutcome is the result of a permission-service decision.
type PermissionOutcome string

const (
	PermissionAllow   PermissionOutcome = "allow"
	PermissionDeny    PermissionOutcome = "deny"
	PermissionReplace PermissionOutcome = "replace"
	PermissionAsk     PermissionOutcome = "ask"
)

// PermissionService is the external collaborator consulted before any
// tool-use content block is considered executed.
type PermissionService interface {
	Check(ctx context.Context, toolName string, args map[string]any, mode dsl.PermissionMode) (PermissionOutcome, map[string]any, error)
}

// HookCallback is invoked before/after every tool use; it may veto the
// call by returning an error. The returned args are ignored, so a hook
// cannot rewrite the call's arguments.
type HookCallback func(ctx context.Context, phase string, toolName string, args map[string]any) (map[string]any, error)

// Runtime is one live conversation session for a declared Agent.
type Runtime struct {
	Agent   *dsl.Agent
	SessionID string

	transport  *transport.Transport
	permission PermissionService
	hooks      []HookCallback

	mu        sync.Mutex
	turns     int
	permMode  dsl.PermissionMode
}

// New wires a Runtime to an already-connected Transport.
func New(agent *dsl.Agent, t *transport.Transport, perm PermissionService, hooks []HookCallback) *Runtime {
	mode := agent.Permission
	if mode == "" {
		mode = dsl.PermissionDefault
	}
	return &Runtime{
		Agent:      agent,
		SessionID:  uuid.NewString(),
		transport:  t,
		permission: perm,
		hooks:      hooks,
		permMode:   mode,
	}
}

// ElevatePermission temporarily raises the runtime's effective
// permission mode for a DoD auto-elevation retry. Both accept-edits and
// the unrestricted default mode step straight to bypass, matching the
// one-shot elevation a DoD retry gets before it either satisfies the
// predicate or exhausts its retries.
func (r *Runtime) ElevatePermission() dsl.PermissionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.permMode {
	case dsl.PermissionAcceptEdits, dsl.PermissionDefault:
		r.permMode = dsl.PermissionBypass
	}
	return r.permMode
}

// ResetPermission restores the agent's declared permission mode.
func (r *Runtime) ResetPermission() {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode := r.Agent.Permission
	if mode == "" {
		mode = dsl.PermissionDefault
	}
	r.permMode = mode
}

// Query sends one user prompt and collects the assistant's full reply
// chain (one conversation turn), running permission checks and hook
// callbacks over every tool_use block it observes along the way.
func (r *Runtime) Query(ctx context.Context, prompt string) (*transport.Message, error) {
	r.mu.Lock()
	r.turns++
	turns := r.turns
	mode := r.permMode
	r.mu.Unlock()

	if r.Agent.MaxTurns > 0 && turns > r.Agent.MaxTurns {
		return nil, &Error{Kind: ErrTurnLimit, Msg: fmt.Sprintf("agent %q exceeded max_turns=%d", r.Agent.Name, r.Agent.MaxTurns)}
	}

	options := map[string]any{
		"permission_mode": string(mode),
		"allowed_tools":   r.Agent.Tools,
	}
	if r.Agent.Model != "" {
		options["model"] = r.Agent.Model
	}
	if r.Agent.MaxTurns > 0 {
		options["max_turns"] = r.Agent.MaxTurns
	}

	if err := r.transport.Send(transport.Message{
		Type:      "user",
		SessionID: r.SessionID,
		Prompt:    prompt,
		Options:   options,
	}); err != nil {
		return nil, err
	}

	var final *transport.Message
	for {
		msg, err := r.transport.Receive()
		if err != nil {
			return nil, err
		}
		for i := range msg.Content {
			block := &msg.Content[i]
			if block.Type != "tool_use" {
				continue
			}
			args, _ := block.Input.(map[string]any)
			if err := r.runHooks(ctx, "pre", block.Name, args); err != nil {
				return nil, err
			}
			if r.permission != nil {
				outcome, replaced, err := r.permission.Check(ctx, block.Name, args, mode)
				if err != nil {
					return nil, err
				}
				switch outcome {
				case PermissionDeny:
					return nil, &Error{Kind: ErrPermissionDenied, Msg: fmt.Sprintf("tool %q denied", block.Name)}
				case PermissionReplace:
					block.Input = replaced
				case PermissionAsk:
					// Interactive-only; non-interactive execution treats ask as deny.
					return nil, &Error{Kind: ErrPermissionDenied, Msg: fmt.Sprintf("tool %q requires interactive confirmation", block.Name)}
				}
			}
			if err := r.runHooks(ctx, "post", block.Name, args); err != nil {
				return nil, err
			}
		}
		if msg.Type == "result" {
			final = msg
			break
		}
	}
	return final, nil
}

func (r *Runtime) runHooks(ctx context.Context, phase, toolName string, args map[string]any) error {
	for _, h := range r.hooks {
		if _, err := h(ctx, phase, toolName, args); err != nil {
			return &Error{Kind: ErrToolError, Msg: err.Error()}
		}
	}
	return nil
}

// Interrupt sends a cancellation control message for an in-flight query.
func (r *Runtime) Interrupt() error {
	return r.transport.Send(transport.Message{Type: "interrupt", SessionID: r.SessionID})
}

// Disconnect tears down the underlying transport.
func (r *Runtime) Disconnect() error {
	return r.transport.Disconnect()
}

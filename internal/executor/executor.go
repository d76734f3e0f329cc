// Package executor is the top-level glue: it wires the Parser,
// Validator, Task Graph, Variable Context, Secrets Resolver, Message
// Bus, Agent Runtime, Loop Controller, Definition-of-Done Evaluator,
// Retry/Recovery, Hook Runner, Notification Router, State Persistence,
// MCP Tool Bridge, and Predefined Task Loader into the three-phase
// initialize/execute/shutdown lifecycle, per SPEC_FULL.md §4.13 and the
// public operations of §6.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/agentruntime"
	"github.com/loomwork/loom/internal/bus"
	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/hooks"
	"github.com/loomwork/loom/internal/mcptools"
	"github.com/loomwork/loom/internal/notifications"
	"github.com/loomwork/loom/internal/predefined"
	"github.com/loomwork/loom/internal/secrets"
	"github.com/loomwork/loom/internal/state"
	"github.com/loomwork/loom/internal/transport"
	"github.com/loomwork/loom/internal/validator"
	"github.com/loomwork/loom/internal/variables"

	"github.com/loomwork/loom/internal/graph"
)

// Parse parses a workflow document, matching §6's parse(path|text) op.
func Parse(text []byte) (*dsl.Workflow, error) { return dsl.Parse(text) }

// Validate runs the semantic validator over a parsed workflow, matching
// §6's validate(Workflow) op.
func Validate(wf *dsl.Workflow) *validator.Result { return validator.Validate(wf) }

// ErrorKind is the stable taxonomy for Error.
type ErrorKind string

const (
	ErrNotInitialized ErrorKind = "not_initialized"
	ErrValidation     ErrorKind = "validation_failed"
	ErrStateVersion   ErrorKind = "state_version_mismatch"
)

// Error wraps an executor-lifecycle failure with its stable kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("executor: %s: %s", e.Kind, e.Msg) }

// Options configures one Executor instance. Every collaborator is
// optional and defaulted; tests substitute fakes/stubs for the ones
// that matter to the scenario under test.
type Options struct {
	Fs afero.Fs

	TransportOptions transport.Options
	BusOptions       *bus.Options // nil uses bus.EnvOptions()
	PermissionService agentruntime.PermissionService
	HookCallbacks     []agentruntime.HookCallback

	PredefinedSources []predefined.Source
	NotificationSinks []notifications.Sink

	// Input is the caller-supplied overrides for the workflow's declared
	// input variables (CLI flags / environment, layered over declared
	// defaults).
	Input map[string]any

	// DefaultTimeoutSecs is the workflow-wide fallback deadline applied
	// to a task with no explicit timeout of its own.
	DefaultTimeoutSecs float64
}

// Executor drives one workflow run from initialize through shutdown.
type Executor struct {
	wf   *dsl.Workflow
	opts Options

	graph   *graph.Graph
	vars    *variables.Context
	mcp     *mcptools.Bridge
	loader  *predefined.Loader
	router  *notifications.Router
	bus     *bus.Bus
	agents  map[string]*agentruntime.Runtime

	stateStore  *state.Store
	statePath   string
	stateOn     bool

	mu          sync.Mutex
	taskOutputs map[string]any
	resumed     bool
}

// New validates wf and returns an Executor ready for
// EnableStatePersistence/TryResume/Initialize. It returns an error
// immediately if the workflow fails validation, since every later phase
// assumes a structurally sound graph.
func New(wf *dsl.Workflow, opts Options) (*Executor, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	if err := expandPredefined(wf, predefined.NewLoader(opts.PredefinedSources...)); err != nil {
		return nil, fmt.Errorf("executor: expanding predefined tasks: %w", err)
	}

	result := validator.Validate(wf)
	if !result.OK() {
		msgs := make([]string, 0, len(result.Errors))
		for _, issue := range result.Errors {
			msgs = append(msgs, issue.String())
		}
		return nil, &Error{Kind: ErrValidation, Msg: fmt.Sprintf("%d error(s): %v", len(msgs), msgs)}
	}

	g, err := graph.Build(wf)
	if err != nil {
		return nil, fmt.Errorf("executor: building task graph: %w", err)
	}

	return &Executor{
		wf:          wf,
		opts:        opts,
		graph:       g,
		vars:        variables.New(),
		agents:      make(map[string]*agentruntime.Runtime),
		taskOutputs: make(map[string]any),
	}, nil
}

// EnableStatePersistence turns on checkpointing to dir (default
// "./.workflow_states" when dir is empty). Idempotent.
func (e *Executor) EnableStatePersistence(dir string) {
	if dir == "" {
		dir = "./.workflow_states"
	}
	e.statePath = dir
	e.stateStore = state.New(e.opts.Fs, dir)
	e.stateOn = true
}

// TryResume attempts to load a prior checkpoint for this workflow.
// Returns true if a compatible checkpoint was found and loaded (and
// rewritten per the Resume rule), false on a fresh run. A version
// mismatch is a hard error the caller must surface (clean or migrate).
func (e *Executor) TryResume(ctx context.Context) (bool, error) {
	if !e.stateOn {
		return false, nil
	}
	doc, found, err := e.stateStore.Load(e.wf.Name, e.wf.Version)
	if err != nil {
		if se, ok := err.(*state.Error); ok && se.Kind == state.ErrVersionMismatch {
			return false, &Error{Kind: ErrStateVersion, Msg: se.Error()}
		}
		return false, err
	}
	if !found {
		e.stateStore.Attach(state.NewDocument(e.wf.Name, e.wf.Version))
		return false, nil
	}

	state.ApplyResume(doc)
	e.stateStore.Attach(doc)
	for id, ts := range doc.Tasks {
		if n, ok := e.graph.Nodes[id]; ok {
			n.Status = ts.Status
			n.Attempts = ts.Attempts
		}
	}
	e.resumed = true
	return true, nil
}

// Initialize brings up every long-lived collaborator: seeds the
// variable context with input defaults/overrides, resolves secrets,
// starts the message bus and its declared channels, connects one
// transport+agent-runtime pair per declared agent, and - if persistence
// is enabled but TryResume was never called - starts a fresh state
// document.
func (e *Executor) Initialize(ctx context.Context) error {
	e.seedInputs()

	if err := secrets.Resolve(e.opts.Fs, e.wf.Secrets, e.vars); err != nil {
		return fmt.Errorf("executor: resolving secrets: %w", err)
	}

	e.mcp = mcptools.NewBridge(e.wf.MCPServers)

	sinks := e.opts.NotificationSinks
	if len(sinks) == 0 {
		sinks = []notifications.Sink{notifications.ConsoleSink{}}
	}
	e.router = notifications.NewRouter(sinks...)

	if e.wf.Communication != nil && len(e.wf.Communication.Channels) > 0 {
		channels := make([]bus.ChannelSpec, 0, len(e.wf.Communication.Channels))
		var agentNames []string
		for _, ch := range e.wf.Communication.Channels {
			channels = append(channels, bus.ChannelSpec{Name: ch.Name, Participants: ch.Participants, Capacity: ch.Capacity})
			agentNames = append(agentNames, ch.Participants...)
		}
		busOpts := bus.EnvOptions()
		if e.opts.BusOptions != nil {
			busOpts = *e.opts.BusOptions
		}
		b, err := bus.New(ctx, busOpts, e.wf.Name, channels, agentNames)
		if err != nil {
			return fmt.Errorf("executor: starting message bus: %w", err)
		}
		e.bus = b
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(e.wf.Agents))
	var mu sync.Mutex
	for name, agentDef := range e.wf.Agents {
		wg.Add(1)
		go func(name string, agentDef *dsl.Agent) {
			defer wg.Done()
			t, err := transport.New(ctx, e.opts.TransportOptions)
			if err != nil {
				errs <- fmt.Errorf("executor: connecting agent %q: %w", name, err)
				return
			}
			rt := agentruntime.New(agentDef, t, e.opts.PermissionService, e.opts.HookCallbacks)
			mu.Lock()
			e.agents[name] = rt
			mu.Unlock()
		}(name, agentDef)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	if e.stateOn && e.stateStore.Document() == nil {
		e.stateStore.Attach(state.NewDocument(e.wf.Name, e.wf.Version))
	}
	if e.stateOn {
		if err := e.stateStore.Checkpoint(); err != nil {
			logError("initial checkpoint failed: %v", err)
		}
	}

	return nil
}

func (e *Executor) seedInputs() {
	for name, iv := range e.wf.Input {
		if iv.Default != nil {
			e.vars.Insert(variables.ScopeWorkflow, name, iv.Default)
		}
	}
	for name, v := range e.opts.Input {
		e.vars.Insert(variables.ScopeWorkflow, name, v)
	}
}

// Shutdown disconnects every agent runtime, closes the message bus,
// flushes a final checkpoint, and releases MCP bridge clients.
func (e *Executor) Shutdown(ctx context.Context) error {
	var firstErr error
	for name, rt := range e.agents {
		if err := rt.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("executor: disconnecting agent %q: %w", name, err)
		}
	}
	if e.mcp != nil {
		e.mcp.Close()
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("executor: closing bus: %w", err)
		}
	}
	if e.stateOn {
		if err := e.stateStore.Checkpoint(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("executor: final checkpoint: %w", err)
		}
	}
	return firstErr
}

// Snapshot is the progress/per-task-status view returned by GetState.
type Snapshot struct {
	WorkflowName string
	Status       string
	Tasks        map[string]dsl.TaskStatus
}

// GetState returns a point-in-time snapshot of the run's progress.
func (e *Executor) GetState() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := make(map[string]dsl.TaskStatus, len(e.graph.Nodes))
	for id, n := range e.graph.Nodes {
		tasks[id] = n.Status
	}
	status := "running"
	if e.graph.Terminal() {
		if e.graph.AnyFailed() {
			status = "failed"
		} else {
			status = "completed"
		}
	}
	return Snapshot{WorkflowName: e.wf.Name, Status: status, Tasks: tasks}
}

// expandPredefined walks wf's task tree (including nested subtasks) and
// replaces every predefined-mode task's execution-relevant fields with
// its resolved template, leaving the call site's own dependency/output/
// lifecycle/dod/loop/on_error wiring untouched, per SPEC_FULL.md §4.16.
// It runs before graph.Build/validator.Validate so the splice is fully
// visible to both.
func expandPredefined(wf *dsl.Workflow, loader *predefined.Loader) error {
	var walk func(tasks map[string]*dsl.Task) error
	walk = func(tasks map[string]*dsl.Task) error {
		for name, t := range tasks {
			if t.Predefined != nil {
				resolved, err := loader.Resolve(context.Background(), t.Predefined)
				if err != nil {
					return fmt.Errorf("task %q: %w", name, err)
				}
				t.Agent = resolved.Agent
				t.Prompt = resolved.Prompt
				t.Subtasks = resolved.Subtasks
				t.Script = resolved.Script
				t.Command = resolved.Command
				t.HTTP = resolved.HTTP
				t.MCPTool = resolved.MCPTool
				if t.Input == nil {
					t.Input = resolved.Input
				}
				t.Predefined = nil
			}
			if len(t.Subtasks) > 0 {
				if err := walk(t.Subtasks); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(wf.Tasks)
}

func logError(format string, args ...any) {
	// Prints a best-effort "executor: "-prefixed line to stdout for
	// failures that do not fail the task (checkpoint writes, output
	// persistence, notification dispatch); it does not go through
	// internal/logging.
	fmtErr := fmt.Sprintf(format, args...)
	fmt.Println("executor:", fmtErr)
}

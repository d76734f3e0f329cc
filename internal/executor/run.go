package executor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/dod"
	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/graph"
	"github.com/loomwork/loom/internal/hooks"
	"github.com/loomwork/loom/internal/loop"
	"github.com/loomwork/loom/internal/notifications"
	"github.com/loomwork/loom/internal/recovery"
	"github.com/loomwork/loom/internal/state"
	"github.com/loomwork/loom/internal/transport"
	"github.com/loomwork/loom/internal/variables"
)

// maxGlobalParallel is the workflow-wide concurrent task dispatch cap,
// independent of any individual parallel_with/loop max_parallel bound.
const maxGlobalParallel = 100

// Execute runs pre_workflow hooks, drives the scheduler loop to a
// terminal graph state, runs post_workflow hooks whatever the outcome
// and on_error hooks as well on failure, and returns the first task
// failure that was not absorbed by a recovery strategy.
func (e *Executor) Execute(ctx context.Context) error {
	env := hooks.Env{WorkflowName: e.wf.Name, Stage: "pre_workflow"}
	if e.wf.Hooks != nil {
		hooks.Run(ctx, e.wf.Hooks.Pre, env)
	}

	sem := make(chan struct{}, maxGlobalParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	dispatched := map[string]bool{}

	for !e.graph.Terminal() {
		ready := e.graph.ReadySet()
		if len(ready) == 0 {
			break
		}
		for _, n := range ready {
			mu.Lock()
			already := dispatched[n.ID]
			if !already {
				dispatched[n.ID] = true
				n.Status = dsl.StatusRunning
			}
			mu.Unlock()
			if already {
				continue
			}

			batch := e.graph.Batch(n)
			for _, bn := range batch {
				mu.Lock()
				if dispatched[bn.ID] && bn.ID != n.ID {
					mu.Unlock()
					continue
				}
				dispatched[bn.ID] = true
				bn.Status = dsl.StatusRunning
				mu.Unlock()

				wg.Add(1)
				sem <- struct{}{}
				go func(node *graph.Node) {
					defer wg.Done()
					defer func() { <-sem }()
					err := func() (err error) {
						defer func() {
							if r := recover(); r != nil {
								node.Status = dsl.StatusFailed
								err = fmt.Errorf("task %q: panic: %v", node.ID, r)
							}
						}()
						return e.runTask(ctx, node)
					}()
					mu.Lock()
					if err != nil && firstErr == nil {
						firstErr = err
					}
					if e.stateOn {
						ts := e.stateStore.SetTask(node.ID, node.Status)
						ts.Attempts = node.Attempts
						if err != nil {
							ts.LastError = err.Error()
						}
						if cerr := e.stateStore.Checkpoint(); cerr != nil {
							logError("checkpoint after task %q: %v", node.ID, cerr)
						}
					}
					mu.Unlock()
				}(bn)
			}
		}
		wg.Wait()
	}

	failed := e.graph.AnyFailed() || firstErr != nil
	if e.wf.Hooks != nil {
		errMsg := ""
		if firstErr != nil {
			errMsg = firstErr.Error()
		}
		hooks.Run(ctx, e.wf.Hooks.Post, hooks.Env{WorkflowName: e.wf.Name, Stage: "post_workflow", Error: errMsg})
		if failed {
			hooks.Run(ctx, e.wf.Hooks.Error, hooks.Env{WorkflowName: e.wf.Name, Stage: "on_error", Error: errMsg})
		}
	}

	if e.stateOn {
		finalStatus := state.StatusCompleted
		if failed {
			finalStatus = state.StatusFailed
		}
		e.stateStore.SetStatus(finalStatus)
		if err := e.stateStore.Checkpoint(); err != nil {
			logError("final checkpoint: %v", err)
		}
	}

	return firstErr
}

// runTask dispatches one node's task body through its declared
// on_error recovery strategy (and, when present, loop/dod wrapping),
// fires lifecycle notifications around the attempt, and records the
// node's terminal status.
func (e *Executor) runTask(ctx context.Context, n *graph.Node) error {
	t := n.Task
	vars := e.vars.Snapshot()
	for k, v := range t.Input {
		vars.Insert(variables.ScopeTask, k, v)
	}

	e.fireLifecycle(ctx, t.Lifecycle.OnStart, vars, nil)

	strategy := recovery.Derive(t.OnError)

	attempt := func(ctx context.Context) (any, error) {
		n.Attempts++
		return e.dispatchMode(ctx, n, vars)
	}
	var fallback recovery.Attempt
	if strategy.Kind == recovery.StrategyFallback && strategy.FallbackAgent != "" {
		fallback = func(ctx context.Context) (any, error) {
			rt, ok := e.agents[strategy.FallbackAgent]
			if !ok {
				return nil, fmt.Errorf("task %q: fallback agent %q not declared", t.ID, strategy.FallbackAgent)
			}
			prompt, err := vars.InterpolateString(t.Prompt)
			if err != nil {
				return nil, err
			}
			msg, err := rt.Query(ctx, prompt)
			if err != nil {
				return nil, err
			}
			return extractText(msg), nil
		}
	}

	outcome := recovery.Run(ctx, strategy, attempt, fallback)

	if outcome.Err != nil && !outcome.Skipped {
		n.Status = dsl.StatusFailed
		e.fireLifecycle(ctx, t.Lifecycle.OnErrorActs, vars, outcome.Err)
		return fmt.Errorf("task %q: %w", t.ID, outcome.Err)
	}

	if outcome.Skipped {
		n.Status = dsl.StatusSkipped
		return nil
	}

	if t.DoD != nil {
		if err := e.runDoD(ctx, n, vars); err != nil {
			n.Status = dsl.StatusFailed
			e.fireLifecycle(ctx, t.Lifecycle.OnErrorActs, vars, err)
			return fmt.Errorf("task %q: dod: %w", t.ID, err)
		}
	}

	e.mu.Lock()
	e.taskOutputs[t.ID] = outcome.Output
	e.mu.Unlock()

	if t.Output != nil {
		if err := e.persistOutput(t, outcome.Output); err != nil {
			logError("persisting output for task %q: %v", t.ID, err)
		}
	}

	n.Status = dsl.StatusCompleted
	e.fireLifecycle(ctx, t.Lifecycle.OnComplete, vars, nil)
	return nil
}

// dispatchMode runs the single populated execution mode on t, per
// ExecutionMode's closed set. A task with a Loop wraps this dispatch as
// its loop body instead of running it once directly.
func (e *Executor) dispatchMode(ctx context.Context, n *graph.Node, vars *variables.Context) (any, error) {
	t := n.Task
	if t.Loop != nil {
		return e.runLoop(ctx, n, vars)
	}
	return e.runOnce(ctx, t, vars)
}

func (e *Executor) runOnce(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	mode, err := t.ExecutionMode()
	if err != nil {
		return nil, err
	}

	switch mode {
	case dsl.ModeAgent:
		return e.runAgent(ctx, t, vars)
	case dsl.ModeSubtasks:
		// Flattened children run as their own graph nodes, each depending
		// on this one; the container itself does no work.
		return nil, nil
	case dsl.ModeScript:
		return e.runScript(ctx, t, vars)
	case dsl.ModeCommand:
		return e.runCommand(ctx, t, vars)
	case dsl.ModeHTTP:
		return e.runHTTP(ctx, t, vars)
	case dsl.ModeMCPTool:
		return e.runMCPTool(ctx, t, vars)
	case dsl.ModeSubflow:
		return nil, fmt.Errorf("task %q: subflow tasks must be inlined at parse time", t.ID)
	case dsl.ModePredefined:
		return nil, fmt.Errorf("task %q: predefined task was not expanded before execution", t.ID)
	default:
		return nil, fmt.Errorf("task %q: unsupported execution mode %q", t.ID, mode)
	}
}

func (e *Executor) runAgent(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	rt, ok := e.agents[t.Agent]
	if !ok {
		return nil, fmt.Errorf("task %q: agent %q not declared", t.ID, t.Agent)
	}
	prompt, err := vars.InterpolateString(t.Prompt)
	if err != nil {
		return nil, err
	}
	msg, err := rt.Query(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return extractText(msg), nil
}

// extractText joins every text content block of an agent's final result
// message, matching how a prompt's plain-text answer is normally shaped.
func extractText(msg *transport.Message) any {
	if msg == nil {
		return nil
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// runScript writes the interpolated script body to a real temp file and
// executes it with the declared interpreter. A real filesystem (not the
// afero abstraction used elsewhere) is required here since exec.Command
// needs an actual path and file descriptor, not an in-memory handle.
func (e *Executor) runScript(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	spec := t.Script
	body, err := vars.InterpolateString(spec.Body)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "loom-script-*")
	if err != nil {
		return nil, fmt.Errorf("creating script workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "script")
	if err := os.WriteFile(scriptPath, []byte(body), 0o700); err != nil {
		return nil, fmt.Errorf("writing script file: %w", err)
	}

	interpreter := spec.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}

	runCtx := ctx
	if spec.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, interpreter, scriptPath)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		iv, err := vars.InterpolateString(v)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, k+"="+iv)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("script exited non-zero: %w", err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (e *Executor) runCommand(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	spec := t.Command
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("task %q: command has an empty argv", t.ID)
	}
	argv := make([]string, len(spec.Argv))
	for i, a := range spec.Argv {
		iv, err := vars.InterpolateString(a)
		if err != nil {
			return nil, err
		}
		argv[i] = iv
	}

	runCtx := ctx
	if spec.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		iv, err := vars.InterpolateString(v)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, k+"="+iv)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command exited non-zero: %w", err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (e *Executor) runHTTP(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	spec := t.HTTP
	url, err := vars.InterpolateString(spec.URL)
	if err != nil {
		return nil, err
	}
	body := spec.Body
	if body != "" {
		ivBody, err := vars.InterpolateString(body)
		if err != nil {
			return nil, err
		}
		body = ivBody
	}

	runCtx := ctx
	if spec.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	req, err := http.NewRequestWithContext(runCtx, spec.Method, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building http request: %w", err)
	}
	for k, v := range spec.Headers {
		iv, err := vars.InterpolateString(v)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, iv)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if len(spec.AcceptStatus) > 0 {
		if !containsInt(spec.AcceptStatus, resp.StatusCode) {
			return nil, fmt.Errorf("http response status %d not in accept_status %v", resp.StatusCode, spec.AcceptStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http response status %d", resp.StatusCode)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(buf), nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (e *Executor) runMCPTool(ctx context.Context, t *dsl.Task, vars *variables.Context) (any, error) {
	spec := *t.MCPTool
	params := make(map[string]any, len(spec.Params))
	for k, v := range spec.Params {
		if s, ok := v.(string); ok {
			iv, err := vars.InterpolateString(s)
			if err != nil {
				return nil, err
			}
			params[k] = iv
			continue
		}
		params[k] = v
	}
	spec.Params = params
	return e.mcp.CallTool(ctx, spec)
}

// runLoop threads the Loop Controller through one task's body, feeding
// it the resolved collection (for for_each) and checkpointing through
// the state store when persistence is enabled.
func (e *Executor) runLoop(ctx context.Context, n *graph.Node, vars *variables.Context) (any, error) {
	t := n.Task
	l := t.Loop

	var collection []any
	if l.Kind == "for_each" {
		resolved, err := loop.ResolveCollection(ctx, l.Collection, loop.Resolver{
			TaskOutput: e.taskOutput,
			StateValue: e.stateValue,
			ReadFile:   func(path string) ([]byte, error) { return afero.ReadFile(e.opts.Fs, path) },
			HTTPClient: http.DefaultClient,
		})
		if err != nil {
			return nil, err
		}
		collection = resolved
	}

	result, err := loop.Run(ctx, loop.RunOptions{
		Loop:       l,
		Collection: collection,
		BaseVars:   vars.AsMap(),
		Dispatch: func(ctx context.Context, iteration int, iterVars map[string]any) (any, error) {
			iterCtx := vars.Snapshot()
			for k, v := range iterVars {
				iterCtx.Insert(variables.ScopeTask, k, v)
			}
			return e.runOnce(ctx, t, iterCtx)
		},
		Checkpoint: func(iteration int, collected []any) error {
			if !e.stateOn {
				return nil
			}
			ts := e.stateStore.SetTask(t.ID, dsl.StatusRunning)
			ts.LoopIteration = iteration
			ts.LoopCollected = collected
			return e.stateStore.Checkpoint()
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Collected, nil
}

func (e *Executor) taskOutput(id string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.taskOutputs[id]
	return v, ok
}

func (e *Executor) stateValue(key string) (any, bool) {
	if !e.stateOn {
		return nil, false
	}
	doc := e.stateStore.Document()
	if doc == nil {
		return nil, false
	}
	v, ok := doc.Metadata[key]
	return v, ok
}

// runDoD evaluates a task's definition-of-done predicates, retrying the
// task body (with feedback) through the evaluator's Retry hook.
func (e *Executor) runDoD(ctx context.Context, n *graph.Node, vars *variables.Context) error {
	t := n.Task
	var elevator interface {
		ElevatePermission() dsl.PermissionMode
		ResetPermission()
	}
	if t.Agent != "" {
		if rt, ok := e.agents[t.Agent]; ok {
			elevator = rt
		}
	}

	deps := dod.Deps{
		Fs:         e.opts.Fs,
		StateValue: e.stateValue,
		TaskOutput: e.taskOutput,
		HTTPClient: http.DefaultClient,
		RunCommand: func(ctx context.Context, name string, args []string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}

	retry := func(ctx context.Context, feedback []string, elevated bool) (any, error) {
		retryVars := vars.Snapshot()
		retryVars.Insert(variables.ScopeTask, "dod_feedback", strings.Join(feedback, "; "))
		return e.runOnce(ctx, t, retryVars)
	}

	return dod.Evaluate(ctx, t.DoD, deps, elevator, retry)
}

// fireLifecycle dispatches every Notify attached to one lifecycle point.
func (e *Executor) fireLifecycle(ctx context.Context, notifies []dsl.Notify, vars *variables.Context, taskErr error) {
	if len(notifies) == 0 || e.router == nil {
		return
	}
	m := vars.AsMap()
	if taskErr != nil {
		m["error"] = taskErr.Error()
	}
	for i := range notifies {
		if err := notifications.Dispatch(ctx, e.router, &notifies[i], m, vars.InterpolateString); err != nil {
			logError("notification dispatch failed: %v", err)
		}
	}
}

// persistOutput writes a completed task's output to its declared
// destination(s): a file, a state-store key, or nothing beyond the
// in-memory task-result map already populated by runTask.
func (e *Executor) persistOutput(t *dsl.Task, output any) error {
	dest := t.Output
	if dest.File != "" {
		data := fmt.Sprint(output)
		if err := afero.WriteFile(e.opts.Fs, dest.File, []byte(data), 0o644); err != nil {
			return err
		}
	}
	if dest.StateKey != "" && e.stateOn {
		doc := e.stateStore.Document()
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any)
		}
		doc.Metadata[dest.StateKey] = output
	}
	return nil
}


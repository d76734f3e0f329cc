// Package hooks runs the shell-command lifecycle hooks declared on a
// workflow (pre_workflow, post_workflow, on_error), each with a minimal
// environment augmented by the
// running workflow's name, stage, and last error.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/loomwork/loom/internal/logging"
)

// Env carries the fields every hook invocation is augmented with.
type Env struct {
	WorkflowName string
	Stage        string
	Error        string
}

// Result is one hook command's captured outcome.
type Result struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

// Run executes each command in sequence with env injected, logging
// stdout/stderr and continuing past failures: a failing hook never
// aborts the caller, it only produces a non-nil Err in its Result.
func Run(ctx context.Context, commands []string, env Env) []Result {
	results := make([]Result, 0, len(commands))
	for _, c := range commands {
		r := runOne(ctx, c, env)
		if r.Err != nil {
			logging.Error("hook %q (%s) failed: %v; stdout=%q stderr=%q", c, env.Stage, r.Err, r.Stdout, r.Stderr)
		} else {
			logging.Debug("hook %q (%s) completed; stdout=%q stderr=%q", c, env.Stage, r.Stdout, r.Stderr)
		}
		results = append(results, r)
	}
	return results
}

func runOne(ctx context.Context, command string, env Env) Result {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("WORKFLOW_NAME=%s", env.WorkflowName),
		fmt.Sprintf("WORKFLOW_STAGE=%s", env.Stage),
		fmt.Sprintf("WORKFLOW_ERROR=%s", env.Error),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Result{Command: command, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

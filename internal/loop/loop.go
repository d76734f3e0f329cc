// Package loop implements the Loop Controller: for-each/while/repeat/
// repeat-until iteration over a task body, with break/continue
// predicates, an overall timeout, parallel bounded execution, and
// periodic checkpointing.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomwork/loom/internal/condition"
	"github.com/loomwork/loom/internal/dsl"
)

// ErrorKind is the stable taxonomy for LoopError.
type ErrorKind string

const (
	ErrTimeout       ErrorKind = "timeout"
	ErrMaxIterations ErrorKind = "max_iterations_exceeded"
)

// Error wraps a loop-controller failure with its stable kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("loop: %s: %s", e.Kind, e.Msg) }

// Dispatch runs one loop body iteration. iterVars carries "item" and
// "iteration" (for for-each) on top of the caller's base variables, and
// its return value becomes that iteration's collected result.
type Dispatch func(ctx context.Context, iteration int, vars map[string]any) (any, error)

// Checkpoint persists progress every CheckpointInterval iterations.
type Checkpoint func(iteration int, collected []any) error

// RunOptions configures one loop execution.
type RunOptions struct {
	Loop       *dsl.Loop
	Collection []any // pre-resolved for-each items; unused for other kinds
	BaseVars   map[string]any
	Dispatch   Dispatch
	Checkpoint Checkpoint
	ResumeFrom int // iteration index to resume from (skips 0..ResumeFrom-1)
}

// Result is the loop's outcome.
type Result struct {
	Iterations int
	Collected  []any
	BrokeEarly bool
}

// Run executes the loop described by opts.Loop to completion, timeout,
// or an early break/continue-driven exit.
func Run(ctx context.Context, opts RunOptions) (*Result, error) {
	l := opts.Loop
	if l == nil {
		return nil, fmt.Errorf("loop: no loop definition")
	}

	if l.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(l.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	switch l.Kind {
	case "for_each":
		return runForEach(ctx, opts)
	case "repeat":
		return runRepeat(ctx, opts)
	case "while":
		return runWhile(ctx, opts, false)
	case "repeat_until":
		return runWhile(ctx, opts, true)
	default:
		return nil, fmt.Errorf("loop: unknown loop kind %q", l.Kind)
	}
}

func runForEach(ctx context.Context, opts RunOptions) (*Result, error) {
	l := opts.Loop
	items := opts.Collection
	if l.MaxIterations > 0 && len(items) > l.MaxIterations {
		items = items[:l.MaxIterations]
	}

	if l.Parallel {
		return runForEachParallel(ctx, opts, items)
	}

	collected := make([]any, 0, len(items))
	for i, item := range items {
		if i < opts.ResumeFrom {
			continue
		}
		if err := checkDeadline(ctx); err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}

		vars := withLoopVars(opts.BaseVars, item, i)
		out, err := opts.Dispatch(ctx, i, vars)
		if err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}
		if l.CollectResults {
			collected = append(collected, out)
		}

		brk, cont, err := evalBreakContinue(l, vars)
		if err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if err := maybeCheckpoint(opts, l, i+1, collected); err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if brk {
			return &Result{Iterations: i + 1, Collected: collected, BrokeEarly: true}, nil
		}
		if cont {
			continue
		}
		if l.DelayBetweenSecs > 0 {
			if err := sleepOrDone(ctx, l.DelayBetweenSecs); err != nil {
				return &Result{Iterations: i + 1, Collected: collected}, err
			}
		}
	}
	return &Result{Iterations: len(items), Collected: collected}, nil
}

// runForEachParallel runs iterations concurrently, bounded by a counting
// semaphore of size max_parallel, and accumulates results by iteration
// index (not completion order) so collect_results stays deterministic.
func runForEachParallel(ctx context.Context, opts RunOptions, items []any) (*Result, error) {
	l := opts.Loop
	maxParallel := l.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sem := make(chan struct{}, maxParallel)
	collected := make([]any, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if i < opts.ResumeFrom {
			continue
		}
		if err := checkDeadline(ctx); err != nil {
			wg.Wait()
			return buildParallelResult(collected, errs, opts.ResumeFrom), err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			vars := withLoopVars(opts.BaseVars, item, i)
			out, err := opts.Dispatch(ctx, i, vars)
			if err != nil {
				errs[i] = err
				return
			}
			if l.CollectResults {
				collected[i] = out
			}
		}(i, item)
	}
	wg.Wait()

	result := buildParallelResult(collected, errs, opts.ResumeFrom)
	for _, err := range errs {
		if err != nil {
			return result, err
		}
	}
	if err := maybeCheckpoint(opts, l, result.Iterations, result.Collected); err != nil {
		return result, err
	}
	return result, nil
}

func buildParallelResult(collected []any, errs []error, resumeFrom int) *Result {
	out := collected
	if resumeFrom > 0 && resumeFrom <= len(collected) {
		out = append([]any{}, collected[resumeFrom:]...)
	}
	return &Result{Iterations: len(collected), Collected: out}
}

func runRepeat(ctx context.Context, opts RunOptions) (*Result, error) {
	l := opts.Loop
	n := l.Count
	collected := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if i < opts.ResumeFrom {
			continue
		}
		if err := checkDeadline(ctx); err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}
		vars := withLoopVars(opts.BaseVars, nil, i)
		out, err := opts.Dispatch(ctx, i, vars)
		if err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}
		if l.CollectResults {
			collected = append(collected, out)
		}
		brk, cont, err := evalBreakContinue(l, vars)
		if err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if err := maybeCheckpoint(opts, l, i+1, collected); err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if brk {
			return &Result{Iterations: i + 1, Collected: collected, BrokeEarly: true}, nil
		}
		if cont {
			continue
		}
		if l.DelayBetweenSecs > 0 {
			if err := sleepOrDone(ctx, l.DelayBetweenSecs); err != nil {
				return &Result{Iterations: i + 1, Collected: collected}, err
			}
		}
	}
	return &Result{Iterations: n, Collected: collected}, nil
}

// runWhile implements both While (condition checked before the body)
// and RepeatUntil (condition checked after), per SPEC_FULL.md §4.8.
func runWhile(ctx context.Context, opts RunOptions, untilAfter bool) (*Result, error) {
	l := opts.Loop
	if l.MaxIterations <= 0 {
		return nil, fmt.Errorf("loop: %s requires max_iterations", l.Kind)
	}

	collected := make([]any, 0)
	for i := 0; i < l.MaxIterations; i++ {
		if err := checkDeadline(ctx); err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}

		vars := withLoopVars(opts.BaseVars, nil, i)

		if !untilAfter {
			ok, err := condition.Evaluate(l.Condition, vars)
			if err != nil {
				return &Result{Iterations: i, Collected: collected}, err
			}
			if !ok {
				return &Result{Iterations: i, Collected: collected}, nil
			}
		}

		out, err := opts.Dispatch(ctx, i, vars)
		if err != nil {
			return &Result{Iterations: i, Collected: collected}, err
		}
		if l.CollectResults {
			collected = append(collected, out)
		}

		brk, cont, err := evalBreakContinue(l, vars)
		if err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if err := maybeCheckpoint(opts, l, i+1, collected); err != nil {
			return &Result{Iterations: i + 1, Collected: collected}, err
		}
		if brk {
			return &Result{Iterations: i + 1, Collected: collected, BrokeEarly: true}, nil
		}

		if untilAfter && !cont {
			ok, err := condition.Evaluate(l.Condition, vars)
			if err != nil {
				return &Result{Iterations: i + 1, Collected: collected}, err
			}
			if ok {
				return &Result{Iterations: i + 1, Collected: collected}, nil
			}
		}

		if cont {
			continue
		}
		if l.DelayBetweenSecs > 0 {
			if err := sleepOrDone(ctx, l.DelayBetweenSecs); err != nil {
				return &Result{Iterations: i + 1, Collected: collected}, err
			}
		}
	}
	return &Result{Iterations: l.MaxIterations, Collected: collected},
		&Error{Kind: ErrMaxIterations, Msg: fmt.Sprintf("%s reached max_iterations=%d without satisfying its condition", l.Kind, l.MaxIterations)}
}

func withLoopVars(base map[string]any, item any, iteration int) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["item"] = item
	out["iteration"] = iteration
	return out
}

func evalBreakContinue(l *dsl.Loop, vars map[string]any) (brk, cont bool, err error) {
	if l.BreakCondition != "" {
		brk, err = condition.Evaluate(l.BreakCondition, vars)
		if err != nil {
			return false, false, fmt.Errorf("loop: break_condition: %w", err)
		}
		if brk {
			return true, false, nil
		}
	}
	if l.ContinueCondition != "" {
		cont, err = condition.Evaluate(l.ContinueCondition, vars)
		if err != nil {
			return false, false, fmt.Errorf("loop: continue_condition: %w", err)
		}
	}
	return false, cont, nil
}

func maybeCheckpoint(opts RunOptions, l *dsl.Loop, iteration int, collected []any) error {
	if opts.Checkpoint == nil || l.CheckpointInterval <= 0 {
		return nil
	}
	if iteration%l.CheckpointInterval != 0 {
		return nil
	}
	return opts.Checkpoint(iteration, collected)
}

func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &Error{Kind: ErrTimeout, Msg: "loop exceeded timeout_secs"}
		}
		return ctx.Err()
	default:
		return nil
	}
}

func sleepOrDone(ctx context.Context, secs float64) error {
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return checkDeadline(ctx)
	}
}

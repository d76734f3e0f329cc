// Package recovery derives and drives the retry/fallback/skip/abort
// strategy a failed task follows, per its declared on_error spec.
package recovery

import (
	"context"
	"math"
	"time"

	"github.com/loomwork/loom/internal/dsl"
)

// StrategyKind is the closed set of recovery strategies.
type StrategyKind string

const (
	StrategyFallback StrategyKind = "fallback"
	StrategyRetry    StrategyKind = "retry"
	StrategySkip     StrategyKind = "skip"
	StrategyAbort    StrategyKind = "abort"
)

// Strategy is the resolved recovery behavior for a task's on_error spec.
type Strategy struct {
	Kind          StrategyKind
	FallbackAgent string
	MaxAttempts   int
	DelayBaseSecs float64
	Exponential   bool
}

// Derive picks the strategy a given on_error spec implies, following
// the fixed priority order: fallback_agent, then retry, then
// skip_on_error, then abort.
func Derive(onError *dsl.OnError) Strategy {
	if onError == nil {
		return Strategy{Kind: StrategyAbort}
	}
	if onError.FallbackAgent != "" {
		return Strategy{Kind: StrategyFallback, FallbackAgent: onError.FallbackAgent}
	}
	if onError.Retry > 0 {
		return Strategy{
			Kind:          StrategyRetry,
			MaxAttempts:   onError.Retry,
			DelayBaseSecs: onError.DelayBaseSecs,
			Exponential:   onError.Exponential,
		}
	}
	if onError.SkipOnError {
		return Strategy{Kind: StrategySkip}
	}
	return Strategy{Kind: StrategyAbort}
}

// ShouldRetry reports whether another attempt is permitted under s.
func (s Strategy) ShouldRetry(attempt int) bool {
	return s.Kind == StrategyRetry && attempt <= s.MaxAttempts
}

// Delay computes the backoff before attempt, capped at 60s when the
// strategy is exponential.
func (s Strategy) Delay(attempt int) time.Duration {
	base := s.DelayBaseSecs
	if base <= 0 {
		return 0
	}
	secs := base
	if s.Exponential {
		secs = base * math.Pow(2, float64(attempt))
		if secs > 60 {
			secs = 60
		}
	}
	return time.Duration(secs * float64(time.Second))
}

// Attempt is one try of a task body; it returns the task's output or an
// error.
type Attempt func(ctx context.Context) (any, error)

// Outcome records what Run ultimately decided for the task.
type Outcome struct {
	Output  any
	Skipped bool
	Err     error
}

// Run drives attempt through s's retry policy, falling back to
// fallbackAttempt (run at most once, with the attempt counter preserved
// rather than reset) when retries are exhausted and a fallback agent is
// configured, and marking the task Skipped when s is StrategySkip.
func Run(ctx context.Context, s Strategy, attempt Attempt, fallbackAttempt Attempt) Outcome {
	out, err := attempt(ctx)
	if err == nil {
		return Outcome{Output: out}
	}

	switch s.Kind {
	case StrategySkip:
		return Outcome{Skipped: true, Err: err}

	case StrategyFallback:
		if fallbackAttempt == nil {
			return Outcome{Err: err}
		}
		out, ferr := fallbackAttempt(ctx)
		if ferr != nil {
			return Outcome{Err: ferr}
		}
		return Outcome{Output: out}

	case StrategyRetry:
		for n := 1; s.ShouldRetry(n); n++ {
			if d := s.Delay(n); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return Outcome{Err: ctx.Err()}
				}
			}
			out, err = attempt(ctx)
			if err == nil {
				return Outcome{Output: out}
			}
		}
		if fallbackAttempt != nil {
			out, ferr := fallbackAttempt(ctx)
			if ferr != nil {
				return Outcome{Err: ferr}
			}
			return Outcome{Output: out}
		}
		return Outcome{Err: err}

	default:
		return Outcome{Err: err}
	}
}

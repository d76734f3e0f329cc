// Package notifications implements the Notification Router: fan-out of
// one logical Notify dispatch across its configured channels, each with
// its own retry policy, condition gate, and title/body interpolation
// against task metadata, per SPEC_FULL.md §4.11.
package notifications

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/internal/condition"
	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/logging"
)

var tracer = otel.Tracer("loom.notifications")

// ErrorKind is the stable taxonomy for Error.
type ErrorKind string

const (
	ErrUnknownChannel ErrorKind = "unknown_channel"
	ErrDeliveryFailed ErrorKind = "delivery_failed"
)

// Error wraps a channel delivery failure with its stable kind.
type Error struct {
	Kind    ErrorKind
	Channel string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("notifications: %s: channel %q: %v", e.Kind, e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the resolved, interpolated payload handed to a Sink.
type Message struct {
	Title    string
	Body     string
	Priority dsl.Priority
	Fields   map[string]any
}

// Sink delivers one Message over one channel kind.
type Sink interface {
	// Kind is the closed-set channel discriminator this sink handles
	// (console, file, ntfy, slack, discord, webhook, email, sms, mcp_tool).
	Kind() string
	Send(ctx context.Context, msg Message) error
}

// Router fans a Notify block out to its configured channels by kind.
type Router struct {
	sinks map[string]Sink
}

// NewRouter returns a Router with the given sinks registered by Kind().
func NewRouter(sinks ...Sink) *Router {
	r := &Router{sinks: make(map[string]Sink, len(sinks))}
	for _, s := range sinks {
		r.sinks[s.Kind()] = s
	}
	return r
}

// Dispatch evaluates n's condition, then delivers to every configured
// channel, interpolating title and body first (each channel's fields are
// passed through as declared). Per-
// channel failures are collected; Dispatch returns a non-nil error only
// if n.FailOnError is set and at least one channel failed.
func Dispatch(ctx context.Context, r *Router, n *dsl.Notify, vars map[string]any, interpolate func(string) (string, error)) error {
	if n.Condition != "" {
		ok, err := condition.Evaluate(n.Condition, vars)
		if err != nil {
			return fmt.Errorf("notifications: evaluating condition: %w", err)
		}
		if !ok {
			return nil
		}
	}

	title, err := interpolate(n.Title)
	if err != nil {
		return fmt.Errorf("notifications: interpolating title: %w", err)
	}
	body, err := interpolate(n.Body)
	if err != nil {
		return fmt.Errorf("notifications: interpolating body: %w", err)
	}

	var failures []error
	for _, ch := range n.Channels {
		sink, ok := r.sinks[ch.Kind]
		if !ok {
			failures = append(failures, &Error{Kind: ErrUnknownChannel, Channel: ch.Kind, Err: fmt.Errorf("no sink registered")})
			continue
		}
		msg := Message{Title: title, Body: body, Priority: n.Priority, Fields: ch.Fields}
		if err := deliverWithRetry(ctx, sink, msg, n.Retry); err != nil {
			logging.Error("notify channel %q failed: %v", ch.Kind, err)
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 && n.FailOnError {
		return fmt.Errorf("notifications: %d channel(s) failed, first: %w", len(failures), failures[0])
	}
	return nil
}

func deliverWithRetry(ctx context.Context, sink Sink, msg Message, policy *dsl.RetryPolicy) error {
	maxAttempts := 1
	baseDelay := 0.0
	exponential := false
	timeout := 0.0
	if policy != nil {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		baseDelay = policy.BaseDelaySecs
		exponential = policy.Exponential
		timeout = policy.TimeoutSecs
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		}

		spanCtx, span := tracer.Start(attemptCtx, "notify."+sink.Kind(),
			trace.WithAttributes(
				attribute.String("notify.channel", sink.Kind()),
				attribute.Int("notify.attempt", attempt),
			),
		)
		err := sink.Send(spanCtx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "delivered")
		}
		span.End()
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		lastErr = &Error{Kind: ErrDeliveryFailed, Channel: sink.Kind(), Err: err}

		if attempt < maxAttempts {
			delay := delayFor(baseDelay, exponential, attempt)
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				}
			}
		}
	}
	return lastErr
}

func delayFor(base float64, exponential bool, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	secs := base
	if exponential {
		for i := 1; i < attempt; i++ {
			secs *= 2
		}
		if secs > 60 {
			secs = 60
		}
	}
	return time.Duration(secs * float64(time.Second))
}

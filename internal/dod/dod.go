// Package dod implements the Definition-of-Done evaluator: a closed set
// of post-execution predicates checked against the filesystem, state,
// task output, and an optional HTTP probe, with a retry-with-feedback
// policy and optional permission auto-elevation.
package dod

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/dsl"
	"github.com/loomwork/loom/internal/logging"
)

// ErrorKind is the stable taxonomy for Error.
type ErrorKind string

const (
	ErrUnmet        ErrorKind = "unmet"
	ErrUnknownKind  ErrorKind = "unknown_predicate"
)

// Error reports the predicates still unmet once retries are exhausted.
type Error struct {
	Kind   ErrorKind
	Unmet  []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dod: %s: %s", e.Kind, strings.Join(e.Unmet, "; "))
}

// PermissionElevator is implemented by an agent runtime so the evaluator
// can request a temporary elevation before a feedback retry.
type PermissionElevator interface {
	ElevatePermission() dsl.PermissionMode
	ResetPermission()
}

// Deps are the evaluator's external collaborators, each optional: a nil
// Fs, HTTPClient or RunCommand falls back to the OS filesystem,
// http.DefaultClient and os/exec respectively, while a state_equals or
// output_matches predicate whose resolver is nil fails with a
// descriptive message rather than panicking.
type Deps struct {
	Fs         afero.Fs
	StateValue func(key string) (any, bool)
	TaskOutput func(key string) (any, bool)
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args []string) error
}

// Retry re-executes the task body with feedback naming the unmet
// predicates; returning the body's fresh output (or error).
type Retry func(ctx context.Context, feedback []string, elevated bool) (any, error)

// Evaluate runs dod.Predicates against deps, retrying the task body via
// retry up to dod.MaxRetries times (each retry preceded by feedback
// describing what was unmet), auto-elevating permissions on retries
// whose failures look permission/file-access related when configured.
// Returns nil once every predicate passes; otherwise an *Error (if
// fail_on_unmet, the default) or, when fail_on_unmet is false, nil after
// logging a warning that lists the unmet predicates.
func Evaluate(ctx context.Context, d *dsl.DoD, deps Deps, elevator PermissionElevator, retry Retry) error {
	if d == nil || len(d.Predicates) == 0 {
		return nil
	}

	maxRetries := d.MaxRetries
	if maxRetries == 0 {
		maxRetries = 1
	}
	failOnUnmet := true
	if d.FailOnUnmet != nil {
		failOnUnmet = *d.FailOnUnmet
	}

	unmet := checkAll(ctx, d.Predicates, deps)
	attempt := 0
	for len(unmet) > 0 && attempt < maxRetries {
		attempt++
		elevated := false
		if d.AutoElevatePermissions && elevator != nil && looksPermissionRelated(unmet) {
			elevator.ElevatePermission()
			elevated = true
		}
		if retry != nil {
			if _, err := retry(ctx, unmet, elevated); err != nil {
				if elevated {
					elevator.ResetPermission()
				}
				return fmt.Errorf("dod: retry attempt %d failed: %w", attempt, err)
			}
		}
		if elevated {
			elevator.ResetPermission()
		}
		unmet = checkAll(ctx, d.Predicates, deps)
	}

	if len(unmet) == 0 {
		return nil
	}
	if failOnUnmet {
		return &Error{Kind: ErrUnmet, Unmet: unmet}
	}
	logging.Warn("dod: task completed with unmet predicates (fail_on_unmet=false): %s", strings.Join(unmet, "; "))
	return nil
}

func checkAll(ctx context.Context, predicates []dsl.DoDPredicate, deps Deps) []string {
	var unmet []string
	for _, p := range predicates {
		if msg := check(ctx, p, deps); msg != "" {
			unmet = append(unmet, msg)
		}
	}
	return unmet
}

// check runs one predicate, returning "" on success or a textual failure
// message naming the failing criterion.
func check(ctx context.Context, p dsl.DoDPredicate, deps Deps) string {
	switch p.Kind {
	case "file_exists":
		return checkFileExists(p, deps)
	case "file_contains":
		return checkFileContains(p, deps)
	case "directory_exists":
		return checkDirectoryExists(p, deps)
	case "command_succeeds":
		return checkCommandSucceeds(ctx, p, deps)
	case "output_matches":
		return checkOutputMatches(p, deps)
	case "state_equals":
		return checkStateEquals(p, deps)
	case "tests_pass":
		return checkTestsPass(ctx, p, deps)
	case "http_status":
		return checkHTTPStatus(p, deps)
	default:
		return fmt.Sprintf("unknown dod predicate kind %q", p.Kind)
	}
}

func fs(deps Deps) afero.Fs {
	if deps.Fs != nil {
		return deps.Fs
	}
	return afero.NewOsFs()
}

func checkFileExists(p dsl.DoDPredicate, deps Deps) string {
	ok, err := afero.Exists(fs(deps), p.Path)
	if err != nil || !ok {
		return fmt.Sprintf("file_exists(%s): file does not exist", p.Path)
	}
	return ""
}

func checkDirectoryExists(p dsl.DoDPredicate, deps Deps) string {
	info, err := fs(deps).Stat(p.Path)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("directory_exists(%s): directory does not exist", p.Path)
	}
	return ""
}

func checkFileContains(p dsl.DoDPredicate, deps Deps) string {
	data, err := afero.ReadFile(fs(deps), p.Path)
	if err != nil {
		return fmt.Sprintf("file_contains(%s, %s): could not read file: %v", p.Path, p.Pattern, err)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Sprintf("file_contains(%s, %s): invalid pattern: %v", p.Path, p.Pattern, err)
	}
	if !re.Match(data) {
		return fmt.Sprintf("file_contains(%s, %s): pattern not found", p.Path, p.Pattern)
	}
	return ""
}

func checkCommandSucceeds(ctx context.Context, p dsl.DoDPredicate, deps Deps) string {
	run := deps.RunCommand
	if run == nil {
		run = func(ctx context.Context, name string, args []string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
			return cmd.Run()
		}
	}
	if err := run(ctx, p.Command, p.Args); err != nil {
		return fmt.Sprintf("command_succeeds(%s): %v", p.Command, err)
	}
	return ""
}

func checkOutputMatches(p dsl.DoDPredicate, deps Deps) string {
	if deps.TaskOutput == nil {
		return fmt.Sprintf("output_matches(%s, %s): no task-output resolver configured", p.Key, p.Pattern)
	}
	v, ok := deps.TaskOutput(p.Key)
	if !ok {
		return fmt.Sprintf("output_matches(%s, %s): output key not found", p.Key, p.Pattern)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Sprintf("output_matches(%s, %s): invalid pattern: %v", p.Key, p.Pattern, err)
	}
	if !re.MatchString(fmt.Sprint(v)) {
		return fmt.Sprintf("output_matches(%s, %s): pattern not found in output", p.Key, p.Pattern)
	}
	return ""
}

func checkStateEquals(p dsl.DoDPredicate, deps Deps) string {
	if deps.StateValue == nil {
		return fmt.Sprintf("state_equals(%s): no state resolver configured", p.Key)
	}
	v, ok := deps.StateValue(p.Key)
	if !ok || fmt.Sprint(v) != fmt.Sprint(p.Value) {
		return fmt.Sprintf("state_equals(%s, %v): state value does not match", p.Key, p.Value)
	}
	return ""
}

func checkTestsPass(ctx context.Context, p dsl.DoDPredicate, deps Deps) string {
	run := deps.RunCommand
	if run == nil {
		run = func(ctx context.Context, name string, args []string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Dir = p.Path
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
			return cmd.Run()
		}
	}
	cmdName := p.Command
	if cmdName == "" {
		cmdName = "go"
	}
	args := p.Args
	if len(args) == 0 {
		args = []string{"test", "./..."}
	}
	if err := run(ctx, cmdName, args); err != nil {
		return fmt.Sprintf("tests_pass(%s): %v", p.Path, err)
	}
	return ""
}

func checkHTTPStatus(p dsl.DoDPredicate, deps Deps) string {
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(p.URL)
	if err != nil {
		return fmt.Sprintf("http_status(%s, %d): request failed: %v", p.URL, p.Expected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != p.Expected {
		return fmt.Sprintf("http_status(%s, %d): got %d", p.URL, p.Expected, resp.StatusCode)
	}
	return ""
}

var permissionTokens = []string{"permission", "access denied", "forbidden", "file", "directory", "read-only"}

// looksPermissionRelated scans unmet-predicate messages for tokens
// suggesting a permission/file-access failure, the trigger condition for
// auto_elevate_permissions.
func looksPermissionRelated(unmet []string) bool {
	for _, msg := range unmet {
		lower := strings.ToLower(msg)
		for _, tok := range permissionTokens {
			if strings.Contains(lower, tok) {
				return true
			}
		}
	}
	return false
}

// Package variables implements the scoped variable context and
// ${scope.key} interpolation the executor threads through every
// execution-time sink (prompts, scripts, command args, HTTP fields,
// DoD predicates, output paths).
package variables

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Scope is one of the five namespaces a value can live in.
type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeAgent    Scope = "agent"
	ScopeTask     Scope = "task"
	ScopeMetadata Scope = "metadata"
	ScopeSecret   Scope = "secret"
)

// priorityOrder is the scope search order for an unqualified ${key}.
var priorityOrder = []Scope{ScopeTask, ScopeAgent, ScopeWorkflow, ScopeMetadata}

// MaxInterpolationDepth bounds recursive substitution to catch cycles.
const MaxInterpolationDepth = 16

// ErrorKind is the stable taxonomy for VariableError.
type ErrorKind string

const (
	ErrUndefined ErrorKind = "undefined"
	ErrCycle     ErrorKind = "cycle"
	ErrTypeMismatch ErrorKind = "type_mismatch"
)

// Error is returned by interpolation and typed lookups.
type Error struct {
	Kind ErrorKind
	Path string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrCycle:
		return fmt.Sprintf("variable cycle detected resolving %q", e.Path)
	case ErrTypeMismatch:
		return fmt.Sprintf("variable %q has an incompatible type", e.Path)
	default:
		return fmt.Sprintf("undefined variable reference %q", e.Path)
	}
}

// refPattern matches ${scope.key}, ${key}, or ${agent(name).key}-style
// dotted references. The scope segment is only treated as an explicit
// scope when it matches one of the five known scope names.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context is a scoped key->value store. It is safe for concurrent reads;
// Insert takes a write lock. Snapshot() returns a frozen, detached copy
// suitable for handing to a task dispatch without further contention.
type Context struct {
	mu   sync.RWMutex
	data map[Scope]map[string]any
}

// New returns an empty Context with all five scopes initialized.
func New() *Context {
	c := &Context{data: make(map[Scope]map[string]any, 5)}
	for _, s := range []Scope{ScopeWorkflow, ScopeAgent, ScopeTask, ScopeMetadata, ScopeSecret} {
		c.data[s] = make(map[string]any)
	}
	return c
}

// Insert sets (scope, key) -> value. O(1).
func (c *Context) Insert(scope Scope, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[scope][key] = value
}

// Get looks up an explicit (scope, key) pair.
func (c *Context) Get(scope Scope, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[scope][key]
	return v, ok
}

// Resolve looks up a bare key by priority order: Task > Agent > Workflow > Metadata.
// Secret is never searched implicitly - it must be referenced as ${secret.name}.
func (c *Context) Resolve(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range priorityOrder {
		if v, ok := c.data[s][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Snapshot returns a deep-enough frozen copy (top-level maps cloned; the
// values themselves are treated as immutable once inserted) for passing
// into a task's execution without further synchronization.
func (c *Context) Snapshot() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := New()
	for scope, m := range c.data {
		for k, v := range m {
			clone.data[scope][k] = v
		}
	}
	return clone
}

// AsMap flattens every scope into a single map for condition evaluation
// and loop dispatch, where scope.key and the bare key (at priority-order
// precedence) both resolve to the same value. Secret-scope values are
// included since conditions may legitimately branch on whether a secret
// was supplied; callers that log this map must still respect the
// logger's no-secret-echo convention.
func (c *Context) AsMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any)
	for _, s := range []Scope{ScopeMetadata, ScopeWorkflow, ScopeAgent, ScopeTask, ScopeSecret} {
		for k, v := range c.data[s] {
			out[string(s)+"."+k] = v
			out[k] = v
		}
	}
	return out
}

// isKnownScope reports whether s names one of the five scopes.
func isKnownScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeWorkflow, ScopeAgent, ScopeTask, ScopeMetadata, ScopeSecret:
		return Scope(s), true
	}
	return "", false
}

// lookup resolves one ${...} reference body ("scope.key" or "key") against
// the context, returning (value, found).
func (c *Context) lookup(ref string) (any, bool) {
	if scope, key, ok := splitScopeKey(ref); ok {
		return c.Get(scope, key)
	}
	return c.Resolve(ref)
}

// splitScopeKey splits "scope.key" into (scope, key) only when the first
// segment names a known scope; "workflow.my.nested.key" keeps everything
// after the first dot as the key.
func splitScopeKey(ref string) (Scope, string, bool) {
	idx := strings.Index(ref, ".")
	if idx < 0 {
		return "", "", false
	}
	head, rest := ref[:idx], ref[idx+1:]
	scope, ok := isKnownScope(head)
	if !ok {
		return "", "", false
	}
	return scope, rest, true
}

// Interpolate substitutes every ${scope.key} / ${key} occurrence in s.
// Values that are not strings are stringified with fmt.Sprint when
// embedded in a larger string; a template consisting of exactly one
// reference with no surrounding text preserves the original value's
// type (so "${task.t1.output}" bound to a struct returns that struct,
// not its string form).
func (c *Context) Interpolate(s string) (any, error) {
	return c.interpolateDepth(s, 0, nil)
}

func (c *Context) interpolateDepth(s string, depth int, stack []string) (any, error) {
	if depth > MaxInterpolationDepth {
		return nil, &Error{Kind: ErrCycle, Path: s}
	}

	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	// Whole-string single reference: preserve value type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		for _, seen := range stack {
			if seen == ref {
				return nil, &Error{Kind: ErrCycle, Path: ref}
			}
		}
		v, ok := c.lookup(ref)
		if !ok {
			return nil, &Error{Kind: ErrUndefined, Path: ref}
		}
		if vs, ok := v.(string); ok && refPattern.MatchString(vs) {
			return c.interpolateDepth(vs, depth+1, append(stack, ref))
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		for _, seen := range stack {
			if seen == ref {
				return nil, &Error{Kind: ErrCycle, Path: ref}
			}
		}
		v, ok := c.lookup(ref)
		if !ok {
			return nil, &Error{Kind: ErrUndefined, Path: ref}
		}
		rendered := fmt.Sprint(v)
		if vs, ok := v.(string); ok && refPattern.MatchString(vs) {
			nested, err := c.interpolateDepth(vs, depth+1, append(stack, ref))
			if err != nil {
				return nil, err
			}
			rendered = fmt.Sprint(nested)
		}
		b.WriteString(rendered)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// InterpolateString is a convenience wrapper for sinks that always need
// a string result (command args, URLs, file paths).
func (c *Context) InterpolateString(s string) (string, error) {
	v, err := c.Interpolate(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// References returns every ${...} reference body found in s, for the
// validator's reference-integrity pass.
func References(s string) []string {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Package dsl defines the data model for the workflow YAML DSL: the
// typed shape every parsed document is decoded into before validation.
package dsl

import "fmt"

// ExecutionMode is the closed tagged variant of a task's one-and-only
// way of doing work. Declaring more than one of the underlying fields
// populated on a Task is a validation error, not a runtime branch.
type ExecutionMode string

const (
	ModeAgent      ExecutionMode = "agent"
	ModeSubtasks   ExecutionMode = "subtasks"
	ModePredefined ExecutionMode = "predefined"
	ModeScript     ExecutionMode = "script"
	ModeCommand    ExecutionMode = "command"
	ModeHTTP       ExecutionMode = "http"
	ModeMCPTool    ExecutionMode = "mcp_tool"
	ModeSubflow    ExecutionMode = "subflow"
)

// PermissionMode is the closed set an Agent's permission tag belongs to.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept-edits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypass"
)

// Priority is the closed set a Notification's priority belongs to.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// InputVariable describes one entry of a Workflow's or Agent's input map.
type InputVariable struct {
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// SecretSpec binds a secret name to exactly one resolution source.
type SecretSpec struct {
	Env   string `yaml:"env,omitempty" json:"env,omitempty"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Channel is a named communication participant list.
type Channel struct {
	Name         string   `yaml:"name" json:"name"`
	Participants []string `yaml:"participants" json:"participants"`
	Capacity     int      `yaml:"capacity,omitempty" json:"capacity,omitempty"`
}

// Communication is the workflow-level message bus configuration.
type Communication struct {
	Channels []Channel `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// HookSet is the lists of shell commands run at each lifecycle point.
type HookSet struct {
	Pre          []string `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post         []string `yaml:"post,omitempty" json:"post,omitempty"`
	Error        []string `yaml:"error,omitempty" json:"error,omitempty"`
	StageComplete []string `yaml:"stage_complete,omitempty" json:"stage_complete,omitempty"`
}

// MCPServer names a server entry a mcp_tool task may target.
type MCPServer struct {
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	URL     string   `yaml:"url,omitempty" json:"url,omitempty"`
}

// Agent is a declared conversational process.
type Agent struct {
	Name          string                   `yaml:"-" json:"name"`
	Description   string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Provider      string                   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model         string                   `yaml:"model,omitempty" json:"model,omitempty"`
	Tools         []string                 `yaml:"tools,omitempty" json:"tools,omitempty"`
	Permission    PermissionMode           `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty"`
	Input         map[string]InputVariable `yaml:"input,omitempty" json:"input,omitempty"`
	MaxTurns      int                      `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`

	// DeclOrder is this agent's position in the YAML agents mapping, set
	// by the Parser since Go maps don't preserve insertion order.
	DeclOrder int `yaml:"-" json:"-"`
}

// CollectionSource describes where a for-each loop's items come from.
type CollectionSource struct {
	Inline     []any  `yaml:"inline,omitempty" json:"inline,omitempty"`
	FromTask   string `yaml:"from_task,omitempty" json:"from_task,omitempty"`
	FromState  string `yaml:"from_state,omitempty" json:"from_state,omitempty"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	FileFormat string `yaml:"file_format,omitempty" json:"file_format,omitempty"` // json|jsonl|csv|lines
	Range      *Range `yaml:"range,omitempty" json:"range,omitempty"`
	HTTP       *HTTPSpec `yaml:"http,omitempty" json:"http,omitempty"`
	JSONPath   string `yaml:"json_path,omitempty" json:"json_path,omitempty"`
}

// Range is a numeric for-each source.
type Range struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
	Step  int `yaml:"step,omitempty" json:"step,omitempty"`
}

// Loop is the loop block a Task may carry instead of single dispatch.
type Loop struct {
	Kind               string            `yaml:"kind" json:"kind"` // for_each|while|repeat_until|repeat
	Collection         *CollectionSource `yaml:"collection,omitempty" json:"collection,omitempty"`
	Condition          string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Count              int               `yaml:"count,omitempty" json:"count,omitempty"`
	MaxIterations      int               `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	DelayBetweenSecs    float64          `yaml:"delay_between_secs,omitempty" json:"delay_between_secs,omitempty"`
	BreakCondition     string            `yaml:"break_condition,omitempty" json:"break_condition,omitempty"`
	ContinueCondition  string            `yaml:"continue_condition,omitempty" json:"continue_condition,omitempty"`
	TimeoutSecs        float64           `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
	CheckpointInterval int               `yaml:"checkpoint_interval,omitempty" json:"checkpoint_interval,omitempty"`
	CollectResults     bool              `yaml:"collect_results,omitempty" json:"collect_results,omitempty"`
	Parallel           bool              `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxParallel        int               `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// DoDPredicate is one closed-set definition-of-done criterion.
type DoDPredicate struct {
	Kind     string `yaml:"kind" json:"kind"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Pattern  string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Command  string `yaml:"command,omitempty" json:"command,omitempty"`
	Args     []string `yaml:"args,omitempty" json:"args,omitempty"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Expected int    `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// DoD is the definition-of-done block a Task may attach.
type DoD struct {
	Predicates            []DoDPredicate `yaml:"predicates" json:"predicates"`
	MaxRetries            int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	FailOnUnmet           *bool          `yaml:"fail_on_unmet,omitempty" json:"fail_on_unmet,omitempty"`
	AutoElevatePermissions bool          `yaml:"auto_elevate_permissions,omitempty" json:"auto_elevate_permissions,omitempty"`
}

// OnError is the recovery spec attached to a task.
type OnError struct {
	FallbackAgent  string  `yaml:"fallback_agent,omitempty" json:"fallback_agent,omitempty"`
	Retry          int     `yaml:"retry,omitempty" json:"retry,omitempty"`
	DelayBaseSecs  float64 `yaml:"delay_base_secs,omitempty" json:"delay_base_secs,omitempty"`
	Exponential    bool    `yaml:"exponential,omitempty" json:"exponential,omitempty"`
	SkipOnError    bool    `yaml:"skip_on_error,omitempty" json:"skip_on_error,omitempty"`
}

// NotifyChannelSpec is one configured delivery channel on a Notification.
type NotifyChannelSpec struct {
	Kind   string         `yaml:"kind" json:"kind"`
	Fields map[string]any `yaml:",inline" json:"fields"`
}

// RetryPolicy governs notification channel delivery retries.
type RetryPolicy struct {
	MaxAttempts     int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseDelaySecs   float64 `yaml:"base_delay_secs,omitempty" json:"base_delay_secs,omitempty"`
	Exponential     bool    `yaml:"exponential,omitempty" json:"exponential,omitempty"`
	TimeoutSecs     float64 `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
}

// Notify is a logical notification dispatch.
type Notify struct {
	Title       string              `yaml:"title" json:"title"`
	Body        string              `yaml:"body" json:"body"`
	Priority    Priority            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Condition   string              `yaml:"condition,omitempty" json:"condition,omitempty"`
	Channels    []NotifyChannelSpec `yaml:"channels" json:"channels"`
	Retry       *RetryPolicy        `yaml:"retry,omitempty" json:"retry,omitempty"`
	FailOnError bool                `yaml:"fail_on_error,omitempty" json:"fail_on_error,omitempty"`
}

// LifecycleActions bundles a task's on_start/on_complete/on_error hooks.
type LifecycleActions struct {
	OnStart    []Notify `yaml:"on_start,omitempty" json:"on_start,omitempty"`
	OnComplete []Notify `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnErrorActs []Notify `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// HTTPSpec configures an http execution mode or HTTP collection source.
type HTTPSpec struct {
	Method        string            `yaml:"method" json:"method"`
	URL           string            `yaml:"url" json:"url"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body          string            `yaml:"body,omitempty" json:"body,omitempty"`
	AcceptStatus  []int             `yaml:"accept_status,omitempty" json:"accept_status,omitempty"`
	TimeoutSecs   float64           `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
}

// ScriptSpec configures a script execution mode.
type ScriptSpec struct {
	Interpreter string            `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
	Body        string            `yaml:"body" json:"body"`
	WorkDir     string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutSecs float64           `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
}

// CommandSpec configures a command execution mode.
type CommandSpec struct {
	Argv        []string          `yaml:"argv" json:"argv"`
	WorkDir     string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutSecs float64           `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
}

// MCPToolSpec configures an mcp_tool execution mode.
type MCPToolSpec struct {
	Server string         `yaml:"server" json:"server"`
	Tool   string         `yaml:"tool" json:"tool"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// PredefinedRef references a reusable task template.
type PredefinedRef struct {
	Name      string         `yaml:"name" json:"name"`
	Version   string         `yaml:"version" json:"version"`
	Embed     bool           `yaml:"embed,omitempty" json:"embed,omitempty"`
	Overrides map[string]any `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	Input     map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// OutputDestination is where a task's result is written.
type OutputDestination struct {
	File      string `yaml:"file,omitempty" json:"file,omitempty"`
	StateKey  string `yaml:"state_key,omitempty" json:"state_key,omitempty"`
	TaskResult bool  `yaml:"task_result,omitempty" json:"task_result,omitempty"`
}

// TaskStatus is the closed status set a Task transitions through.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// Task is a node in the task graph, keyed by its dotted path after flattening.
type Task struct {
	ID          string `yaml:"-" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Execution mode - exactly one populated.
	Agent      string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	Prompt     string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Subtasks   map[string]*Task `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`
	Predefined *PredefinedRef `yaml:"predefined,omitempty" json:"predefined,omitempty"`
	Script     *ScriptSpec    `yaml:"script,omitempty" json:"script,omitempty"`
	Command    *CommandSpec   `yaml:"command,omitempty" json:"command,omitempty"`
	HTTP       *HTTPSpec      `yaml:"http,omitempty" json:"http,omitempty"`
	MCPTool    *MCPToolSpec   `yaml:"mcp_tool,omitempty" json:"mcp_tool,omitempty"`
	Subflow    string         `yaml:"subflow,omitempty" json:"subflow,omitempty"`

	DependsOn    []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ParallelWith []string          `yaml:"parallel_with,omitempty" json:"parallel_with,omitempty"`
	Input        map[string]any    `yaml:"input,omitempty" json:"input,omitempty"`
	Output       *OutputDestination `yaml:"output,omitempty" json:"output,omitempty"`

	Lifecycle LifecycleActions `yaml:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	DoD       *DoD             `yaml:"dod,omitempty" json:"dod,omitempty"`
	Loop      *Loop            `yaml:"loop,omitempty" json:"loop,omitempty"`
	OnError   *OnError         `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Status is runtime-only, never serialized back into the DSL document.
	Status TaskStatus `yaml:"-" json:"-"`

	// DeclOrder is this task's position in the YAML mapping it was
	// declared in (siblings under the same parent, or the root tasks
	// mapping), set by the Parser since Go maps don't preserve
	// insertion order. graph.Build keys ready-set tie-breaking off this
	// instead of sorting names alphabetically.
	DeclOrder int `yaml:"-" json:"-"`

	// parentPath records the container a flattened subtask came from.
	parentPath string `yaml:"-" json:"-"`
}

// ExecutionMode returns the single active execution mode of the task, or
// an error if zero or multiple are populated. The validator calls this
// as part of the "exactly one execution mode" rule.
func (t *Task) ExecutionMode() (ExecutionMode, error) {
	var modes []ExecutionMode
	if t.Agent != "" || t.Prompt != "" {
		modes = append(modes, ModeAgent)
	}
	if len(t.Subtasks) > 0 {
		modes = append(modes, ModeSubtasks)
	}
	if t.Predefined != nil {
		modes = append(modes, ModePredefined)
	}
	if t.Script != nil {
		modes = append(modes, ModeScript)
	}
	if t.Command != nil {
		modes = append(modes, ModeCommand)
	}
	if t.HTTP != nil {
		modes = append(modes, ModeHTTP)
	}
	if t.MCPTool != nil {
		modes = append(modes, ModeMCPTool)
	}
	if t.Subflow != "" {
		modes = append(modes, ModeSubflow)
	}
	switch len(modes) {
	case 0:
		return "", fmt.Errorf("task %q declares no execution mode", t.ID)
	case 1:
		return modes[0], nil
	default:
		return "", fmt.Errorf("task %q declares multiple execution modes: %v", t.ID, modes)
	}
}

// Workflow is the root document produced by the Parser.
type Workflow struct {
	Name          string                   `yaml:"name" json:"name"`
	Version       string                   `yaml:"version" json:"version"`
	Description   string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Input         map[string]InputVariable `yaml:"input,omitempty" json:"input,omitempty"`
	Agents        map[string]*Agent        `yaml:"agents" json:"agents"`
	Tasks         map[string]*Task         `yaml:"tasks" json:"tasks"`
	Communication *Communication           `yaml:"communication,omitempty" json:"communication,omitempty"`
	Hooks         *HookSet                 `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Secrets       map[string]SecretSpec    `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	MCPServers    map[string]MCPServer     `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`

	// unknownKeys collects warnings from structural-only parsing.
	unknownKeys []string `yaml:"-" json:"-"`
}

// UnknownKeys returns the top-level keys the parser did not recognize;
// these become validator warnings, never errors.
func (w *Workflow) UnknownKeys() []string { return w.unknownKeys }

// StableID returns the agent's canonical name.
func (a *Agent) StableID() string { return a.Name }

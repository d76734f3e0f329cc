package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseErrorKind is the stable taxonomy for parser failures.
type ParseErrorKind string

const (
	ParseErrYamlSyntax      ParseErrorKind = "yaml_syntax"
	ParseErrFieldType       ParseErrorKind = "field_type"
	ParseErrMissingRequired ParseErrorKind = "missing_required"
	ParseErrUnknownRef      ParseErrorKind = "unknown_reference"
)

// ParseError is returned by Parse/ParseFile/ParseWithSubflows.
type ParseError struct {
	Kind    ParseErrorKind
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// knownTopLevelKeys is used to compute UnknownKeys warnings.
var knownTopLevelKeys = map[string]bool{
	"name": true, "version": true, "description": true, "input": true,
	"agents": true, "tasks": true, "communication": true, "hooks": true,
	"secrets": true, "mcp_servers": true,
}

// Parse decodes raw YAML bytes into a Workflow, assigns dotted-path IDs
// to every (possibly nested) task, and records any unrecognized
// top-level keys as warnings rather than failing.
func Parse(text []byte) (*Workflow, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(text, &raw); err != nil {
		return nil, &ParseError{Kind: ParseErrYamlSyntax, Message: err.Error()}
	}

	var wf Workflow
	if err := yaml.Unmarshal(text, &wf); err != nil {
		return nil, &ParseError{Kind: ParseErrFieldType, Message: err.Error()}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, &ParseError{Kind: ParseErrYamlSyntax, Message: err.Error()}
	}
	if root := documentRoot(&doc); root != nil {
		assignAgentOrder(wf.Agents, mappingChild(root, "agents"))
		assignTaskOrder(wf.Tasks, mappingChild(root, "tasks"))
	}

	if wf.Name == "" {
		return nil, &ParseError{Kind: ParseErrMissingRequired, Message: "workflow.name is required"}
	}
	if len(wf.Agents) == 0 {
		return nil, &ParseError{Kind: ParseErrMissingRequired, Message: "workflow.agents must declare at least one agent"}
	}
	if len(wf.Tasks) == 0 {
		return nil, &ParseError{Kind: ParseErrMissingRequired, Message: "workflow.tasks must declare at least one task"}
	}

	for name, a := range wf.Agents {
		a.Name = name
	}

	assignTaskIDs(wf.Tasks, "")

	for k := range raw {
		if !knownTopLevelKeys[k] {
			wf.unknownKeys = append(wf.unknownKeys, k)
		}
	}

	return &wf, nil
}

// assignTaskIDs walks the subtask hierarchy recursively, giving every
// node a dotted-path ID ("parent.child") and recording its parent path.
func assignTaskIDs(tasks map[string]*Task, prefix string) {
	for name, t := range tasks {
		id := name
		if prefix != "" {
			id = prefix + "." + name
		}
		t.ID = id
		t.parentPath = prefix
		t.Status = StatusPending
		if len(t.Subtasks) > 0 {
			assignTaskIDs(t.Subtasks, id)
		}
	}
}

// documentRoot unwraps a decoded yaml.Node down to the top-level mapping
// node, following the document and any alias/anchor indirection.
func documentRoot(n *yaml.Node) *yaml.Node {
	for n != nil && (n.Kind == yaml.DocumentNode || n.Kind == yaml.AliasNode) {
		if n.Kind == yaml.AliasNode {
			n = n.Alias
			continue
		}
		if len(n.Content) == 0 {
			return nil
		}
		n = n.Content[0]
	}
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}

// mappingChild returns the value node mapped to key within mapping node m,
// or nil if m isn't a mapping or doesn't contain key.
func mappingChild(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// assignAgentOrder stamps each agent's DeclOrder with its position in the
// YAML agents mapping, since Go's map[string]*Agent loses that order.
func assignAgentOrder(agents map[string]*Agent, node *yaml.Node) {
	if node == nil || node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if a, ok := agents[node.Content[i].Value]; ok {
			a.DeclOrder = i / 2
		}
	}
}

// assignTaskOrder stamps each task's DeclOrder with its position in the
// YAML mapping node (either the root "tasks" mapping or a "subtasks"
// mapping nested under a parent task), recursing into subtasks so every
// level of the hierarchy keeps its own declared order.
func assignTaskOrder(tasks map[string]*Task, node *yaml.Node) {
	if node == nil || node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		t, ok := tasks[name]
		if !ok {
			continue
		}
		t.DeclOrder = i / 2
		if len(t.Subtasks) > 0 {
			assignTaskOrder(t.Subtasks, mappingChild(node.Content[i+1], "subtasks"))
		}
	}
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*Workflow, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(text)
}

// SubflowResolver loads a named subflow document by reference. The CLI
// wires this to a directory lookup (<dir>/<name>.workflow.yaml); tests
// can substitute an in-memory map.
type SubflowResolver func(ref string) ([]byte, error)

// ParseWithSubflows parses path and recursively inlines every task whose
// Subflow field references another workflow, under a namespaced prefix:
// the referenced workflow's agents and tasks are renamed <subflowName>.X
// and their internal dependencies are rewritten accordingly.
func ParseWithSubflows(path string, resolve SubflowResolver) (*Workflow, error) {
	root, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := inlineSubflows(root, resolve, map[string]bool{root.Name: true}); err != nil {
		return nil, err
	}
	return root, nil
}

func inlineSubflows(wf *Workflow, resolve SubflowResolver, seen map[string]bool) error {
	for t, ref := range flattenedTasks(wf.Tasks) {
		if t.Subflow == "" {
			continue
		}
		if seen[t.Subflow] {
			return &ParseError{Kind: ParseErrUnknownRef, Path: t.Subflow, Message: "cyclic or duplicate subflow inclusion"}
		}
		raw, err := resolve(t.Subflow)
		if err != nil {
			return &ParseError{Kind: ParseErrUnknownRef, Path: t.Subflow, Message: err.Error()}
		}
		sub, err := Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing subflow %q: %w", t.Subflow, err)
		}
		prefix := t.Subflow

		for name, a := range sub.Agents {
			newName := prefix + "." + name
			a.Name = newName
			wf.Agents[newName] = a
		}
		renamed := rewriteTaskNamespace(sub.Tasks, prefix)
		for name, nt := range renamed {
			wf.Tasks[name] = nt
		}
		t.Subflow = ""
		t.Subtasks = renamed

		nested := map[string]bool{}
		for k, v := range seen {
			nested[k] = v
		}
		nested[t.Subflow] = true
		if err := inlineSubflows(wf, resolve, nested); err != nil {
			return err
		}

		ref.parentCollection[ref.key] = t
	}
	assignTaskIDs(wf.Tasks, "")
	return nil
}

// taskRef points at a task slot so inlineSubflows can rewrite it in place.
type taskRef struct {
	key              string
	parentCollection map[string]*Task
}

func flattenedTasks(tasks map[string]*Task) map[*Task]taskRef {
	out := map[*Task]taskRef{}
	var walk func(map[string]*Task)
	walk = func(m map[string]*Task) {
		for k, t := range m {
			out[t] = taskRef{key: k, parentCollection: m}
			if len(t.Subtasks) > 0 {
				walk(t.Subtasks)
			}
		}
	}
	walk(tasks)
	return out
}

func rewriteTaskNamespace(tasks map[string]*Task, prefix string) map[string]*Task {
	out := make(map[string]*Task, len(tasks))
	for name, t := range tasks {
		newName := prefix + "." + name
		t.Agent = namespaceIfLocal(t.Agent, prefix)
		t.DependsOn = namespaceList(t.DependsOn, prefix)
		t.ParallelWith = namespaceList(t.ParallelWith, prefix)
		if len(t.Subtasks) > 0 {
			t.Subtasks = rewriteTaskNamespace(t.Subtasks, prefix)
		}
		out[newName] = t
	}
	return out
}

func namespaceIfLocal(name, prefix string) string {
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return prefix + "." + name
}

func namespaceList(names []string, prefix string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = namespaceIfLocal(n, prefix)
	}
	return out
}

// MarshalWorkflow serializes a Workflow back to YAML, preserving every
// semantically significant field so that Parse(MarshalWorkflow(w)) is
// equivalent to w for any workflow that validated.
func MarshalWorkflow(wf *Workflow) ([]byte, error) {
	return yaml.Marshal(wf)
}

// DefaultSubflowDir resolves a subflow reference against a directory of
// "<name>.workflow.yaml" files - the SubflowResolver the CLI wires in.
func DefaultSubflowDir(dir string) SubflowResolver {
	return func(ref string) ([]byte, error) {
		path := filepath.Join(dir, ref+".workflow.yaml")
		return os.ReadFile(path)
	}
}

// Package state implements State Persistence: one JSON document per
// workflow instance, written through afero so tests can substitute an
// in-memory filesystem, with resume semantics that mark already-
// Completed tasks Skipped-from-resume and reset crashed Running tasks
// back to Pending, per SPEC_FULL.md §4.12.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/dsl"
)

// WorkflowStatus is the closed set a workflow run's overall status
// belongs to.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusPaused    WorkflowStatus = "paused"
)

// TaskState is the persisted per-task progress record.
type TaskState struct {
	Status    dsl.TaskStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	// LoopIteration records the last checkpointed iteration for a task
	// bearing a loop block, so resume can skip completed iterations.
	LoopIteration int   `json:"loop_iteration,omitempty"`
	LoopCollected []any `json:"loop_collected,omitempty"`
}

// Document is the full persisted snapshot of one workflow run.
type Document struct {
	WorkflowName string                `json:"workflow_name"`
	Version      string                `json:"version"`
	Status       WorkflowStatus        `json:"status"`
	Tasks        map[string]*TaskState `json:"tasks"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
	CheckpointAt time.Time             `json:"checkpoint_at"`
}

// ErrorKind is the stable taxonomy for Error.
type ErrorKind string

const (
	ErrVersionMismatch ErrorKind = "version_mismatch"
	ErrCorrupt         ErrorKind = "corrupt_checkpoint"
)

// Error wraps a state-store failure with its stable kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("state: %s: %s", e.Kind, e.Msg) }

// Store is the file-backed checkpoint store for one workflow instance.
type Store struct {
	fs  afero.Fs
	dir string

	mu  sync.Mutex
	doc *Document
}

// New returns a Store rooted at dir (created on first Save), backed by
// fs (an afero.NewOsFs() in production, afero.NewMemMapFs() in tests).
func New(fs afero.Fs, dir string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(workflowName string) string {
	return filepath.Join(s.dir, workflowName+".json")
}

// Load reads the persisted document for workflowName, returning
// (nil, false, nil) if none exists. A version mismatch against
// wantVersion is a hard error: the caller must clean or migrate. An
// empty wantVersion accepts any stored version.
func (s *Store) Load(workflowName, wantVersion string) (*Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(workflowName)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, false, fmt.Errorf("state: checking %s: %w", path, err)
	}
	if !exists {
		return nil, false, nil
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, false, fmt.Errorf("state: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, &Error{Kind: ErrCorrupt, Msg: err.Error()}
	}
	if wantVersion != "" && doc.Version != wantVersion {
		return nil, false, &Error{Kind: ErrVersionMismatch, Msg: fmt.Sprintf("state file is version %q, workflow is %q", doc.Version, wantVersion)}
	}

	s.doc = &doc
	return &doc, true, nil
}

// New document helper, used by the executor when no prior state exists.
func NewDocument(workflowName, version string) *Document {
	return &Document{
		WorkflowName: workflowName,
		Version:      version,
		Status:       StatusRunning,
		Tasks:        make(map[string]*TaskState),
		Metadata:     make(map[string]any),
	}
}

// Attach sets the in-memory document this Store checkpoints, used once
// after initial graph build (fresh run) or after Load (resume).
func (s *Store) Attach(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}

// Checkpoint captures a single shared timestamp and writes the current
// document to disk. Write errors are the caller's responsibility to
// treat as a warning (availability favored over durability, per
// SPEC_FULL.md §7): Checkpoint still returns the error so the caller can
// log it and record that the last checkpoint failed.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return fmt.Errorf("state: no document attached")
	}
	s.doc.CheckpointAt = time.Now()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("state: creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	path := s.path(s.doc.WorkflowName)
	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("state: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("state: write %s: %w", path, err)
	}
	return nil
}

// SetTask records the status of one task (creating its record if
// needed) and returns the mutated record so the caller can fill in
// attempts, error and timestamps before the next Checkpoint call.
func (s *Store) SetTask(id string, status dsl.TaskStatus) *TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.doc.Tasks[id]
	if !ok {
		ts = &TaskState{}
		s.doc.Tasks[id] = ts
	}
	ts.Status = status
	return ts
}

// SetStatus updates the workflow-level status field.
func (s *Store) SetStatus(status WorkflowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Status = status
}

// Document returns the store's current in-memory document.
func (s *Store) Document() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// ApplyResume rewrites a loaded document's task statuses per
// SPEC_FULL.md §4.12's Resume rule: Completed tasks become
// Skipped-from-resume (their dependents are satisfied without
// re-executing side effects) and Running tasks (interrupted mid-flight)
// reset to Pending. The workflow status returns to Running.
func ApplyResume(doc *Document) {
	for _, ts := range doc.Tasks {
		switch ts.Status {
		case dsl.StatusCompleted:
			ts.Status = dsl.StatusSkipped
		case dsl.StatusRunning:
			ts.Status = dsl.StatusPending
			ts.Attempts = 0
		}
	}
	doc.Status = StatusRunning
}

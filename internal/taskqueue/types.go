package taskqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/qsched/qsched/internal/errors"
)

// TaskType identifies the kind of work a task carries.
type TaskType string

const (
	TypeOptimization TaskType = "optimization"
	TypeSimulation   TaskType = "simulation"
	TypeAnalysis     TaskType = "analysis"
	TypeDistribution TaskType = "distribution"
	TypeEncryption   TaskType = "encryption"
)

// TaskTypes returns every known task type.
func TaskTypes() []TaskType {
	return []TaskType{TypeOptimization, TypeSimulation, TypeAnalysis, TypeDistribution, TypeEncryption}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return slices.Contains(TaskTypes(), t)
}

// ParseTaskType converts a string to a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", errors.NewValidationError("unknown task type").WithField("type").WithValue(s)
	}
	return t, nil
}

// TaskStatus represents the current state of a queued task.
type TaskStatus string

const (
	// StatusQueued indicates the task is waiting in the processing queue.
	StatusQueued TaskStatus = "queued"

	// StatusProcessing indicates the task has been handed out by GetNextTask.
	StatusProcessing TaskStatus = "processing"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the task finished with an error.
	StatusFailed TaskStatus = "failed"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Payload is an opaque JSON document attached to a task as input data or
// as a result.
type Payload []byte

// MarshalJSON emits the payload verbatim, or null when empty.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores a compacted copy of the raw document. null becomes
// an empty payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("taskqueue.Payload: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*p = Payload(buf.Bytes())
	return nil
}

// IsEmpty reports whether the payload carries no document.
func (p Payload) IsEmpty() bool {
	return len(bytes.TrimSpace(p)) == 0 || bytes.Equal(bytes.TrimSpace(p), []byte("null"))
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (p Payload) Decode(v any) error {
	if p.IsEmpty() {
		return nil
	}
	return json.Unmarshal(p, v)
}

// Clone returns an independent copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return append(Payload(nil), p...)
}

// PayloadOf marshals v into a Payload.
func PayloadOf(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(data), nil
}

// Task is a unit of work in the processing queue.
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	Priority    float64    `json:"priority"`
	Data        Payload    `json:"data,omitempty"`
	Result      Payload    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Data = t.Data.Clone()
	cp.Result = t.Result.Clone()
	if t.StartTime != nil {
		st := *t.StartTime
		cp.StartTime = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		cp.CompletedAt = &ct
	}
	return &cp
}

// RunTime returns how long the task ran, or 0 if it has not both started
// and finished.
func (t *Task) RunTime() time.Duration {
	if t.StartTime == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartTime)
}

// QueueStatus is a snapshot of the queue's current state counts.
type QueueStatus struct {
	Total      int    `json:"total"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Depth      int    `json:"depth"`
	ActiveTask string `json:"active_task,omitempty"`
}

// State is the complete scheduler state. ActiveTaskID is empty when no
// task is being processed.
type State struct {
	Tasks           map[string]*Task `json:"tasks"`
	ProcessingQueue []string         `json:"processing_queue"`
	CompletedTasks  []string         `json:"completed_tasks"`
	ActiveTaskID    string           `json:"active_task_id"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	cp := State{
		ProcessingQueue: slices.Clone(s.ProcessingQueue),
		CompletedTasks:  slices.Clone(s.CompletedTasks),
		ActiveTaskID:    s.ActiveTaskID,
	}
	if s.Tasks != nil {
		cp.Tasks = make(map[string]*Task, len(s.Tasks))
		for id, t := range s.Tasks {
			cp.Tasks[id] = t.Clone()
		}
	}
	return cp
}

// Validate checks the invariants of the state. Every task has a known type
// and a payload that passes its schema. Every referenced id names a task,
// and an id sits in at most one of the queue, the active slot and the
// completed list, each agreeing with the task's status. Every queued task
// is in the queue and only the active task is processing.
func (s State) Validate() error {
	for id, t := range s.Tasks {
		if t == nil {
			return fmt.Errorf("%w: task %q is null", errors.ErrInvalidState, id)
		}
		if t.ID != id {
			return fmt.Errorf("%w: task keyed %q has id %q", errors.ErrInvalidState, id, t.ID)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: task %q has unknown status %q", errors.ErrInvalidState, id, t.Status)
		}
		if !t.Type.Valid() {
			return fmt.Errorf("%w: task %q has unknown type %q", errors.ErrInvalidState, id, t.Type)
		}
		if err := ValidatePayload(t.Type, t.Data); err != nil {
			return fmt.Errorf("%w: task %q: %w", errors.ErrInvalidState, id, err)
		}
	}

	placed := make(map[string]string)
	place := func(id, where string, want TaskStatus) error {
		t, ok := s.Tasks[id]
		if !ok {
			return fmt.Errorf("%w: %s references unknown task %q", errors.ErrInvalidState, where, id)
		}
		if prev, dup := placed[id]; dup {
			return fmt.Errorf("%w: task %q appears in both %s and %s", errors.ErrInvalidState, id, prev, where)
		}
		if t.Status != want {
			return fmt.Errorf("%w: task %q in %s has status %q", errors.ErrInvalidState, id, where, t.Status)
		}
		placed[id] = where
		return nil
	}

	for _, id := range s.ProcessingQueue {
		if err := place(id, "processing queue", StatusQueued); err != nil {
			return err
		}
	}
	if s.ActiveTaskID != "" {
		if err := place(s.ActiveTaskID, "active task", StatusProcessing); err != nil {
			return err
		}
	}
	for _, id := range s.CompletedTasks {
		if err := place(id, "completed tasks", StatusCompleted); err != nil {
			return err
		}
	}

	// Queued and processing tasks must be reachable from the queue or the
	// active slot.
	for id, t := range s.Tasks {
		switch t.Status {
		case StatusQueued:
			if placed[id] != "processing queue" {
				return fmt.Errorf("%w: queued task %q is not in the processing queue", errors.ErrInvalidState, id)
			}
		case StatusProcessing:
			if id != s.ActiveTaskID {
				return fmt.Errorf("%w: task %q is processing but %q is the active task", errors.ErrInvalidState, id, s.ActiveTaskID)
			}
		}
	}
	return nil
}

// PartialState replaces parts of a Manager's state. Nil fields are left
// unchanged; a non-nil empty slice or map clears the field.
type PartialState struct {
	Tasks           map[string]*Task `json:"tasks,omitempty"`
	ProcessingQueue []string         `json:"processing_queue,omitempty"`
	CompletedTasks  []string         `json:"completed_tasks,omitempty"`
	ActiveTaskID    *string          `json:"active_task_id,omitempty"`
}

// Full returns a PartialState that replaces every field with s.
func Full(s State) PartialState {
	active := s.ActiveTaskID
	p := PartialState{
		Tasks:           s.Tasks,
		ProcessingQueue: s.ProcessingQueue,
		CompletedTasks:  s.CompletedTasks,
		ActiveTaskID:    &active,
	}
	if p.Tasks == nil {
		p.Tasks = map[string]*Task{}
	}
	if p.ProcessingQueue == nil {
		p.ProcessingQueue = []string{}
	}
	if p.CompletedTasks == nil {
		p.CompletedTasks = []string{}
	}
	return p
}

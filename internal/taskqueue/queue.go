package taskqueue

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qsched/qsched/internal/errors"
)

// Manager holds the task table and processing queue. At most one task is
// processing at a time. All methods are safe for concurrent use; tasks
// handed to callers are copies.
type Manager struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
	newID func() string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for task timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides how AddTask generates task ids.
func WithIDGenerator(newID func() string) ManagerOption {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		state: emptyState(),
		now:   time.Now,
		newID: func() string { return "task-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func emptyState() State {
	return State{
		Tasks:           make(map[string]*Task),
		ProcessingQueue: []string{},
		CompletedTasks:  []string{},
	}
}

// AddTask queues a new task and returns its generated id. The task is
// placed ahead of every queued task with strictly lower priority, so equal
// priorities stay first-in first-out.
func (m *Manager) AddTask(taskType TaskType, priority float64, data Payload) (string, error) {
	task, err := m.addTask("", taskType, priority, data)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// AddTaskWithID is AddTask with a caller-chosen id. An id that is already
// present is rejected with ErrTaskExists.
func (m *Manager) AddTaskWithID(id string, taskType TaskType, priority float64, data Payload) error {
	if id == "" {
		return errors.NewValidationError("task id must not be empty").WithField("id")
	}
	_, err := m.addTask(id, taskType, priority, data)
	return err
}

func (m *Manager) addTask(id string, taskType TaskType, priority float64, data Payload) (*Task, error) {
	if math.IsNaN(priority) || math.IsInf(priority, 0) {
		return nil, errors.NewValidationError("priority must be a finite number").WithField("priority").WithValue(priority)
	}
	if err := ValidatePayload(taskType, data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = m.newID()
	}
	if _, exists := m.state.Tasks[id]; exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskExists, id)
	}

	task := &Task{
		ID:        id,
		Type:      taskType,
		Status:    StatusQueued,
		Priority:  priority,
		Data:      data.Clone(),
		CreatedAt: m.now(),
	}
	m.state.Tasks[id] = task
	m.enqueue(task)
	return task.Clone(), nil
}

// enqueue inserts task before the first queued task with strictly lower
// priority. Must be called with m.mu held.
func (m *Manager) enqueue(task *Task) {
	q := m.state.ProcessingQueue
	pos := len(q)
	for i, id := range q {
		other, ok := m.state.Tasks[id]
		if !ok {
			continue
		}
		if other.Priority < task.Priority {
			pos = i
			break
		}
	}
	q = append(q, "")
	copy(q[pos+1:], q[pos:])
	q[pos] = task.ID
	m.state.ProcessingQueue = q
}

// GetNextTask moves the head of the queue to processing and returns it.
// It returns nil when the queue is empty or another task is still
// processing. A queue entry that no longer names a queued task is
// discarded and nil returned.
func (m *Manager) GetNextTask() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.ActiveTaskID != "" || len(m.state.ProcessingQueue) == 0 {
		return nil
	}

	id := m.state.ProcessingQueue[0]
	m.state.ProcessingQueue = m.state.ProcessingQueue[1:]

	task, ok := m.state.Tasks[id]
	if !ok || task.Status != StatusQueued {
		return nil
	}

	now := m.now()
	task.Status = StatusProcessing
	task.StartTime = &now
	m.state.ActiveTaskID = id
	return task.Clone()
}

// CompleteTask marks a task completed with the given result. A task that
// is still queued leaves the queue without ever starting. It returns false
// and changes nothing if the task is unknown or already finished.
func (m *Manager) CompleteTask(id string, result Payload) bool {
	_, ok := m.finish(id, StatusCompleted, result, "")
	return ok
}

// FailTask marks a task failed with the given message. Failing a queued
// task abandons it. It returns false and changes nothing if the task is
// unknown or already finished.
func (m *Manager) FailTask(id, message string) bool {
	_, ok := m.finish(id, StatusFailed, nil, message)
	return ok
}

func (m *Manager) finish(id string, status TaskStatus, result Payload, message string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.state.Tasks[id]
	if !ok || task.Status.IsTerminal() {
		return nil, false
	}
	if task.Status == StatusQueued {
		m.state.ProcessingQueue = slices.DeleteFunc(m.state.ProcessingQueue, func(q string) bool { return q == id })
	}

	now := m.now()
	task.Status = status
	task.CompletedAt = &now
	if status == StatusCompleted {
		task.Result = result.Clone()
		m.state.CompletedTasks = append(m.state.CompletedTasks, id)
	} else {
		task.Error = message
	}
	if m.state.ActiveTaskID == id {
		m.state.ActiveTaskID = ""
	}
	return task.Clone(), true
}

// GetTask returns a copy of the task with the given id, or nil if not found.
func (m *Manager) GetTask(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Tasks[id].Clone()
}

// GetAllTasksSorted returns copies of every task, highest priority first.
// Ties are broken by creation time, then id.
func (m *Manager) GetAllTasksSorted() []*Task {
	return m.collect(func(*Task) bool { return true })
}

// TasksByStatus returns copies of the tasks in the given status, in the
// same order as GetAllTasksSorted.
func (m *Manager) TasksByStatus(status TaskStatus) []*Task {
	return m.collect(func(t *Task) bool { return t.Status == status })
}

func (m *Manager) collect(keep func(*Task) bool) []*Task {
	m.mu.Lock()
	result := make([]*Task, 0, len(m.state.Tasks))
	for _, task := range m.state.Tasks {
		if keep(task) {
			result = append(result, task.Clone())
		}
	}
	m.mu.Unlock()

	sortTasks(result)
	return result
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ClearCompleted evicts every completed and failed task and returns how
// many were removed.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, task := range m.state.Tasks {
		if task.Status.IsTerminal() {
			delete(m.state.Tasks, id)
			removed++
		}
	}
	m.state.CompletedTasks = m.state.CompletedTasks[:0]
	return removed
}

// ClearTasks removes every task and resets the queue. It returns how many
// tasks were removed.
func (m *Manager) ClearTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.state.Tasks)
	m.state = emptyState()
	return removed
}

// Status returns a snapshot of the current queue state counts.
func (m *Manager) Status() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := QueueStatus{
		Total:      len(m.state.Tasks),
		Depth:      len(m.state.ProcessingQueue),
		ActiveTask: m.state.ActiveTaskID,
	}
	for _, task := range m.state.Tasks {
		switch task.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// State returns a deep copy of the full scheduler state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Clone()
}

// SetState replaces the fields of p that are non-nil. The resulting state
// must satisfy State.Validate; otherwise nothing changes and an error
// wrapping ErrInvalidState is returned.
func (m *Manager) SetState(p PartialState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	if p.Tasks != nil {
		next.Tasks = State{Tasks: p.Tasks}.Clone().Tasks
	}
	if p.ProcessingQueue != nil {
		next.ProcessingQueue = append([]string{}, p.ProcessingQueue...)
	}
	if p.CompletedTasks != nil {
		next.CompletedTasks = append([]string{}, p.CompletedTasks...)
	}
	if p.ActiveTaskID != nil {
		next.ActiveTaskID = *p.ActiveTaskID
	}

	if err := next.Validate(); err != nil {
		return err
	}
	m.state = next
	return nil
}

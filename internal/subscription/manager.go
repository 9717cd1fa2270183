// Package subscription delivers task updates to per-task observers.
package subscription

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qsched/qsched/internal/event"
	"github.com/qsched/qsched/internal/logging"
	"github.com/qsched/qsched/internal/taskqueue"
)

// StatusRemoved is the status of the last view sent for a task that was
// cleared from the queue. No further updates follow it.
const StatusRemoved = "removed"

// TaskView is the snapshot of a task handed to subscribers. Status uses the
// queue vocabulary, or StatusRemoved once the task is gone.
type TaskView struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	Priority    float64           `json:"priority"`
	Data        taskqueue.Payload `json:"data"`
	Result      taskqueue.Payload `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Callback receives a task update. A returned error is logged and counted;
// it does not stop delivery to other subscribers.
type Callback func(TaskView) error

// TaskSource looks up the current state of a task.
type TaskSource interface {
	GetTask(id string) *taskqueue.Task
}

// FailureHook is called once for every callback that panics or returns an error.
type FailureHook func(taskID string, err error)

// Manager keeps per-task sets of callbacks and notifies them on demand.
type Manager struct {
	mu       sync.RWMutex
	source   TaskSource
	subs     map[string]map[uint64]Callback
	nextID   atomic.Uint64
	failures atomic.Uint64
	logger   *logging.Logger
	onFail   FailureHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for callback failures.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithComponent("subscriptions")
		}
	}
}

// WithFailureHook registers a function to observe callback failures.
func WithFailureHook(hook FailureHook) Option {
	return func(m *Manager) { m.onFail = hook }
}

// NewManager creates a Manager that reads task state from source.
func NewManager(source TaskSource, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		subs:   make(map[string]map[uint64]Callback),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers cb for updates to taskID. The returned function
// removes the subscription; calling it more than once is harmless.
func (m *Manager) Subscribe(taskID string, cb Callback) func() {
	m.mu.Lock()
	id := m.nextID.Add(1)
	set, ok := m.subs[taskID]
	if !ok {
		set = make(map[uint64]Callback)
		m.subs[taskID] = set
	}
	set[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(taskID, id) })
	}
}

func (m *Manager) unsubscribe(taskID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[taskID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m.subs, taskID)
	}
}

// HasSubscribers reports whether anything is subscribed to taskID.
func (m *Manager) HasSubscribers(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[taskID]) > 0
}

// Notify sends the current state of taskID to its subscribers, in
// subscription order. Unknown tasks and tasks without subscribers are
// ignored. Callbacks run outside the lock, so they may subscribe or
// unsubscribe.
func (m *Manager) Notify(taskID string) {
	m.mu.RLock()
	callbacks := ordered(m.subs[taskID])
	m.mu.RUnlock()

	if len(callbacks) == 0 {
		return
	}

	task := m.source.GetTask(taskID)
	if task == nil {
		return
	}
	for _, cb := range callbacks {
		m.deliver(taskID, cb, ViewOf(task))
	}
}

// Prune ends the subscriptions of every task that no longer exists. Each
// subscriber gets one final view with StatusRemoved and is then dropped.
func (m *Manager) Prune() {
	m.mu.Lock()
	gone := make(map[string][]Callback)
	for taskID, set := range m.subs {
		if m.source.GetTask(taskID) == nil {
			gone[taskID] = ordered(set)
			delete(m.subs, taskID)
		}
	}
	m.mu.Unlock()

	for taskID, callbacks := range gone {
		for _, cb := range callbacks {
			m.deliver(taskID, cb, TaskView{ID: taskID, Status: StatusRemoved})
		}
	}
}

// ordered returns the callbacks of set in subscription order.
func ordered(set map[uint64]Callback) []Callback {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]Callback, len(ids))
	for i, id := range ids {
		callbacks[i] = set[id]
	}
	return callbacks
}

func (m *Manager) deliver(taskID string, cb Callback, view TaskView) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(taskID, fmt.Errorf("subscriber panic: %v", r), "stack", string(debug.Stack()))
		}
	}()
	if err := cb(view); err != nil {
		m.fail(taskID, err)
	}
}

func (m *Manager) fail(taskID string, err error, args ...any) {
	m.failures.Add(1)
	m.logger.Error("task subscriber failed", append([]any{"task_id", taskID, "error", err}, args...)...)
	if m.onFail != nil {
		m.onFail(taskID, err)
	}
}

// Failures returns how many callbacks have panicked or returned an error.
func (m *Manager) Failures() uint64 {
	return m.failures.Load()
}

// AttachBus notifies subscribers whenever a task lifecycle event for their
// task is published on bus, and prunes them when tasks leave the queue. The
// returned function detaches it again.
func (m *Manager) AttachBus(bus *event.Bus) func() {
	handler := func(e event.Event) {
		if te, ok := e.(event.TaskEvent); ok {
			m.Notify(te.SubjectTaskID())
		}
	}

	types := []string{event.TypeTaskQueued, event.TypeTaskStarted, event.TypeTaskCompleted, event.TypeTaskFailed}
	ids := make([]string, 0, len(types)+2)
	for _, t := range types {
		ids = append(ids, bus.Subscribe(t, handler))
	}
	// SetState may also drop tasks, and it only reports the new depth
	prune := func(event.Event) { m.Prune() }
	ids = append(ids, bus.Subscribe(event.TypeQueueCleared, prune), bus.Subscribe(event.TypeQueueDepthChanged, prune))
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

// normalizeStatus maps foreign status names onto the queue vocabulary.
func normalizeStatus(status taskqueue.TaskStatus) string {
	switch status {
	case "pending":
		return string(taskqueue.StatusQueued)
	case "running":
		return string(taskqueue.StatusProcessing)
	}
	return string(status)
}

// ViewOf builds the subscriber view of t. Empty input data is shown as {}.
func ViewOf(t *taskqueue.Task) TaskView {
	t = t.Clone()
	data := t.Data
	if data.IsEmpty() {
		data = taskqueue.Payload("{}")
	}
	return TaskView{
		ID:          t.ID,
		Type:        string(t.Type),
		Status:      normalizeStatus(t.Status),
		Priority:    t.Priority,
		Data:        data,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartTime:   t.StartTime,
		CompletedAt: t.CompletedAt,
	}
}

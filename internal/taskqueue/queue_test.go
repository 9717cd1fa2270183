package taskqueue

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qsched/qsched/internal/errors"
)

// fakeClock returns a monotonically increasing time, one second per call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// seqIDs returns an id generator producing task-1, task-2, ...
func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
}

func newTestManager() *Manager {
	return NewManager(WithClock(newFakeClock().Now), WithIDGenerator(seqIDs()))
}

func mustAdd(t *testing.T, m *Manager, taskType TaskType, priority float64) string {
	t.Helper()
	id, err := m.AddTask(taskType, priority, nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	return id
}

func TestNewManager(t *testing.T) {
	m := NewManager()

	s := m.State()
	if len(s.Tasks) != 0 || len(s.ProcessingQueue) != 0 || len(s.CompletedTasks) != 0 {
		t.Errorf("new manager should be empty, got %+v", s)
	}
	if s.ActiveTaskID != "" {
		t.Errorf("ActiveTaskID = %q, want empty", s.ActiveTaskID)
	}
}

func TestAddTask_GeneratedID(t *testing.T) {
	m := NewManager()

	id, err := m.AddTask(TypeAnalysis, 1, nil)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if !strings.HasPrefix(id, "task-") || len(id) != len("task-")+36 {
		t.Errorf("id = %q, want task-<uuid>", id)
	}

	task := m.GetTask(id)
	if task == nil {
		t.Fatal("GetTask returned nil for a new task")
	}
	if task.Status != StatusQueued {
		t.Errorf("status = %s, want queued", task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if task.StartTime != nil || task.CompletedAt != nil {
		t.Error("timestamps other than CreatedAt should be unset")
	}
}

func TestAddTask_PriorityOrder(t *testing.T) {
	m := newTestManager()

	low := mustAdd(t, m, TypeSimulation, 1)
	high := mustAdd(t, m, TypeSimulation, 5)
	mid := mustAdd(t, m, TypeSimulation, 3)

	want := []string{high, mid, low}
	if got := m.State().ProcessingQueue; !reflect.DeepEqual(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}

	for _, id := range want {
		task := m.GetNextTask()
		if task == nil || task.ID != id {
			t.Fatalf("GetNextTask = %v, want %s", task, id)
		}
		if !m.CompleteTask(id, nil) {
			t.Fatalf("CompleteTask(%s) = false", id)
		}
	}
}

func TestAddTask_EqualPriorityIsFIFO(t *testing.T) {
	m := newTestManager()

	first := mustAdd(t, m, TypeAnalysis, 2)
	second := mustAdd(t, m, TypeAnalysis, 2)
	third := mustAdd(t, m, TypeAnalysis, 2)

	want := []string{first, second, third}
	if got := m.State().ProcessingQueue; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
}

func TestAddTask_Validation(t *testing.T) {
	tests := []struct {
		name     string
		taskType TaskType
		priority float64
		data     string
		wantErr  error
	}{
		{name: "unknown type", taskType: "teleportation", data: "", wantErr: errors.ErrInvalidPayload},
		{name: "payload not an object", taskType: TypeSimulation, data: `[1,2]`, wantErr: errors.ErrInvalidPayload},
		{name: "negative qubits", taskType: TypeSimulation, data: `{"qubits": -1}`, wantErr: errors.ErrInvalidPayload},
		{name: "empty participant", taskType: TypeDistribution, data: `{"participants": ["alice", ""]}`, wantErr: errors.ErrInvalidPayload},
		{name: "wrong field type", taskType: TypeOptimization, data: `{"iterations": "many"}`, wantErr: errors.ErrInvalidPayload},
		{name: "NaN priority", taskType: TypeAnalysis, priority: nan(), wantErr: errors.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			var data Payload
			if tt.data != "" {
				data = Payload(tt.data)
			}
			_, err := m.AddTask(tt.taskType, tt.priority, data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddTask error = %v, want %v", err, tt.wantErr)
			}
			if m.Status().Total != 0 {
				t.Error("a rejected task should not be stored")
			}
		})
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestAddTask_AcceptsValidPayloads(t *testing.T) {
	payloads := map[TaskType]string{
		TypeOptimization: `{"objective": "portfolio", "iterations": 100}`,
		TypeSimulation:   `{"qubits": 8, "depth": 20, "extra": true}`,
		TypeAnalysis:     `{"dataset": "runs", "metrics": ["fidelity"]}`,
		TypeDistribution: `{"participants": ["alice", "bob"], "key_length": 256}`,
		TypeEncryption:   `{"algorithm": "kyber", "key_id": "k1"}`,
	}

	m := newTestManager()
	for taskType, data := range payloads {
		if _, err := m.AddTask(taskType, 1, Payload(data)); err != nil {
			t.Errorf("AddTask(%s) error = %v", taskType, err)
		}
	}
	if m.Status().Queued != len(payloads) {
		t.Errorf("queued = %d, want %d", m.Status().Queued, len(payloads))
	}
}

func TestAddTaskWithID(t *testing.T) {
	m := newTestManager()

	if err := m.AddTaskWithID("custom", TypeEncryption, 1, nil); err != nil {
		t.Fatalf("AddTaskWithID: %v", err)
	}
	if err := m.AddTaskWithID("custom", TypeEncryption, 1, nil); !errors.Is(err, errors.ErrTaskExists) {
		t.Errorf("duplicate id error = %v, want ErrTaskExists", err)
	}
	if err := m.AddTaskWithID("", TypeEncryption, 1, nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty id error = %v, want ErrInvalidInput", err)
	}
}

func TestGetNextTask(t *testing.T) {
	m := newTestManager()

	if m.GetNextTask() != nil {
		t.Error("GetNextTask on an empty queue should return nil")
	}

	id := mustAdd(t, m, TypeOptimization, 1)
	task := m.GetNextTask()
	if task == nil {
		t.Fatal("GetNextTask returned nil")
	}
	if task.ID != id || task.Status != StatusProcessing {
		t.Errorf("task = %+v, want %s processing", task, id)
	}
	if task.StartTime == nil {
		t.Error("StartTime should be set")
	}

	s := m.State()
	if s.ActiveTaskID != id {
		t.Errorf("ActiveTaskID = %q, want %q", s.ActiveTaskID, id)
	}
	if len(s.ProcessingQueue) != 0 {
		t.Errorf("queue = %v, want empty", s.ProcessingQueue)
	}
}

func TestGetNextTask_SingleActive(t *testing.T) {
	m := newTestManager()

	first := mustAdd(t, m, TypeSimulation, 5)
	second := mustAdd(t, m, TypeSimulation, 1)

	if task := m.GetNextTask(); task == nil || task.ID != first {
		t.Fatalf("first GetNextTask = %v, want %s", task, first)
	}
	if task := m.GetNextTask(); task != nil {
		t.Fatalf("GetNextTask while %s is processing = %s, want nil", first, task.ID)
	}
	if got := m.State().ProcessingQueue; !reflect.DeepEqual(got, []string{second}) {
		t.Errorf("queue = %v, want [%s]", got, second)
	}

	if !m.FailTask(first, "boom") {
		t.Fatal("FailTask returned false")
	}
	if task := m.GetNextTask(); task == nil || task.ID != second {
		t.Errorf("GetNextTask after failure = %v, want %s", task, second)
	}
}

func TestGetNextTask_DropsStaleID(t *testing.T) {
	m := newTestManager()
	live := mustAdd(t, m, TypeAnalysis, 1)

	// Reach into the state to simulate an id whose task was removed.
	m.mu.Lock()
	m.state.ProcessingQueue = append([]string{"ghost"}, m.state.ProcessingQueue...)
	m.mu.Unlock()

	if task := m.GetNextTask(); task != nil {
		t.Errorf("GetNextTask = %v, want nil for stale head", task)
	}
	if got := m.State().ProcessingQueue; !reflect.DeepEqual(got, []string{live}) {
		t.Errorf("queue = %v, want [%s]", got, live)
	}
	if task := m.GetNextTask(); task == nil || task.ID != live {
		t.Errorf("GetNextTask = %v, want %s", task, live)
	}
}

func TestCompleteTask(t *testing.T) {
	m := newTestManager()
	id := mustAdd(t, m, TypeOptimization, 1)
	m.GetNextTask()

	result := Payload(`{"energy": -1.5}`)
	if !m.CompleteTask(id, result) {
		t.Fatal("CompleteTask returned false")
	}
	result[0] = 'X'

	task := m.GetTask(id)
	if task.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if string(task.Result) != `{"energy": -1.5}` {
		t.Errorf("Result = %s; caller mutation should not leak in", task.Result)
	}
	if task.CompletedAt == nil || task.RunTime() <= 0 {
		t.Errorf("CompletedAt = %v, RunTime = %v", task.CompletedAt, task.RunTime())
	}

	s := m.State()
	if s.ActiveTaskID != "" {
		t.Errorf("ActiveTaskID = %q, want empty", s.ActiveTaskID)
	}
	if !reflect.DeepEqual(s.CompletedTasks, []string{id}) {
		t.Errorf("CompletedTasks = %v, want [%s]", s.CompletedTasks, id)
	}
}

func TestFailTask(t *testing.T) {
	m := newTestManager()
	id := mustAdd(t, m, TypeEncryption, 1)
	m.GetNextTask()

	if !m.FailTask(id, "key rotation failed") {
		t.Fatal("FailTask returned false")
	}

	task := m.GetTask(id)
	if task.Status != StatusFailed || task.Error != "key rotation failed" {
		t.Errorf("task = %+v", task)
	}
	s := m.State()
	if len(s.CompletedTasks) != 0 {
		t.Errorf("failed tasks should not be listed as completed: %v", s.CompletedTasks)
	}
	if s.ActiveTaskID != "" {
		t.Errorf("ActiveTaskID = %q, want empty", s.ActiveTaskID)
	}
}

func TestTerminalIdempotence(t *testing.T) {
	m := newTestManager()
	id := mustAdd(t, m, TypeSimulation, 1)
	m.GetNextTask()
	m.CompleteTask(id, Payload(`"first"`))

	before := m.State()

	if m.CompleteTask(id, Payload(`"second"`)) {
		t.Error("CompleteTask on a completed task should return false")
	}
	if m.FailTask(id, "late failure") {
		t.Error("FailTask on a completed task should return false")
	}

	if !reflect.DeepEqual(m.State(), before) {
		t.Error("state changed after no-op transitions")
	}
}

func TestTransitions_NoOps(t *testing.T) {
	m := newTestManager()
	mustAdd(t, m, TypeAnalysis, 1)

	tests := []struct {
		name string
		op   func() bool
	}{
		{name: "complete unknown", op: func() bool { return m.CompleteTask("nope", nil) }},
		{name: "fail unknown", op: func() bool { return m.FailTask("nope", "x") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := m.State()
			if tt.op() {
				t.Error("expected false")
			}
			if !reflect.DeepEqual(m.State(), before) {
				t.Error("state changed")
			}
		})
	}

	if m.GetTask("nope") != nil {
		t.Error("GetTask of an unknown id should return nil")
	}
}

func TestTransitions_QueuedTask(t *testing.T) {
	tests := []struct {
		name       string
		op         func(m *Manager, id string) bool
		wantStatus TaskStatus
		completed  int
	}{
		{
			name:       "fail abandons",
			op:         func(m *Manager, id string) bool { return m.FailTask(id, "abandoned") },
			wantStatus: StatusFailed,
		},
		{
			name:       "complete without starting",
			op:         func(m *Manager, id string) bool { return m.CompleteTask(id, Payload(`{"skipped":true}`)) },
			wantStatus: StatusCompleted,
			completed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			id := mustAdd(t, m, TypeAnalysis, 2)
			other := mustAdd(t, m, TypeAnalysis, 1)

			if !tt.op(m, id) {
				t.Fatal("transition of a queued task returned false")
			}

			task := m.GetTask(id)
			if task.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", task.Status, tt.wantStatus)
			}
			if task.CompletedAt == nil || task.StartTime != nil {
				t.Errorf("timestamps = start %v, completed %v", task.StartTime, task.CompletedAt)
			}
			if task.RunTime() != 0 {
				t.Errorf("RunTime = %v, want 0 for a task that never started", task.RunTime())
			}

			s := m.State()
			if !reflect.DeepEqual(s.ProcessingQueue, []string{other}) {
				t.Errorf("queue = %v, want [%s]", s.ProcessingQueue, other)
			}
			if len(s.CompletedTasks) != tt.completed {
				t.Errorf("completed tasks = %v", s.CompletedTasks)
			}
			if err := s.Validate(); err != nil {
				t.Errorf("state after transition is invalid: %v", err)
			}

			next := m.GetNextTask()
			if next == nil || next.ID != other {
				t.Errorf("GetNextTask = %v, want %s", next, other)
			}
			if tt.op(m, id) {
				t.Error("second transition of a finished task should return false")
			}
		})
	}
}

func TestGetTask_ReturnsCopy(t *testing.T) {
	m := newTestManager()
	id, _ := m.AddTask(TypeAnalysis, 1, Payload(`{"dataset":"a"}`))

	task := m.GetTask(id)
	task.Status = StatusFailed
	task.Data[2] = 'X'

	again := m.GetTask(id)
	if again.Status != StatusQueued || string(again.Data) != `{"dataset":"a"}` {
		t.Errorf("mutating a returned task changed the stored one: %+v", again)
	}
}

func TestGetAllTasksSorted(t *testing.T) {
	m := newTestManager()

	a := mustAdd(t, m, TypeAnalysis, 1)
	b := mustAdd(t, m, TypeAnalysis, 3)
	c := mustAdd(t, m, TypeAnalysis, 3)
	d := mustAdd(t, m, TypeAnalysis, 2)

	var got []string
	for _, task := range m.GetAllTasksSorted() {
		got = append(got, task.ID)
	}
	want := []string{b, c, d, a}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sorted = %v, want %v", got, want)
	}
}

func TestTasksByStatus(t *testing.T) {
	m := newTestManager()
	first := mustAdd(t, m, TypeSimulation, 2)
	second := mustAdd(t, m, TypeSimulation, 1)
	m.GetNextTask()
	m.CompleteTask(first, nil)

	completed := m.TasksByStatus(StatusCompleted)
	if len(completed) != 1 || completed[0].ID != first {
		t.Errorf("completed = %v, want [%s]", completed, first)
	}
	queued := m.TasksByStatus(StatusQueued)
	if len(queued) != 1 || queued[0].ID != second {
		t.Errorf("queued = %v, want [%s]", queued, second)
	}
	if len(m.TasksByStatus(StatusFailed)) != 0 {
		t.Error("no task should be failed")
	}
}

func TestClearCompleted(t *testing.T) {
	m := newTestManager()
	done := mustAdd(t, m, TypeAnalysis, 3)
	failed := mustAdd(t, m, TypeAnalysis, 2)
	waiting := mustAdd(t, m, TypeAnalysis, 1)

	m.GetNextTask()
	m.CompleteTask(done, nil)
	m.GetNextTask()
	m.FailTask(failed, "x")

	if n := m.ClearCompleted(); n != 2 {
		t.Errorf("ClearCompleted = %d, want 2", n)
	}
	s := m.State()
	if len(s.Tasks) != 1 || s.Tasks[waiting] == nil {
		t.Errorf("remaining tasks = %v, want only %s", s.Tasks, waiting)
	}
	if len(s.CompletedTasks) != 0 {
		t.Errorf("CompletedTasks = %v, want empty", s.CompletedTasks)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("state invalid after ClearCompleted: %v", err)
	}
}

func TestClearTasks(t *testing.T) {
	m := newTestManager()
	mustAdd(t, m, TypeAnalysis, 1)
	mustAdd(t, m, TypeAnalysis, 2)
	m.GetNextTask()

	if n := m.ClearTasks(); n != 2 {
		t.Errorf("ClearTasks = %d, want 2", n)
	}
	if got := m.Status(); got != (QueueStatus{}) {
		t.Errorf("Status after clear = %+v, want zero", got)
	}
}

func TestStatus(t *testing.T) {
	m := newTestManager()
	a := mustAdd(t, m, TypeSimulation, 3)
	b := mustAdd(t, m, TypeSimulation, 2)
	mustAdd(t, m, TypeSimulation, 1)

	m.GetNextTask()
	m.CompleteTask(a, nil)
	m.GetNextTask()

	want := QueueStatus{Total: 3, Queued: 1, Processing: 1, Completed: 1, Depth: 1, ActiveTask: b}
	if got := m.Status(); got != want {
		t.Errorf("Status = %+v, want %+v", got, want)
	}
}

func TestState_RoundTrip(t *testing.T) {
	m := newTestManager()
	a := mustAdd(t, m, TypeSimulation, 3)
	mustAdd(t, m, TypeAnalysis, 2)
	mustAdd(t, m, TypeEncryption, 1)
	m.GetNextTask()
	m.CompleteTask(a, Payload(`{"ok":true}`))
	m.GetNextTask()

	before := m.State()
	if err := m.SetState(Full(before)); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if after := m.State(); !reflect.DeepEqual(after, before) {
		t.Errorf("round trip changed state:\n got %+v\nwant %+v", after, before)
	}

	other := newTestManager()
	if err := other.SetState(Full(before)); err != nil {
		t.Fatalf("SetState on fresh manager: %v", err)
	}
	if !reflect.DeepEqual(other.State(), before) {
		t.Error("state transplanted to a new manager differs")
	}
}

func TestState_IsDeepCopy(t *testing.T) {
	m := newTestManager()
	id := mustAdd(t, m, TypeAnalysis, 1)

	s := m.State()
	s.Tasks[id].Status = StatusFailed
	s.ProcessingQueue[0] = "mutated"
	delete(s.Tasks, id)

	again := m.State()
	if again.Tasks[id] == nil || again.Tasks[id].Status != StatusQueued {
		t.Error("mutating a snapshot changed the manager")
	}
	if again.ProcessingQueue[0] != id {
		t.Errorf("queue head = %q, want %q", again.ProcessingQueue[0], id)
	}
}

func TestSetState_Partial(t *testing.T) {
	m := newTestManager()
	a := mustAdd(t, m, TypeAnalysis, 2)
	b := mustAdd(t, m, TypeAnalysis, 1)

	if err := m.SetState(PartialState{ProcessingQueue: []string{b, a}}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	s := m.State()
	if !reflect.DeepEqual(s.ProcessingQueue, []string{b, a}) {
		t.Errorf("queue = %v, want [%s %s]", s.ProcessingQueue, b, a)
	}
	if len(s.Tasks) != 2 {
		t.Errorf("tasks should be unchanged, got %d", len(s.Tasks))
	}

	if err := m.SetState(PartialState{}); err != nil {
		t.Fatalf("empty SetState: %v", err)
	}
	if !reflect.DeepEqual(m.State(), s) {
		t.Error("empty partial state should change nothing")
	}
}

func TestSetState_Invalid(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	queued := &Task{ID: "q", Type: TypeAnalysis, Status: StatusQueued, CreatedAt: ts}
	done := &Task{ID: "d", Type: TypeAnalysis, Status: StatusCompleted, CreatedAt: ts}
	active := ""

	tests := []struct {
		name  string
		state PartialState
	}{
		{
			name:  "queue references unknown task",
			state: PartialState{Tasks: map[string]*Task{"q": queued}, ProcessingQueue: []string{"ghost"}},
		},
		{
			name:  "id in queue and completed",
			state: PartialState{Tasks: map[string]*Task{"q": queued}, ProcessingQueue: []string{"q"}, CompletedTasks: []string{"q"}},
		},
		{
			name:  "duplicate queue entry",
			state: PartialState{Tasks: map[string]*Task{"q": queued}, ProcessingQueue: []string{"q", "q"}},
		},
		{
			name:  "active task not processing",
			state: PartialState{Tasks: map[string]*Task{"d": done}, ActiveTaskID: stringPtr("d")},
		},
		{
			name:  "key does not match id",
			state: PartialState{Tasks: map[string]*Task{"other": queued}, ActiveTaskID: &active},
		},
		{
			name:  "nil task",
			state: PartialState{Tasks: map[string]*Task{"x": nil}},
		},
		{
			name: "second processing task",
			state: PartialState{
				Tasks: map[string]*Task{
					"a": {ID: "a", Type: TypeAnalysis, Status: StatusProcessing, CreatedAt: ts},
					"b": {ID: "b", Type: TypeAnalysis, Status: StatusProcessing, CreatedAt: ts},
				},
				ProcessingQueue: []string{},
				ActiveTaskID:    stringPtr("a"),
			},
		},
		{
			name: "processing without active task",
			state: PartialState{
				Tasks:           map[string]*Task{"a": {ID: "a", Type: TypeAnalysis, Status: StatusProcessing, CreatedAt: ts}},
				ProcessingQueue: []string{},
				ActiveTaskID:    &active,
			},
		},
		{
			name:  "queued task missing from queue",
			state: PartialState{Tasks: map[string]*Task{"q": queued}, ProcessingQueue: []string{}, ActiveTaskID: &active},
		},
		{
			name: "unknown type",
			state: PartialState{
				Tasks:           map[string]*Task{"x": {ID: "x", Type: "bogus", Status: StatusQueued, CreatedAt: ts}},
				ProcessingQueue: []string{"x"},
				ActiveTaskID:    &active,
			},
		},
		{
			name: "payload fails schema",
			state: PartialState{
				Tasks:           map[string]*Task{"x": {ID: "x", Type: TypeAnalysis, Status: StatusQueued, Data: Payload(`{"metrics":5}`), CreatedAt: ts}},
				ProcessingQueue: []string{"x"},
				ActiveTaskID:    &active,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			mustAdd(t, m, TypeSimulation, 1)
			before := m.State()

			err := m.SetState(tt.state)
			if !errors.Is(err, errors.ErrInvalidState) {
				t.Errorf("SetState error = %v, want ErrInvalidState", err)
			}
			if !reflect.DeepEqual(m.State(), before) {
				t.Error("rejected SetState changed the manager")
			}
		})
	}
}

func TestSetState_RejectsInvalidPayload(t *testing.T) {
	m := newTestManager()
	id := mustAdd(t, m, TypeAnalysis, 1)

	s := m.State()
	s.Tasks[id].Data = Payload(`{"metrics":5}`)
	err := m.SetState(Full(s))
	if !errors.Is(err, errors.ErrInvalidState) || !errors.Is(err, errors.ErrInvalidPayload) {
		t.Errorf("SetState error = %v, want ErrInvalidState wrapping ErrInvalidPayload", err)
	}

	s = m.State()
	s.Tasks[id].Type = "bogus"
	if err := m.SetState(Full(s)); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("SetState with unknown type error = %v, want ErrInvalidState", err)
	}

	if got := m.GetTask(id); got.Type != TypeAnalysis || !got.Data.IsEmpty() {
		t.Errorf("rejected SetState changed the task: %+v", got)
	}
}

func stringPtr(s string) *string { return &s }

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()

	const producers = 8
	const perProducer = 25
	var wg sync.WaitGroup

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := m.AddTask(TypeSimulation, float64(i%5), nil); err != nil {
					t.Errorf("AddTask: %v", err)
				}
			}
		}(p)
	}

	processed := make(chan string, producers*perProducer)
	var workers sync.WaitGroup
	stop := make(chan struct{})
	workers.Add(4)
	for w := 0; w < 4; w++ {
		go func() {
			defer workers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				task := m.GetNextTask()
				if task == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				if !m.CompleteTask(task.ID, nil) {
					t.Errorf("CompleteTask(%s) = false", task.ID)
				}
				processed <- task.ID
			}
		}()
	}

	wg.Wait()
	deadline := time.After(10 * time.Second)
	for m.Status().Completed < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("timed out; status = %+v", m.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(stop)
	workers.Wait()
	close(processed)

	seen := make(map[string]bool)
	for id := range processed {
		if seen[id] {
			t.Errorf("task %s processed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != producers*perProducer {
		t.Errorf("processed %d tasks, want %d", len(seen), producers*perProducer)
	}
	if err := m.State().Validate(); err != nil {
		t.Errorf("final state invalid: %v", err)
	}
}

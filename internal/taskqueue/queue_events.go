package taskqueue

import (
	"github.com/qsched/qsched/internal/event"
)

// EventQueue wraps a Manager and publishes events to an event bus
// whenever queue operations change state. Events are published after the
// Manager lock is released, so handlers may call back into the queue.
type EventQueue struct {
	m   *Manager
	bus *event.Bus
}

// NewEventQueue creates an EventQueue that publishes events on the given bus.
func NewEventQueue(m *Manager, bus *event.Bus) *EventQueue {
	return &EventQueue{m: m, bus: bus}
}

// Manager returns the wrapped Manager.
func (eq *EventQueue) Manager() *Manager {
	return eq.m
}

// AddTask queues a task and publishes a task.queued event.
func (eq *EventQueue) AddTask(taskType TaskType, priority float64, data Payload) (string, error) {
	task, err := eq.m.addTask("", taskType, priority, data)
	if err != nil {
		return "", err
	}
	eq.bus.Publish(event.NewTaskQueuedEvent(task.ID, string(task.Type), task.Priority))
	eq.publishDepth()
	return task.ID, nil
}

// AddTaskWithID queues a task under the given id and publishes a task.queued event.
func (eq *EventQueue) AddTaskWithID(id string, taskType TaskType, priority float64, data Payload) error {
	if err := eq.m.AddTaskWithID(id, taskType, priority, data); err != nil {
		return err
	}
	eq.bus.Publish(event.NewTaskQueuedEvent(id, string(taskType), priority))
	eq.publishDepth()
	return nil
}

// GetNextTask starts the next task and publishes a task.started event.
func (eq *EventQueue) GetNextTask() *Task {
	task := eq.m.GetNextTask()
	if task == nil {
		return nil
	}
	eq.bus.Publish(event.NewTaskStartedEvent(task.ID, string(task.Type), task.Priority))
	eq.publishDepth()
	return task
}

// CompleteTask completes a task and publishes a task.completed event.
func (eq *EventQueue) CompleteTask(id string, result Payload) bool {
	task, ok := eq.m.finish(id, StatusCompleted, result, "")
	if !ok {
		return false
	}
	eq.bus.Publish(event.NewTaskCompletedEvent(task.ID, string(task.Type), task.Priority, task.RunTime()))
	eq.publishDepth()
	return true
}

// FailTask fails a task and publishes a task.failed event.
func (eq *EventQueue) FailTask(id, message string) bool {
	task, ok := eq.m.finish(id, StatusFailed, nil, message)
	if !ok {
		return false
	}
	eq.bus.Publish(event.NewTaskFailedEvent(task.ID, string(task.Type), task.Priority, task.RunTime(), message))
	eq.publishDepth()
	return true
}

// ClearCompleted evicts finished tasks and publishes a queue.cleared event
// when anything was removed.
func (eq *EventQueue) ClearCompleted() int {
	removed := eq.m.ClearCompleted()
	if removed > 0 {
		eq.bus.Publish(event.NewQueueClearedEvent(removed, true))
		eq.publishDepth()
	}
	return removed
}

// ClearTasks removes every task and publishes a queue.cleared event.
func (eq *EventQueue) ClearTasks() int {
	removed := eq.m.ClearTasks()
	eq.bus.Publish(event.NewQueueClearedEvent(removed, false))
	eq.publishDepth()
	return removed
}

// SetState replaces queue state and publishes the new depth.
func (eq *EventQueue) SetState(p PartialState) error {
	if err := eq.m.SetState(p); err != nil {
		return err
	}
	eq.publishDepth()
	return nil
}

// GetTask returns the task with the given id.
func (eq *EventQueue) GetTask(id string) *Task {
	return eq.m.GetTask(id)
}

// GetAllTasksSorted returns every task, highest priority first.
func (eq *EventQueue) GetAllTasksSorted() []*Task {
	return eq.m.GetAllTasksSorted()
}

// TasksByStatus returns the tasks in the given status.
func (eq *EventQueue) TasksByStatus(status TaskStatus) []*Task {
	return eq.m.TasksByStatus(status)
}

// Status returns the current queue status snapshot.
func (eq *EventQueue) Status() QueueStatus {
	return eq.m.Status()
}

// State returns a deep copy of the scheduler state.
func (eq *EventQueue) State() State {
	return eq.m.State()
}

// publishDepth publishes a QueueDepthChangedEvent with current counts.
func (eq *EventQueue) publishDepth() {
	s := eq.m.Status()
	eq.bus.Publish(event.NewQueueDepthChangedEvent(
		s.Queued, s.Processing, s.Completed, s.Failed, s.Total,
	))
}

var (
	_ event.TaskEvent = event.TaskTransitionEvent{}
	_ event.Event     = event.QueueDepthChangedEvent{}
	_ event.Event     = event.QueueClearedEvent{}
)

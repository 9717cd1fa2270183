package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.started", "queue.cleared")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// TaskEvent is implemented by events that concern a single task.
type TaskEvent interface {
	Event
	SubjectTaskID() string
}

// Event type identifiers.
const (
	TypeTaskQueued        = "task.queued"
	TypeTaskStarted       = "task.started"
	TypeTaskCompleted     = "task.completed"
	TypeTaskFailed        = "task.failed"
	TypeQueueDepthChanged = "queue.depth"
	TypeQueueCleared      = "queue.cleared"
	TypeWorkflowOptimized = "workflow.optimized"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskTransitionEvent is emitted whenever a queued task changes status.
type TaskTransitionEvent struct {
	baseEvent
	TaskID   string
	TaskType string
	Status   string
	Priority float64
	// RunTime is the time between dequeue and the terminal transition.
	// Zero for task.queued and task.started.
	RunTime time.Duration
	// Error carries the failure message for task.failed.
	Error string
}

// SubjectTaskID implements TaskEvent.
func (e TaskTransitionEvent) SubjectTaskID() string { return e.TaskID }

func newTransition(eventType, taskID, taskType, status string, priority float64) TaskTransitionEvent {
	return TaskTransitionEvent{
		baseEvent: newBaseEvent(eventType),
		TaskID:    taskID,
		TaskType:  taskType,
		Status:    status,
		Priority:  priority,
	}
}

// NewTaskQueuedEvent creates a task.queued event.
func NewTaskQueuedEvent(taskID, taskType string, priority float64) TaskTransitionEvent {
	return newTransition(TypeTaskQueued, taskID, taskType, "queued", priority)
}

// NewTaskStartedEvent creates a task.started event.
func NewTaskStartedEvent(taskID, taskType string, priority float64) TaskTransitionEvent {
	return newTransition(TypeTaskStarted, taskID, taskType, "processing", priority)
}

// NewTaskCompletedEvent creates a task.completed event.
func NewTaskCompletedEvent(taskID, taskType string, priority float64, runTime time.Duration) TaskTransitionEvent {
	e := newTransition(TypeTaskCompleted, taskID, taskType, "completed", priority)
	e.RunTime = runTime
	return e
}

// NewTaskFailedEvent creates a task.failed event.
func NewTaskFailedEvent(taskID, taskType string, priority float64, runTime time.Duration, errMsg string) TaskTransitionEvent {
	e := newTransition(TypeTaskFailed, taskID, taskType, "failed", priority)
	e.RunTime = runTime
	e.Error = errMsg
	return e
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueDepthChangedEvent carries the per-status task counts after a change.
type QueueDepthChangedEvent struct {
	baseEvent
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// NewQueueDepthChangedEvent creates a QueueDepthChangedEvent.
func NewQueueDepthChangedEvent(queued, processing, completed, failed, total int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent:  newBaseEvent(TypeQueueDepthChanged),
		Queued:     queued,
		Processing: processing,
		Completed:  completed,
		Failed:     failed,
		Total:      total,
	}
}

// QueueClearedEvent is emitted when tasks are removed in bulk.
type QueueClearedEvent struct {
	baseEvent
	// Removed is the number of tasks dropped.
	Removed int
	// TerminalOnly is true when only completed and failed tasks were evicted.
	TerminalOnly bool
}

// NewQueueClearedEvent creates a QueueClearedEvent.
func NewQueueClearedEvent(removed int, terminalOnly bool) QueueClearedEvent {
	return QueueClearedEvent{
		baseEvent:    newBaseEvent(TypeQueueCleared),
		Removed:      removed,
		TerminalOnly: terminalOnly,
	}
}

// -----------------------------------------------------------------------------
// Workflow Events
// -----------------------------------------------------------------------------

// WorkflowOptimizedEvent is emitted after a workflow has been optimized.
type WorkflowOptimizedEvent struct {
	baseEvent
	Tasks                 int
	OriginalTimeMs        float64
	OptimizedTimeMs       float64
	ParallelizationFactor float64
}

// NewWorkflowOptimizedEvent creates a WorkflowOptimizedEvent.
func NewWorkflowOptimizedEvent(tasks int, originalMs, optimizedMs, factor float64) WorkflowOptimizedEvent {
	return WorkflowOptimizedEvent{
		baseEvent:             newBaseEvent(TypeWorkflowOptimized),
		Tasks:                 tasks,
		OriginalTimeMs:        originalMs,
		OptimizedTimeMs:       optimizedMs,
		ParallelizationFactor: factor,
	}
}

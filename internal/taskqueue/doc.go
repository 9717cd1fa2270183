// Package taskqueue provides the runtime task queue: a priority-ordered
// processing queue with at most one task in flight.
//
// The core type is [Manager]. Tasks are added with a type, a priority and
// a JSON payload that is checked against the schema for the task type.
// [Manager.GetNextTask] hands out the highest-priority queued task and
// refuses to hand out another until that task is completed or failed.
// Completing or failing a task that is not processing is a no-op that
// returns false.
//
// [EventQueue] decorates a Manager and publishes lifecycle events on an
// [event.Bus] once each operation has released the Manager lock.
//
// Queue state can be saved to and restored from a directory, which the
// CLI uses to keep one queue across invocations.
//
// Usage:
//
//	m := taskqueue.NewManager()
//	id, err := m.AddTask(taskqueue.TypeSimulation, 5, data)
//
//	task := m.GetNextTask()
//	if task != nil {
//	    // ... execute task ...
//	    m.CompleteTask(task.ID, result)
//	}
package taskqueue

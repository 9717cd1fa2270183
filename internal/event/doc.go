// Package event provides a synchronous pub-sub bus for task lifecycle
// notifications in qsched.
//
// The task queue publishes an event for every state transition; observers
// such as the subscription manager and the metrics exporter subscribe
// without the queue knowing about them.
//
// # Main Types
//
//   - [Event]: interface implemented by every event (EventType, Timestamp)
//   - [Bus]: synchronous dispatcher, safe for concurrent use
//   - [TaskTransitionEvent]: task.queued, task.started, task.completed, task.failed
//   - [QueueDepthChangedEvent]: per-status counts after each transition
//   - [QueueClearedEvent]: the queue was reset or pruned
//   - [WorkflowOptimizedEvent]: an optimization run finished
//
// # Handler Isolation
//
// Handlers run on the publisher's goroutine, after the bus has released its
// own lock, so a handler may publish or subscribe again. A panicking handler
// is recovered and logged; remaining handlers still run.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeTaskCompleted, func(e event.Event) {
//	    te := e.(event.TaskTransitionEvent)
//	    fmt.Println(te.TaskID, "done")
//	})
package event

// Package logging provides structured logging for qsched.
//
// It wraps log/slog with a JSON handler and adds persistent context
// attributes (workflow, task) so that every line written while a task moves
// through the queue can be correlated afterwards.
//
// Logs go to stderr unless a state directory is configured, in which case
// they are appended to {stateDir}/qsched.log through a [RotatingWriter].
// Once the file exceeds the configured size it is archived as
// qsched.1.log, pushing older archives to qsched.2.log and beyond;
// [LogFiles] lists everything still on disk in write order.
//
//	logger, err := logging.NewLogger(stateDir, "info", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithTask(id).Info("task completed", "duration_ms", 150)
//
// [NopLogger] discards everything and is what tests and library callers
// that do not care about logs should pass.
package logging

// Package errors provides centralized error definitions and error handling
// utilities for qsched. It defines the scheduler's sentinel errors, the
// workflow graph errors reported by the optimizer, semantic error types, and
// classification helpers used by the CLI and HTTP layers.
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewCycleError([]string{"a", "b"})
//	err := errors.NewNotFoundError("task", "task-123")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrDependencyCycle) { ... }
//
//	var cycle *errors.CycleError
//	if errors.As(err, &cycle) { fmt.Println(cycle.TaskIDs) }
//
//	if errors.IsUserFacing(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workflow-related sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between workflow tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDanglingDependency indicates a dependsOn entry naming an unknown task.
	ErrDanglingDependency = New("dependency references unknown task")
	// ErrDuplicateTask indicates two workflow tasks share an id.
	ErrDuplicateTask = New("duplicate task id")
)

// Queue-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrTaskExists indicates that a task id is already present in the queue.
	ErrTaskExists = New("task already exists")
	// ErrInvalidPayload indicates a task payload that does not match its type.
	ErrInvalidPayload = New("invalid task payload")
	// ErrInvalidState indicates a snapshot that violates queue invariants.
	ErrInvalidState = New("invalid queue state")
	// ErrInvalidTransition indicates a lifecycle change the task's status does not allow.
	ErrInvalidTransition = New("invalid task transition")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SchedulerError is the base interface for all qsched errors.
type SchedulerError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Workflow Graph Errors
// -----------------------------------------------------------------------------

// CycleError reports workflow tasks that can never become ready because
// they depend on each other, directly or transitively.
//
// Example:
//
//	err := errors.NewCycleError([]string{"b", "a"})
//	fmt.Println(err) // "dependency cycle detected: a, b"
type CycleError struct {
	baseError
	// TaskIDs lists every task left unresolved by the topological pass, sorted.
	TaskIDs []string
}

// NewCycleError creates a CycleError for the given task ids.
func NewCycleError(taskIDs []string) *CycleError {
	ids := append([]string(nil), taskIDs...)
	slices.Sort(ids)
	return &CycleError{
		baseError: baseError{
			message:    ErrDependencyCycle.Error(),
			cause:      ErrDependencyCycle,
			severity:   SeverityError,
			userFacing: true,
		},
		TaskIDs: ids,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", e.message, strings.Join(e.TaskIDs, ", "))
}

// DanglingDependencyError reports a dependsOn entry that names a task absent
// from the workflow. It is only produced when strict dependency checking is on.
type DanglingDependencyError struct {
	baseError
	TaskID       string
	DependencyID string
}

// NewDanglingDependencyError creates a DanglingDependencyError.
func NewDanglingDependencyError(taskID, dependencyID string) *DanglingDependencyError {
	return &DanglingDependencyError{
		baseError: baseError{
			message:    ErrDanglingDependency.Error(),
			cause:      ErrDanglingDependency,
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID:       taskID,
		DependencyID: dependencyID,
	}
}

// Error returns the formatted error message.
func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("task %q: %s %q", e.TaskID, e.message, e.DependencyID)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError. Lookups of ids that were
// cleared or never existed are routine, so the severity is informational.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			cause:      ErrTaskNotFound,
			severity:   SeverityInfo,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return e.message
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("priority must be finite").WithField("priority")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is reports ErrInvalidInput as a match for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var schedErr SchedulerError
	if As(err, &schedErr) {
		return schedErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SchedulerError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var schedErr SchedulerError
	if As(err, &schedErr) {
		return schedErr.Severity()
	}
	return SeverityError
}

// IsGraphError returns true if the error describes a malformed workflow graph.
func IsGraphError(err error) bool {
	return Is(err, ErrDependencyCycle) || Is(err, ErrDanglingDependency) || Is(err, ErrDuplicateTask)
}

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "optimize workflow")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

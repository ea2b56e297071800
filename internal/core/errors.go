package core

import "github.com/cockroachdb/errors"

// Scheduler-level structural errors are returned to the mutating caller.
// Execution errors never leave the executor; they only end up as the
// terminal status and error text of a Run.
var (
	// ErrInvalidSchedule wraps cron parse failures.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidTask reports a task definition that fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnsupportedTaskKind is fatal for the task that carries it.
	ErrUnsupportedTaskKind = errors.New("unsupported task kind")

	// ErrExecutionFailure is a non-zero exit, a non-2xx response or any
	// other retryable strategy failure.
	ErrExecutionFailure = errors.New("execution failed")

	// ErrExecutionTimeout is a per-attempt deadline that elapsed.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionCancelled is an execution stopped by scheduler shutdown.
	ErrExecutionCancelled = errors.New("execution cancelled")

	ErrTaskNotFound     = errors.New("task not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrTaskBusy         = errors.New("task has reached its concurrent run limit")
	ErrSchedulerStopped = errors.New("scheduler is shutting down")
)

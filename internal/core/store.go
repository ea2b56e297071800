package core

import (
	"context"
	"time"
)

// TaskStore persists task definitions.
type TaskStore interface {
	InsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, int, error)
	ListEnabledTasks(ctx context.Context) ([]*Task, error)
	UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
	UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error
}

// RunStore persists execution logs. UpdateRunRetries and FinishRun only
// touch runs that are still running.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
	UpdateRunRetries(ctx context.Context, id string, retryCount int) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error)
	PruneRuns(ctx context.Context, taskID string, keep int) error
}

// Store abstracts the persistence layer used by the scheduler and executor.
type Store interface {
	TaskStore
	RunStore
}

// Notifier delivers failure notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

package core

import (
	"strings"
	"time"
)

// TaskKind selects the execution strategy of a task. The set is closed.
type TaskKind string

const (
	KindShell  TaskKind = "shell"
	KindScript TaskKind = "script"
	KindHTTP   TaskKind = "http"
)

// ParseTaskKind normalizes a kind name. "python" is accepted for script
// tasks created by older admin clients.
func ParseTaskKind(s string) (TaskKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shell":
		return KindShell, true
	case "script", "python":
		return KindScript, true
	case "http":
		return KindHTTP, true
	default:
		return TaskKind(s), false
	}
}

// RunStatus describes the state of an execution log entry.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusTimeout RunStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

const (
	DefaultTimeoutSeconds = 3600
	DefaultMaxRetries     = 3
)

// Task represents a cron-scheduled unit of work.
type Task struct {
	ID             string
	Name           string
	Kind           TaskKind
	Cron           string
	Command        string
	WorkingDir     string
	RunAs          string
	Interpreter    string
	EnvVars        string // KEY=VALUE, one per line
	Args           string // JSON payload
	TimeoutSeconds int
	MaxRetries     int
	Enabled        bool
	Remark         string
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Timeout returns the per-attempt deadline, zero when unbounded.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Run captures one execution of a task, including all of its retries.
type Run struct {
	ID         string
	TaskID     string
	Trigger    Trigger
	Status     RunStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	DurationMs int64
	Output     string
	Error      string
	RetryCount int
	CreatedAt  time.Time
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Name    string
	Kind    TaskKind
	Enabled *bool
	Limit   int
	Offset  int
}

// RunFilter narrows run listings.
type RunFilter struct {
	TaskID string
	Status RunStatus
	Limit  int
	Offset int
}

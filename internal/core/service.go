package core

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// TaskInput describes a new task. Nil pointers select the defaults.
type TaskInput struct {
	Name           string
	Kind           string
	Cron           string
	Command        string
	WorkingDir     string
	RunAs          string
	Interpreter    string
	EnvVars        string
	Args           string
	Remark         string
	TimeoutSeconds *int
	MaxRetries     *int
	Enabled        *bool
}

// TaskPatch describes a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Name           *string
	Kind           *string
	Cron           *string
	Command        *string
	WorkingDir     *string
	RunAs          *string
	Interpreter    *string
	EnvVars        *string
	Args           *string
	Remark         *string
	TimeoutSeconds *int
	MaxRetries     *int
	Enabled        *bool
}

// TaskService is the admin interface over tasks. Every mutation updates the
// store and the scheduler together and undoes the store change when the
// scheduler rejects it.
type TaskService struct {
	store     Store
	scheduler *Scheduler
	logger    *slog.Logger
	location  *time.Location

	mu sync.Mutex
}

// NewTaskService wires the admin layer to the store and scheduler.
func NewTaskService(store Store, scheduler *Scheduler, logger *slog.Logger) *TaskService {
	return &TaskService{store: store, scheduler: scheduler, logger: logger, location: scheduler.location}
}

// Location returns the time zone cron expressions are evaluated in.
func (s *TaskService) Location() *time.Location {
	return s.location
}

// CreateTask validates and persists a task, registering it when enabled.
func (s *TaskService) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	kind, _ := ParseTaskKind(in.Kind)
	now := time.Now().UTC()
	task := &Task{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		Kind:           kind,
		Cron:           strings.TrimSpace(in.Cron),
		Command:        strings.TrimSpace(in.Command),
		WorkingDir:     strings.TrimSpace(in.WorkingDir),
		RunAs:          strings.TrimSpace(in.RunAs),
		Interpreter:    strings.TrimSpace(in.Interpreter),
		EnvVars:        in.EnvVars,
		Args:           strings.TrimSpace(in.Args),
		Remark:         in.Remark,
		TimeoutSeconds: DefaultTimeoutSeconds,
		MaxRetries:     DefaultMaxRetries,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.TimeoutSeconds != nil {
		task.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.MaxRetries != nil {
		task.MaxRetries = *in.MaxRetries
	}
	if in.Enabled != nil {
		task.Enabled = *in.Enabled
	}
	if err := ValidateTask(task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, errors.Wrap(err, "insert task")
	}
	if task.Enabled {
		if err := s.scheduler.AddOrReplace(ctx, task); err != nil {
			if derr := s.store.DeleteTask(ctx, task.ID); derr != nil {
				s.logger.Error("roll back task insert", "task_id", task.ID, "err", derr)
			}
			return nil, err
		}
	}
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name, "kind", task.Kind, "enabled", task.Enabled)
	return task, nil
}

// UpdateTask applies patch. The registration is refreshed when the enabled
// flag, cron expression or kind changes.
func (s *TaskService) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *old
	applyPatch(&next, patch)
	if err := ValidateTask(&next); err != nil {
		return nil, err
	}
	if !next.Enabled {
		next.NextRunAt = nil
	}
	next.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateTask(ctx, &next); err != nil {
		return nil, errors.Wrap(err, "update task")
	}
	if next.Enabled == old.Enabled && next.Cron == old.Cron && next.Kind == old.Kind {
		return &next, nil
	}

	if !next.Enabled {
		s.scheduler.Remove(next.ID)
		s.logger.Info("task disabled", "task_id", next.ID)
		return &next, nil
	}
	if err := s.scheduler.AddOrReplace(ctx, &next); err != nil {
		if rerr := s.store.UpdateTask(ctx, old); rerr != nil {
			s.logger.Error("roll back task update", "task_id", id, "err", rerr)
		}
		if old.Enabled {
			if rerr := s.scheduler.AddOrReplace(ctx, old); rerr != nil {
				s.logger.Error("restore task registration", "task_id", id, "err", rerr)
			}
		}
		return nil, err
	}
	s.logger.Info("task rescheduled", "task_id", next.ID, "cron", next.Cron, "next_run_at", next.NextRunAt)
	return &next, nil
}

// SetEnabled is a shorthand for an update of the enabled flag.
func (s *TaskService) SetEnabled(ctx context.Context, id string, enabled bool) (*Task, error) {
	return s.UpdateTask(ctx, id, TaskPatch{Enabled: &enabled})
}

// DeleteTask unregisters the task and removes it with its runs.
func (s *TaskService) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.scheduler.Remove(id)
	if err := s.store.DeleteTask(ctx, id); err != nil {
		if task.Enabled {
			if rerr := s.scheduler.AddOrReplace(ctx, task); rerr != nil {
				s.logger.Error("restore task registration", "task_id", id, "err", rerr)
			}
		}
		return errors.Wrap(err, "delete task")
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// ExecuteNow starts a manual run and returns its running log entry.
func (s *TaskService) ExecuteNow(ctx context.Context, id string) (*Run, error) {
	return s.scheduler.ExecuteNow(ctx, id)
}

func (s *TaskService) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *TaskService) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, int, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *TaskService) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.store.GetRun(ctx, id)
}

func (s *TaskService) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error) {
	return s.store.ListRuns(ctx, filter)
}

// PreviewCron returns the next n fire times of expr in the service location.
func (s *TaskService) PreviewCron(expr string, n int) ([]time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 5
	}
	return NextOccurrences(schedule, time.Now().In(s.location), n), nil
}

// ValidateTask checks a task definition before it is stored.
func ValidateTask(task *Task) error {
	if task.Name == "" {
		return errors.Wrap(ErrInvalidTask, "name is required")
	}
	if _, ok := ParseTaskKind(string(task.Kind)); !ok {
		return errors.Wrapf(ErrUnsupportedTaskKind, "%q", task.Kind)
	}
	if _, err := ParseCron(task.Cron); err != nil {
		return err
	}
	if task.Command == "" {
		return errors.Wrap(ErrInvalidTask, "command is required")
	}
	if task.TimeoutSeconds < 0 {
		return errors.Wrap(ErrInvalidTask, "timeout_seconds must be >= 0")
	}
	if task.MaxRetries < 0 {
		return errors.Wrap(ErrInvalidTask, "max_retries must be >= 0")
	}
	if task.Kind == KindHTTP {
		u, err := url.Parse(task.Command)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Wrapf(ErrInvalidTask, "http task needs an absolute http(s) URL, got %q", task.Command)
		}
	}
	return nil
}

func applyPatch(t *Task, p TaskPatch) {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Kind != nil {
		t.Kind, _ = ParseTaskKind(*p.Kind)
	}
	if p.Cron != nil {
		t.Cron = strings.TrimSpace(*p.Cron)
	}
	if p.Command != nil {
		t.Command = strings.TrimSpace(*p.Command)
	}
	if p.WorkingDir != nil {
		t.WorkingDir = strings.TrimSpace(*p.WorkingDir)
	}
	if p.RunAs != nil {
		t.RunAs = strings.TrimSpace(*p.RunAs)
	}
	if p.Interpreter != nil {
		t.Interpreter = strings.TrimSpace(*p.Interpreter)
	}
	if p.EnvVars != nil {
		t.EnvVars = *p.EnvVars
	}
	if p.Args != nil {
		t.Args = strings.TrimSpace(*p.Args)
	}
	if p.Remark != nil {
		t.Remark = *p.Remark
	}
	if p.TimeoutSeconds != nil {
		t.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.MaxRetries != nil {
		t.MaxRetries = *p.MaxRetries
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
}

package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"opscron/internal/core"
)

// ErrTaskNotFound wraps core.ErrTaskNotFound so either can be checked.
var ErrTaskNotFound = errors.Wrap(core.ErrTaskNotFound, "store")

var _ core.Store = (*Store)(nil)

const taskColumns = `id, name, kind, cron, command, working_dir, run_as, interpreter, env_vars, args,
	timeout_seconds, max_retries, enabled, remark, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Kind, task.Cron, task.Command, task.WorkingDir, task.RunAs, task.Interpreter,
		task.EnvVars, task.Args, task.TimeoutSeconds, task.MaxRetries, boolInt(task.Enabled), task.Remark,
		nullableTime(task.LastRunAt), nullableTime(task.NextRunAt), formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert task")
	}
	return nil
}

// UpdateTask rewrites the definition and scheduling columns. last_run_at
// is owned by the executor and left alone.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, kind = ?, cron = ?, command = ?, working_dir = ?, run_as = ?, interpreter = ?,
			env_vars = ?, args = ?, timeout_seconds = ?, max_retries = ?, enabled = ?, remark = ?,
			next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Kind, task.Cron, task.Command, task.WorkingDir, task.RunAs, task.Interpreter,
		task.EnvVars, task.Args, task.TimeoutSeconds, task.MaxRetries, boolInt(task.Enabled), task.Remark,
		nullableTime(task.NextRunAt), formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return errors.Wrap(err, "update task")
	}
	return affectedOne(res, ErrTaskNotFound)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete task")
	}
	return affectedOne(res, ErrTaskNotFound)
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns one page of tasks, newest first, plus the total count
// matching the filter.
func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, int, error) {
	var where []string
	var args []any
	if name := strings.TrimSpace(filter.Name); name != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+name+"%")
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count tasks")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+clause+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query tasks")
	}
	tasks, err := collectTasks(rows)
	return tasks, total, err
}

func (s *Store) ListEnabledTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query enabled tasks")
	}
	return collectTasks(rows)
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, nullableTime(nextRunAt), id)
	if err != nil {
		return errors.Wrap(err, "update next_run_at")
	}
	return nil
}

func (s *Store) UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET last_run_at = ? WHERE id = ?`, formatTime(lastRunAt), id)
	if err != nil {
		return errors.Wrap(err, "update last_run_at")
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tasks")
	}
	return tasks, nil
}

func scanTask(sc scanner) (*core.Task, error) {
	var (
		task      core.Task
		kind      string
		enabled   int
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&task.ID, &task.Name, &kind, &task.Cron, &task.Command, &task.WorkingDir, &task.RunAs,
		&task.Interpreter, &task.EnvVars, &task.Args, &task.TimeoutSeconds, &task.MaxRetries, &enabled,
		&task.Remark, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan task")
	}
	task.Kind = core.TaskKind(kind)
	task.Enabled = enabled != 0
	task.LastRunAt = parseNullTime(lastRun)
	task.NextRunAt = parseNullTime(nextRun)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

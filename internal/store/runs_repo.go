package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"opscron/internal/core"
)

// ErrRunNotFound wraps core.ErrRunNotFound.
var ErrRunNotFound = errors.Wrap(core.ErrRunNotFound, "store")

// ErrRunFinalized is returned when a run is no longer running.
var ErrRunFinalized = errors.New("run already finalized")

const runColumns = `id, task_id, triggered_by, status, started_at, ended_at, duration_ms, output, error, retry_count, created_at`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Trigger, run.Status, formatTime(run.StartedAt), nullableTime(run.EndedAt),
		run.DurationMs, run.Output, run.Error, run.RetryCount, formatTime(run.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	return nil
}

func (s *Store) UpdateRunRetries(ctx context.Context, id string, retryCount int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET retry_count = ? WHERE id = ? AND status = ?
	`, retryCount, id, core.RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "update run retries")
	}
	return affectedOne(res, ErrRunFinalized)
}

// FinishRun moves a running entry to its terminal state. The update is
// conditional, so a run is finalized at most once.
func (s *Store) FinishRun(ctx context.Context, run *core.Run) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, duration_ms = ?, output = ?, error = ?, retry_count = ?
		WHERE id = ? AND status = ?
	`, run.Status, nullableTime(run.EndedAt), run.DurationMs, run.Output, run.Error, run.RetryCount,
		run.ID, core.RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "finish run")
	}
	return affectedOne(res, ErrRunFinalized)
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, int, error) {
	var where []string
	var args []any
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count runs")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs`+clause+
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list runs")
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate runs")
	}
	return runs, total, nil
}

// PruneRuns deletes finalized runs of the task beyond the newest keep.
func (s *Store) PruneRuns(ctx context.Context, taskID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE task_id = ? AND status != ? AND id IN (
			SELECT id FROM runs WHERE task_id = ?
			ORDER BY started_at DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, core.RunStatusRunning, taskID, keep)
	if err != nil {
		return errors.Wrap(err, "prune runs")
	}
	return nil
}

func scanRun(sc scanner) (*core.Run, error) {
	var (
		run       core.Run
		trigger   string
		status    string
		startedAt string
		endedAt   sql.NullString
		createdAt string
	)
	if err := sc.Scan(&run.ID, &run.TaskID, &trigger, &status, &startedAt, &endedAt, &run.DurationMs,
		&run.Output, &run.Error, &run.RetryCount, &createdAt); err != nil {
		return nil, errors.Wrap(err, "scan run")
	}
	run.Trigger = core.Trigger(trigger)
	run.Status = core.RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.EndedAt = parseNullTime(endedAt)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

package core

import (
	"context"
	"log/slog"
	"time"
)

// storeWriteTimeout bounds a single execution log write.
const storeWriteTimeout = 10 * time.Second

// RunRecorder writes execution log entries. Writes are best effort: a
// failure is logged and never changes the outcome of the execution.
type RunRecorder struct {
	store     RunStore
	logger    *slog.Logger
	retention int
}

// NewRunRecorder creates a recorder that keeps the newest retention runs
// per task (no pruning when retention <= 0).
func NewRunRecorder(store RunStore, logger *slog.Logger, retention int) *RunRecorder {
	return &RunRecorder{store: store, logger: logger, retention: retention}
}

// writeCtx detaches from the caller's cancellation so a run interrupted by
// shutdown can still be finalized.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// Start records a new running entry.
func (r *RunRecorder) Start(ctx context.Context, run *Run) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.InsertRun(wctx, run); err != nil {
		r.logger.Error("record run start", "task_id", run.TaskID, "run_id", run.ID, "err", err)
	}
}

// Retry records the retry count of a running entry.
func (r *RunRecorder) Retry(ctx context.Context, run *Run) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.UpdateRunRetries(wctx, run.ID, run.RetryCount); err != nil {
		r.logger.Warn("record run retry", "task_id", run.TaskID, "run_id", run.ID, "err", err)
	}
}

// Finish records the terminal state and prunes old entries of the task.
func (r *RunRecorder) Finish(ctx context.Context, run *Run) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := r.store.FinishRun(wctx, run); err != nil {
		r.logger.Error("record run result", "task_id", run.TaskID, "run_id", run.ID, "status", run.Status, "err", err)
	}
	if r.retention <= 0 {
		return
	}
	if err := r.store.PruneRuns(wctx, run.TaskID, r.retention); err != nil {
		r.logger.Warn("prune runs", "task_id", run.TaskID, "err", err)
	}
}

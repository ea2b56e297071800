package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ExecutorOptions tunes an Executor. Zero values select the defaults.
type ExecutorOptions struct {
	MaxInstances int           // concurrent runs per task, default 3
	RetryBackoff time.Duration // pause between attempts, none when zero
	Interpreter  string        // default script interpreter, default python3
	OutputLimit  int           // bytes of output kept per stream
	Retention    int           // runs kept per task
	HTTPClient   *http.Client
	Notifier     Notifier
}

const (
	DefaultMaxInstances = 3
	DefaultInterpreter  = "python3"
	notifyTimeout       = 10 * time.Second
)

// Executor runs tasks, applying timeout and retry policy, and records every
// run in the execution log.
type Executor struct {
	tasks    TaskStore
	recorder *RunRecorder
	logger   *slog.Logger
	opts     ExecutorOptions
	limiter  *instanceLimiter

	shell  Strategy
	script Strategy
	http   Strategy

	now func() time.Time
}

// NewExecutor creates an executor backed by store.
func NewExecutor(store Store, logger *slog.Logger, opts ExecutorOptions) *Executor {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = DefaultMaxInstances
	}
	if opts.Interpreter == "" {
		opts.Interpreter = DefaultInterpreter
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	return &Executor{
		tasks:    store,
		recorder: NewRunRecorder(store, logger, opts.Retention),
		logger:   logger,
		opts:     opts,
		limiter:  newInstanceLimiter(opts.MaxInstances),
		shell:    newShellStrategy(logger, opts.OutputLimit),
		script:   newScriptStrategy(logger, opts.OutputLimit, opts.Interpreter),
		http:     newHTTPStrategy(opts.HTTPClient, logger, opts.OutputLimit),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reserve claims one of the task's instance slots. The returned func
// releases it.
func (e *Executor) Reserve(taskID string) (func(), error) {
	release, ok := e.limiter.tryAcquire(taskID)
	if !ok {
		return nil, errors.Wrapf(ErrTaskBusy, "task %s has %d runs in flight", taskID, e.opts.MaxInstances)
	}
	return release, nil
}

// Running returns the number of reserved slots of the task.
func (e *Executor) Running(taskID string) int {
	return e.limiter.count(taskID)
}

// Execute runs the task to completion and returns the finalized run. The
// caller is responsible for reserving an instance slot.
func (e *Executor) Execute(ctx context.Context, task *Task, trigger Trigger) *Run {
	run := e.Begin(ctx, task, trigger)
	return e.Drive(ctx, task, run)
}

// Begin creates the running log entry of a new execution.
func (e *Executor) Begin(ctx context.Context, task *Task, trigger Trigger) *Run {
	now := e.now()
	run := &Run{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
	e.recorder.Start(ctx, run)

	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := e.tasks.UpdateTaskLastRun(wctx, task.ID, now); err != nil {
		e.logger.Warn("update last_run_at", "task_id", task.ID, "err", err)
	}
	return run
}

// Drive performs the attempts of a begun run and finalizes it. Cancelling
// ctx aborts the current attempt and finalizes the run as failed.
func (e *Executor) Drive(ctx context.Context, task *Task, run *Run) *Run {
	logger := e.logger.With("task_id", task.ID, "run_id", run.ID)
	strategy, err := e.strategyFor(task.Kind)
	if err != nil {
		logger.Error("task cannot be executed", "kind", task.Kind, "err", err)
		e.finish(ctx, task, run, RunStatusFailed, Result{Err: err})
		return run
	}

	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var last Result
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			run.RetryCount = attempt
			e.recorder.Retry(ctx, run)
			logger.Info("retrying task", "attempt", attempt, "max_retries", maxRetries)
		}
		last = e.attempt(ctx, strategy, task)
		if last.Err == nil {
			logger.Info("task succeeded", "attempts", attempt+1)
			e.finish(ctx, task, run, RunStatusSuccess, last)
			return run
		}
		if ctx.Err() != nil {
			logger.Warn("execution cancelled", "attempt", attempt, "err", last.Err)
			last.Err = errors.Wrap(ErrExecutionCancelled, "run interrupted")
			e.finish(ctx, task, run, RunStatusFailed, last)
			return run
		}
		logger.Warn("attempt failed", "attempt", attempt, "err", last.Err)
		if attempt >= maxRetries {
			break
		}
		if !sleepCtx(ctx, e.opts.RetryBackoff) {
			last.Err = errors.Wrap(ErrExecutionCancelled, "run interrupted")
			e.finish(ctx, task, run, RunStatusFailed, last)
			return run
		}
	}

	status := RunStatusFailed
	if errors.Is(last.Err, ErrExecutionTimeout) {
		status = RunStatusTimeout
	}
	logger.Error("task failed", "status", status, "retries", run.RetryCount, "err", last.Err)
	e.finish(ctx, task, run, status, last)
	return run
}

// Abort finalizes a begun run that never started an attempt.
func (e *Executor) Abort(ctx context.Context, task *Task, run *Run, cause error) {
	e.finish(ctx, task, run, RunStatusFailed, Result{Err: cause})
}

func (e *Executor) strategyFor(kind TaskKind) (Strategy, error) {
	switch kind {
	case KindShell:
		return e.shell, nil
	case KindScript:
		return e.script, nil
	case KindHTTP:
		return e.http, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedTaskKind, "%q", kind)
	}
}

func (e *Executor) attempt(ctx context.Context, strategy Strategy, task *Task) (res Result) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := task.Timeout(); d > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			res = Result{Err: errors.Wrapf(ErrExecutionFailure, "internal error: %v", r)}
		}
	}()

	res = strategy.Run(attemptCtx, task)
	if res.Err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		res.Err = errors.Wrapf(ErrExecutionTimeout, "exceeded %ds timeout", task.TimeoutSeconds)
	}
	return res
}

func (e *Executor) finish(ctx context.Context, task *Task, run *Run, status RunStatus, res Result) {
	ended := e.now()
	run.Status = status
	run.EndedAt = &ended
	run.DurationMs = ended.Sub(run.StartedAt).Milliseconds()
	run.Output = res.Output
	run.Error = ""
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	e.recorder.Finish(ctx, run)
	if status != RunStatusSuccess {
		e.notifyFailure(ctx, task, run)
	}
}

func (e *Executor) notifyFailure(ctx context.Context, task *Task, run *Run) {
	if e.opts.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	title := fmt.Sprintf("Task %s %s", task.Name, run.Status)
	body := fmt.Sprintf("run %s after %d retries: %s", run.ID, run.RetryCount, run.Error)
	if err := e.opts.Notifier.Send(nctx, title, body); err != nil {
		e.logger.Warn("send failure notification", "task_id", task.ID, "run_id", run.ID, "err", err)
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

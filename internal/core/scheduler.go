package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// forcedStopWait bounds how long Shutdown waits for runs to unwind after
// their contexts were cancelled.
const forcedStopWait = 5 * time.Second

// SchedulerOptions sizes the worker pools.
type SchedulerOptions struct {
	Location       *time.Location
	IOWorkers      int // shell and http, default 20
	ProcessWorkers int // scripts, default 5
}

// Scheduler manages cron-based scheduling and dispatching of tasks.
type Scheduler struct {
	store    Store
	executor *Executor
	logger   *slog.Logger
	location *time.Location

	cron *cron.Cron
	mu   sync.RWMutex
	jobs map[string]*job

	pools map[ExecClass]*workerPool

	// gate orders dispatches against shutdown so no run is added to
	// inflight once the scheduler is stopping.
	gate     sync.RWMutex
	started  bool
	stopping bool
	inflight sync.WaitGroup

	// dispatchCtx ends pending dispatches, execCtx ends running ones.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	execCtx        context.Context
	execCancel     context.CancelFunc
}

type job struct {
	taskID  string
	entryID cron.EntryID
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, executor *Executor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = 20
	}
	if opts.ProcessWorkers <= 0 {
		opts.ProcessWorkers = 5
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
		cron.WithLogger(cronLogger{logger: logger}),
	)
	s := &Scheduler{
		store:    store,
		executor: executor,
		logger:   logger,
		location: location,
		cron:     c,
		jobs:     make(map[string]*job),
		pools: map[ExecClass]*workerPool{
			ClassIO:      newWorkerPool(ClassIO, opts.IOWorkers),
			ClassProcess: newWorkerPool(ClassProcess, opts.ProcessWorkers),
		},
	}
	s.dispatchCtx, s.dispatchCancel = context.WithCancel(context.Background())
	s.execCtx, s.execCancel = context.WithCancel(context.Background())
	return s
}

// Start begins the scheduling loop and registers every enabled task.
// Tasks with an invalid schedule are logged and skipped. Calling Start
// again is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.gate.Lock()
	if s.stopping {
		s.gate.Unlock()
		return ErrSchedulerStopped
	}
	if s.started {
		s.gate.Unlock()
		return nil
	}
	s.started = true
	s.cron.Start()
	s.gate.Unlock()

	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "list enabled tasks")
	}
	loaded := 0
	for _, task := range tasks {
		if err := s.AddOrReplace(ctx, task); err != nil {
			s.logger.Error("skip task", "task_id", task.ID, "cron", task.Cron, "err", err)
			continue
		}
		loaded++
	}
	s.logger.Info("scheduler started", "tasks", loaded, "location", s.location.String())
	return nil
}

// AddOrReplace registers the task, atomically replacing an existing
// registration. A task whose schedule fails to parse is removed from the
// registry and ErrInvalidSchedule is returned.
func (s *Scheduler) AddOrReplace(ctx context.Context, task *Task) error {
	if s.isStopping() {
		return ErrSchedulerStopped
	}
	schedule, err := ParseCron(task.Cron)
	if err != nil {
		s.Remove(task.ID)
		return err
	}
	if _, ok := ParseTaskKind(string(task.Kind)); !ok {
		s.Remove(task.ID)
		return errors.Wrapf(ErrUnsupportedTaskKind, "%q", task.Kind)
	}

	j := &job{taskID: task.ID}
	s.mu.Lock()
	if old, ok := s.jobs[task.ID]; ok {
		s.cron.Remove(old.entryID)
	}
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[task.ID] = j
	s.mu.Unlock()

	next := schedule.Next(time.Now().In(s.location))
	if !next.IsZero() {
		nextUTC := next.UTC()
		task.NextRunAt = &nextUTC
		if err := s.store.UpdateTaskNextRun(ctx, task.ID, &nextUTC); err != nil {
			s.logger.Warn("update next_run_at failed", "task_id", task.ID, "err", err)
		}
	}
	s.logger.Debug("task scheduled", "task_id", task.ID, "cron", task.Cron, "next_run_at", task.NextRunAt)
	return nil
}

// Remove stops scheduling for the given task ID. Unknown IDs are ignored.
// Runs already in flight are not affected.
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[taskID]; ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, taskID)
	}
}

// Scheduled reports whether the task is registered and its next fire time.
func (s *Scheduler) Scheduled(taskID string) (time.Time, bool) {
	s.mu.RLock()
	j, ok := s.jobs[taskID]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entryID).Next, true
}

// ExecuteNow dispatches an immediate run of the task, independent of its
// schedule and enabled flag. The returned run is a snapshot of the running
// log entry.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID string) (*Run, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.dispatch(task, TriggerManual)
}

// Shutdown stops accepting firings, cancels pending dispatches and waits
// for in-flight runs until ctx ends. Runs still executing then are
// cancelled and finalized as failed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.gate.Lock()
	if s.stopping {
		s.gate.Unlock()
		return nil
	}
	s.stopping = true
	s.gate.Unlock()

	cronCtx := s.cron.Stop()
	s.dispatchCancel()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.execCancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("shutdown grace elapsed, cancelling running tasks")
	s.execCancel()
	select {
	case <-done:
	case <-time.After(forcedStopWait):
		s.logger.Error("runs still in flight after cancellation")
	}
	return errors.Wrap(ctx.Err(), "scheduler shutdown")
}

func (s *Scheduler) isStopping() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.stopping
}

func (s *Scheduler) current(j *job) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[j.taskID] == j
}

// drop unregisters j unless it was already replaced.
func (s *Scheduler) drop(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[j.taskID] == j {
		s.cron.Remove(j.entryID)
		delete(s.jobs, j.taskID)
	}
}

// fire is the cron callback of a registered task.
func (s *Scheduler) fire(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked, dropping it", "task_id", j.taskID, "panic", r)
			s.drop(j)
		}
	}()
	if !s.current(j) || s.isStopping() {
		return
	}
	ctx := s.dispatchCtx

	s.mu.RLock()
	next := s.cron.Entry(j.entryID).Next
	s.mu.RUnlock()
	if !next.IsZero() {
		nextUTC := next.UTC()
		if err := s.store.UpdateTaskNextRun(ctx, j.taskID, &nextUTC); err != nil {
			s.logger.Warn("update next_run_at", "task_id", j.taskID, "err", err)
		}
	}

	task, err := s.store.GetTask(ctx, j.taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			s.logger.Warn("scheduled task no longer exists, dropping it", "task_id", j.taskID)
			s.drop(j)
			return
		}
		s.logger.Error("fetch task for scheduled run", "task_id", j.taskID, "err", err)
		return
	}
	if !task.Enabled {
		s.drop(j)
		return
	}
	if _, err := s.dispatch(task, TriggerCron); err != nil {
		s.logger.Warn("skipping scheduled run", "task_id", task.ID, "err", err)
	}
}

// dispatch reserves an instance slot and hands the run to the task's
// worker pool. Manual runs are begun synchronously so the caller gets the
// run ID; cron runs are begun once a worker is free.
func (s *Scheduler) dispatch(task *Task, trigger Trigger) (*Run, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.stopping {
		return nil, ErrSchedulerStopped
	}
	release, err := s.executor.Reserve(task.ID)
	if err != nil {
		return nil, err
	}
	pool := s.pools[ClassFor(task.Kind)]

	var run, snapshot *Run
	if trigger == TriggerManual {
		run = s.executor.Begin(s.execCtx, task, trigger)
		cp := *run
		snapshot = &cp
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer release()
		if err := pool.acquire(s.dispatchCtx); err != nil {
			s.logger.Info("pending run cancelled", "task_id", task.ID, "class", pool.class)
			if run != nil {
				s.executor.Abort(s.execCtx, task, run, errors.Wrap(ErrExecutionCancelled, "cancelled before start"))
			}
			return
		}
		defer pool.release()
		if run == nil {
			run = s.executor.Begin(s.execCtx, task, trigger)
		}
		s.executor.Drive(s.execCtx, task, run)
	}()
	return snapshot, nil
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	runs  map[string]*Run
	order []string
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task), runs: make(map[string]*Run)}
}

func (m *memStore) InsertTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %s", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if filter.Name != "" && !strings.Contains(t.Name, filter.Name) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *memStore) ListEnabledTasks(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateTaskNextRun(_ context.Context, id string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.NextRunAt = next
	}
	return nil
}

func (m *memStore) UpdateTaskLastRun(_ context.Context, id string, last time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.LastRunAt = &last
	}
	return nil
}

func (m *memStore) InsertRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	m.order = append(m.order, run.ID)
	return nil
}

func (m *memStore) UpdateRunRetries(_ context.Context, id string, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok && r.Status == RunStatusRunning {
		r.RetryCount = retryCount
	}
	return nil
}

func (m *memStore) FinishRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[run.ID]
	if !ok || r.Status != RunStatusRunning {
		return errors.Newf("run %s is not running", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, id := range m.order {
		r, ok := m.runs[id]
		if !ok {
			continue
		}
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, len(out), nil
}

func (m *memStore) PruneRuns(_ context.Context, taskID string, keep int) error {
	return nil
}

func (m *memStore) runsOf(taskID string) []*Run {
	runs, _, _ := m.ListRuns(context.Background(), RunFilter{TaskID: taskID})
	return runs
}

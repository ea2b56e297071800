package core

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ExecClass names the worker pool an execution is dispatched on.
type ExecClass string

const (
	// ClassIO serves shell and HTTP tasks.
	ClassIO ExecClass = "default"
	// ClassProcess serves interpreted scripts, which tend to be CPU bound.
	ClassProcess ExecClass = "process"
)

// ClassFor maps a task kind to its execution class.
func ClassFor(kind TaskKind) ExecClass {
	switch kind {
	case KindScript:
		return ClassProcess
	default:
		return ClassIO
	}
}

type workerPool struct {
	class ExecClass
	size  int64
	sem   *semaphore.Weighted
}

func newWorkerPool(class ExecClass, size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{class: class, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// acquire blocks until a worker is free or ctx is done.
func (p *workerPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *workerPool) release() {
	p.sem.Release(1)
}

// instanceLimiter caps concurrently executing runs of the same task.
type instanceLimiter struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

func newInstanceLimiter(max int) *instanceLimiter {
	if max < 1 {
		max = 1
	}
	return &instanceLimiter{max: max, active: make(map[string]int)}
}

// tryAcquire reserves a slot for taskID. The returned release func may be
// called more than once.
func (l *instanceLimiter) tryAcquire(taskID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[taskID] >= l.max {
		return nil, false
	}
	l.active[taskID]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.active[taskID] <= 1 {
				delete(l.active, taskID)
				return
			}
			l.active[taskID]--
		})
	}, true
}

func (l *instanceLimiter) count(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[taskID]
}

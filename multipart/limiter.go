package multipart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter runs submitted tasks with at most n of them executing at once.
// Tasks are admitted in submission order; the queue is unbounded.
type Limiter struct {
	sem *semaphore.Weighted

	mu          sync.Mutex
	queue       []queuedTask
	dispatching bool
	dropErr     error

	wg       sync.WaitGroup
	inFlight int64
}

type queuedTask struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// NewLimiter creates a Limiter admitting n concurrent tasks.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		panic(fmt.Sprintf("multipart: limiter concurrency must be at least 1, got %d", n))
	}

	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Go queues task for execution and returns immediately.
// A task whose context is done before it gets a slot is dropped without running.
func (l *Limiter) Go(ctx context.Context, task func(ctx context.Context)) {
	l.wg.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, queuedTask{ctx: ctx, fn: task})
	if !l.dispatching {
		l.dispatching = true
		go l.dispatch()
	}
}

// Wait blocks until every queued task has either run or been dropped.
// It returns the context error that caused the first drop, if any.
func (l *Limiter) Wait() error {
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropErr
}

// InFlight returns the number of tasks currently executing.
func (l *Limiter) InFlight() int {
	return int(atomic.LoadInt64(&l.inFlight))
}

// dispatch hands slots out strictly in queue order.
func (l *Limiter) dispatch() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.dispatching = false
			l.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue[0] = queuedTask{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := l.sem.Acquire(t.ctx, 1); err != nil {
			l.drop(err)
			continue
		}
		// Acquire may succeed on a done context when a slot is free.
		if err := t.ctx.Err(); err != nil {
			l.sem.Release(1)
			l.drop(err)
			continue
		}

		go l.run(t)
	}
}

func (l *Limiter) run(t queuedTask) {
	atomic.AddInt64(&l.inFlight, 1)
	defer func() {
		atomic.AddInt64(&l.inFlight, -1)
		l.sem.Release(1)
		l.wg.Done()
	}()

	t.fn(t.ctx)
}

func (l *Limiter) drop(err error) {
	l.mu.Lock()
	if l.dropErr == nil {
		l.dropErr = err
	}
	l.mu.Unlock()

	l.wg.Done()
}

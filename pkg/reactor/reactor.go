// Package reactor provides the single-threaded executors that drive the
// relay components. A component is only ever touched from the executor
// that owns it, so its handlers run to completion without locking.
package reactor

import (
	"context"
	"sync"
)

// Executor runs posted functions one at a time, in posting order.
type Executor interface {
	Post(fn func())
}

// Inline runs posted work immediately on the caller's goroutine. It
// suits components that are only ever driven from a single goroutine.
type Inline struct{}

// Post runs fn.
func (Inline) Post(fn func()) { fn() }

// Loop is a goroutine-backed Executor. Post never blocks the caller for
// longer than it takes to enqueue.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
}

// NewLoop creates a Loop. Call Run to start executing posted work.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. Work posted after the loop stopped is discarded.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

// Call posts fn and waits for it to run. It returns ctx.Err() if the
// context ends first.
func Call(ctx context.Context, e Executor, fn func()) error {
	done := make(chan struct{})
	e.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is a manual Executor for tests: posted work accumulates until
// Drain is called.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

// Post enqueues fn.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Drain runs queued work, including work posted while draining, until
// the queue is empty. It returns the number of functions executed.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		n++
	}
}

// Len returns the number of queued functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

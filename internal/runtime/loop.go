// Package runtime provides the single-threaded cooperative event loop that
// every core component is required to mutate state through. No component
// holds a lock across a suspension point; instead work that must block
// (credential fetch, Redis round-trips, account loader calls) runs on a
// goroutine of the caller's choosing and the result is posted back here.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// Loop is a single-goroutine dispatch queue: a closure enqueued with Post
// runs on the loop's own goroutine, never concurrently with another
// posted closure. The digest authenticator posts its credential-fetch
// continuation here; the fork engine, registrar, B2BUA mediator and
// account pool do not use the loop and guard their state with their
// own mutexes instead.
type Loop struct {
	tasks   chan func()
	closed  atomic.Bool
	wg      sync.WaitGroup
	started sync.Once
}

// NewLoop creates a Loop with the given pending-task buffer size.
func NewLoop(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Loop{tasks: make(chan func(), queueDepth)}
}

// Run drains the task queue on the calling goroutine until the context is
// cancelled or Close is called. Exactly one goroutine should call Run.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-l.tasks:
			if !ok {
				return
			}
			fn()
		}
	}
}

// Post enqueues fn to run on the loop's goroutine. Safe to call from any
// goroutine, including worker threads completing asynchronous work. Post
// is the only primitive in the package that is thread-safe by design; a
// fn running inside the loop must never call anything that blocks on
// another fn also waiting to run on the loop.
func (l *Loop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	defer func() {
		// the channel may have been closed between the Load above and
		// the send below; dropping the task is the correct behaviour
		// during shutdown.
		recover()
	}()
	l.tasks <- fn
}

// Close stops accepting new tasks. Pending tasks already queued still run.
func (l *Loop) Close() {
	l.started.Do(func() {
		l.closed.Store(true)
		close(l.tasks)
	})
}

// CancelToken lets a suspended continuation discover that the context it
// was acting on behalf of (a fork branch, a transfer subscription, an
// account-pool load) is gone by the time async work completes.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	terminal  bool
}

// NewCancelToken returns a live, non-terminal token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel marks the token cancelled. Idempotent.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// MarkTerminal records that a final response has already been emitted for
// the owning context, so a continuation must not emit a second one.
func (t *CancelToken) MarkTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return false
	}
	t.terminal = true
	return true
}

// Terminal reports whether MarkTerminal has already succeeded once.
func (t *CancelToken) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

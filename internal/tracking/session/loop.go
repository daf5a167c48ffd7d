package session

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed session.
var ErrClosed = errors.New("session closed")

// Loop is the single writer of a session. Any goroutine may post work; only
// the goroutine running Run executes it, in posting order.
//
// The queue is unbounded so completions posted by workers never block.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wake-ups
	done   chan struct{}
}

// NewLoop creates a loop that is not running yet.
func NewLoop() *Loop {
	return &Loop{
		queue:  make([]func(), 0, 32),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) tryDequeue() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	if len(l.queue) == 1 {
		l.queue = l.queue[:0]
	} else {
		l.queue = l.queue[1:]
	}
	return fn, true
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Run executes posted work until ctx is cancelled or Close drains the queue.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		if fn, ok := l.tryDequeue(); ok {
			fn()
			continue
		}
		if l.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Close stops accepting work. Run returns after draining what was queued.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// Run may have drained fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

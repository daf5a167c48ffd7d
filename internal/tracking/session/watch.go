package session

import (
	"context"
	"sync"

	"storeops/internal/tracking/models"
)

// ringBuffer is a bounded notification buffer. When full, the oldest
// notification is dropped to make room.
type ringBuffer struct {
	items    []models.Notification
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	dropped  int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ringBuffer{items: make([]models.Notification, capacity), capacity: capacity}
}

// enqueue reports whether an older notification was dropped.
func (b *ringBuffer) enqueue(n models.Notification) bool {
	dropped := false
	if b.count >= b.capacity {
		b.items[b.tail] = models.Notification{}
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		dropped = true
	}
	b.items[b.head] = n
	b.head = (b.head + 1) % b.capacity
	b.count++
	return dropped
}

func (b *ringBuffer) drain() []models.Notification {
	if b.count == 0 {
		return nil
	}
	out := make([]models.Notification, b.count)
	for i := range out {
		out[i] = b.items[b.tail]
		b.items[b.tail] = models.Notification{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count = 0
	return out
}

// Watch is a consumer's handle on a session's re-render notifications. A slow
// consumer loses the oldest notifications, never blocks the session.
type Watch struct {
	mu      sync.Mutex
	buf     *ringBuffer
	signal  chan struct{}
	closed  chan struct{}
	once    sync.Once
	release func(*Watch)
}

func newWatch(capacity int, release func(*Watch)) *Watch {
	return &Watch{
		buf:     newRingBuffer(capacity),
		signal:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
		release: release,
	}
}

func (w *Watch) push(n models.Notification) bool {
	w.mu.Lock()
	dropped := w.buf.enqueue(n)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until notifications are available and returns all of them.
func (w *Watch) Next(ctx context.Context) ([]models.Notification, error) {
	for {
		w.mu.Lock()
		batch := w.buf.drain()
		w.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closed:
			return nil, ErrClosed
		case <-w.signal:
		}
	}
}

// Dropped counts notifications lost because the consumer fell behind.
func (w *Watch) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.dropped
}

// Done is closed when the watch or its session is closed.
func (w *Watch) Done() <-chan struct{} {
	return w.closed
}

// Close detaches the watch. It is idempotent.
func (w *Watch) Close() {
	w.once.Do(func() {
		close(w.closed)
		if w.release != nil {
			w.release(w)
		}
	})
}

// Package bus fans change events out to scoped subscriptions inside one process.
//
// The Hub is the local end of every change bus: the in-memory store publishes
// into it directly, and the Kafka and NATS bridges publish what they consume.
// Each subscription has its own delivery goroutine, so a slow session never
// delays another, and events for a subscription are delivered in publish order.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
)

// ErrClosed is returned when subscribing to a closed hub.
var ErrClosed = errors.New("change bus closed")

// Hub implements ports.ChangeBus and ports.ChangePublisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*subscription]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers handler for events of kind inside filter. The handler
// receives StatusConnected first.
func (h *Hub) Subscribe(kind models.EntityKind, filter models.ScopeFilter, handler ports.EventHandler) (ports.Subscription, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	if filter.Kind == "" {
		filter.Kind = kind
	}
	sub := newSubscription(h, kind, filter, handler)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	sub.enqueue(delivery{status: models.StatusConnected})
	go sub.run()
	return sub, nil
}

// Publish delivers event to every matching subscription. It never blocks on
// subscribers.
func (h *Hub) Publish(_ context.Context, event models.ChangeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.subs {
		if sub.kind != "" && event.Key.Kind() != sub.kind {
			continue
		}
		if !sub.filter.MatchesEvent(event) {
			continue
		}
		sub.enqueue(delivery{event: &event})
	}
	return nil
}

// Broadcast sends a health signal to every subscription. Transport bridges
// use it to report connection loss and recovery.
func (h *Hub) Broadcast(status models.Status) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.enqueue(delivery{status: status})
	}
}

// Subscribers counts open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = map[*subscription]struct{}{}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

type delivery struct {
	event  *models.ChangeEvent
	status models.Status
}

type subscription struct {
	hub     *Hub
	kind    models.EntityKind
	filter  models.ScopeFilter
	handler ports.EventHandler

	mu      sync.Mutex
	queue   []delivery
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSubscription(h *Hub, kind models.EntityKind, filter models.ScopeFilter, handler ports.EventHandler) *subscription {
	return &subscription{
		hub:     h,
		kind:    kind,
		filter:  filter,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, d)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return d, true
}

func (s *subscription) run() {
	defer close(s.stopped)
	for {
		if d, ok := s.next(); ok {
			s.dispatch(d)
			continue
		}
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
	}
}

func (s *subscription) dispatch(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.hub.logger.Error("change handler panicked", "panic", r)
		}
	}()
	if d.event != nil {
		s.handler.HandleEvent(*d.event)
		return
	}
	s.handler.HandleStatus(d.status)
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
	<-s.stopped
}

// Close releases the subscription. It is idempotent and waits for an
// in-progress delivery to return.
func (s *subscription) Close() error {
	s.hub.remove(s)
	s.stop()
	return nil
}

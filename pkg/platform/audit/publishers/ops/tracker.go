// Package ops provides a fire-and-forget tracker for operational audit events
// such as rolled-back mutations. Tracking never blocks and never fails the
// caller; events are sampled, queued and persisted by a background worker.
package ops

import (
	"context"
	"log/slog"
	"time"

	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/audit/worker"
	"storeops/pkg/platform/circuit"
)

// Tracker emits ops events asynchronously.
type Tracker struct {
	inbox   chan audit.Event
	worker  *worker.Worker
	sampler *Sampler
	breaker *circuit.Breaker
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the Tracker.
type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithSampler replaces the default keep-everything sampler.
func WithSampler(s *Sampler) Option {
	return func(t *Tracker) {
		t.sampler = s
	}
}

// WithCircuitBreaker replaces the default breaker (5 failures, 1 minute
// cooldown, one success closes). The breaker needs a cooldown or the tracker
// stops persisting for good once it opens.
func WithCircuitBreaker(cb *circuit.Breaker) Option {
	return func(t *Tracker) {
		t.breaker = cb
	}
}

// WithBuffer sets the queue capacity.
func WithBuffer(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.inbox = make(chan audit.Event, n)
		}
	}
}

// New creates a tracker persisting into store. Call Run to start persisting.
func New(store audit.Store, opts ...Option) *Tracker {
	t := &Tracker{
		inbox:   make(chan audit.Event, 1024),
		sampler: NewSampler(1),
		breaker: NewCircuitBreaker(5, time.Minute),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.worker = worker.NewWorker(store, t.inbox, worker.WithResultHook(t.onResult))
	return t
}

// Track queues event unless it is sampled out, the circuit is open or the
// queue is full.
func (t *Tracker) Track(event audit.OpsEvent) {
	if !t.sampler.ShouldSample(event.Action) {
		t.metrics.IncSampled()
		return
	}
	if !t.breaker.Allow() {
		t.metrics.IncCircuitBreakerDropped()
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	select {
	case t.inbox <- event.ToEvent():
	default:
		t.metrics.IncQueueDropped()
	}
}

// NewCircuitBreaker builds the breaker the tracker expects: it opens after
// threshold consecutive failures and lets attempts through again after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *circuit.Breaker {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return circuit.New("ops-audit",
		circuit.WithFailureThreshold(threshold),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(cooldown),
	)
}

// Run persists queued events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	err := t.worker.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *Tracker) onResult(event audit.Event, err error) {
	if err == nil {
		if _, change := t.breaker.RecordSuccess(); change.Closed {
			t.logger.Info("ops audit store recovered, circuit closed")
		}
		t.metrics.IncTracked()
		t.metrics.SetCircuitBreakerState(false)
		return
	}
	t.metrics.IncPersistFailures()
	open, change := t.breaker.RecordFailure()
	if change.Opened {
		t.logger.Warn("ops audit store failing, circuit opened")
	}
	t.metrics.SetCircuitBreakerState(open)
	t.logger.Warn("ops audit event dropped",
		"action", event.Action,
		"subject", event.Subject,
		"error", err,
	)
}

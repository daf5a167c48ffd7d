// Package reconcile merges remote state into a session cache: change events
// pushed by the bus, targeted reloads of records whose events were unusable,
// and full reloads of the session scope when push delivery cannot be trusted.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"storeops/internal/tracking/cache"
	"storeops/internal/tracking/metrics"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/pipeline"
	"storeops/internal/tracking/ports"
	"storeops/pkg/platform/circuit"
	"storeops/pkg/platform/sentinel"
)

// Reload reasons, also used as metric labels.
const (
	ReasonInitial          = "initial"
	ReasonDisconnected     = "disconnected"
	ReasonBusError         = "bus_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonPoll             = "poll"
	ReasonMalformed        = "malformed_event"
)

// Listener is owned by one session loop; none of its methods are safe for
// concurrent use.
type Listener struct {
	cache   *cache.Cache
	store   ports.RecordStore
	exec    pipeline.Executor
	sched   pipeline.Scheduler
	scope   models.ScopeFilter
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	health  *circuit.Breaker
	now     func() time.Time
	ctx     context.Context

	heartbeatTimeout time.Duration
	lastSignal       time.Time
	reloading        bool
	reloadAgain      string
	recordReloads    map[models.Key]bool // key -> reload again once the read in flight lands
	onDegraded       func(bool)
	onReloaded       func(reason string, err error)
}

// Option configures a Listener.
type Option func(*Listener)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Listener) {
		if t != nil {
			l.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// WithHeartbeatTimeout sets how long the bus may stay silent before a full
// reload. Zero disables the watchdog.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.heartbeatTimeout = d
	}
}

// WithHealthThresholds sets how many consecutive bus failures switch the
// listener to polling and how many healthy signals switch it back.
func WithHealthThresholds(failures, successes int) Option {
	return func(l *Listener) {
		l.health = circuit.New("change-bus",
			circuit.WithFailureThreshold(failures),
			circuit.WithSuccessThreshold(successes),
		)
	}
}

// WithDegradedHook is called on the loop when polling mode starts or stops.
func WithDegradedHook(fn func(degraded bool)) Option {
	return func(l *Listener) {
		l.onDegraded = fn
	}
}

// WithReloadHook is called on the loop after each full reload.
func WithReloadHook(fn func(reason string, err error)) Option {
	return func(l *Listener) {
		l.onReloaded = fn
	}
}

// WithContext sets the parent context of reload reads.
func WithContext(ctx context.Context) Option {
	return func(l *Listener) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// New creates a listener merging into c for records inside scope.
func New(c *cache.Cache, store ports.RecordStore, exec pipeline.Executor, sched pipeline.Scheduler, scope models.ScopeFilter, opts ...Option) (*Listener, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if exec == nil || sched == nil {
		return nil, errors.New("executor and scheduler are required")
	}
	l := &Listener{
		cache:  c,
		store:  store,
		exec:   exec,
		sched:  sched,
		scope:  scope,
		logger: slog.Default(),
		tracer: otel.Tracer("storeops/reconcile"),
		health: circuit.New("change-bus", circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(2)),
		now:    time.Now,
		ctx:    context.Background(),

		recordReloads: make(map[models.Key]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSignal = l.now()
	return l, nil
}

// Scope returns the filter this listener reconciles.
func (l *Listener) Scope() models.ScopeFilter {
	return l.scope
}

// Degraded reports whether the bus is considered unhealthy and the session
// should poll.
func (l *Listener) Degraded() bool {
	return l.health.IsOpen()
}

// OnChangeEvent merges one change event. Events outside the scope are ignored;
// events missing their payload trigger a targeted reload of the record.
func (l *Listener) OnChangeEvent(event models.ChangeEvent) {
	l.lastSignal = l.now()
	if event.Key == "" {
		l.logger.WarnContext(l.ctx, "dropping change event without key", "op", event.Op)
		return
	}
	if !l.scope.MatchesEvent(event) {
		return
	}
	l.metrics.IncRemoteEvent(string(event.Op))

	if event.Malformed() {
		l.logger.WarnContext(l.ctx, "malformed change event, reloading record",
			"record_key", event.Key,
			"op", event.Op,
		)
		l.ReloadRecord(event.Key)
		return
	}

	switch event.Op {
	case models.OpInsert:
		l.cache.Insert(*event.After)
	case models.OpUpdate:
		l.applyUpdate(event)
	case models.OpDelete:
		if !l.cache.Remove(event.Key) && l.cache.Tombstoned(event.Key) {
			l.logger.InfoContext(l.ctx, "record deleted with writes in flight, tombstoned",
				"record_key", event.Key,
				"pending", l.cache.Pending().PendingForKey(event.Key),
			)
		}
	}
}

func (l *Listener) applyUpdate(event models.ChangeEvent) {
	after := *event.After
	revision := event.Revision
	if revision == 0 {
		revision = after.Revision
	}
	if !l.cache.Has(event.Key) {
		l.cache.Insert(after)
		return
	}
	if event.Before == nil {
		// Without the previous image only whole-record evidence is available.
		after.Revision = revision
		l.cache.MergeSnapshot(after)
		return
	}
	l.cache.ApplyRemote(event.Key, models.Diff(*event.Before, after), revision)
}

// OnFullReload merges a batch of records read from the store. In-flight edits
// survive exactly as they survive a single push event. Cached records of the
// scope that the batch lacks were deleted and are removed.
func (l *Listener) OnFullReload(records []models.Record) {
	l.mergeReload(records, l.baseline())
}

// baseline captures the revision of every store-confirmed record in scope.
func (l *Listener) baseline() map[models.Key]uint64 {
	out := make(map[models.Key]uint64)
	for _, rec := range l.cache.Records() {
		if rec.Revision > 0 && l.scope.Matches(rec) {
			out[rec.Key] = rec.Revision
		}
	}
	return out
}

// mergeReload merges records and removes keys of baseline the store no longer
// returned. Keys whose revision moved since baseline was taken were written
// after the read started and are kept.
func (l *Listener) mergeReload(records []models.Record, baseline map[models.Key]uint64) {
	seen := make(map[models.Key]struct{}, len(records))
	for _, rec := range records {
		if !l.scope.Matches(rec) {
			continue
		}
		seen[rec.Key] = struct{}{}
		l.cache.Insert(rec)
	}
	for key, revision := range baseline {
		if _, ok := seen[key]; ok || l.cache.Revision(key) != revision {
			continue
		}
		if !l.cache.Remove(key) && l.cache.Tombstoned(key) {
			l.logger.InfoContext(l.ctx, "record missing from reload with writes in flight, tombstoned",
				"record_key", key,
			)
		}
	}
}

// OnStatus reacts to bus health. Losing the connection or an error triggers a
// full reload since events may have been missed.
func (l *Listener) OnStatus(status models.Status) {
	l.lastSignal = l.now()
	if status.Healthy() {
		if _, change := l.health.RecordSuccess(); change.Closed {
			l.logger.InfoContext(l.ctx, "change bus healthy again, leaving polling mode")
			l.setDegraded(false)
			// Events between the last poll and recovery may be missing.
			l.Reload(ReasonPoll)
		}
		return
	}

	reason := ReasonBusError
	if status == models.StatusDisconnected {
		reason = ReasonDisconnected
	}
	l.logger.WarnContext(l.ctx, "change bus unhealthy, reloading scope", "status", status)
	l.recordFailure()
	l.Reload(reason)
}

// CheckHeartbeat reloads the scope when the bus has been silent for longer than
// the heartbeat timeout. It is driven by the session ticker.
func (l *Listener) CheckHeartbeat() {
	if l.heartbeatTimeout <= 0 {
		return
	}
	if l.now().Sub(l.lastSignal) < l.heartbeatTimeout {
		return
	}
	l.logger.WarnContext(l.ctx, "change bus heartbeat timed out", "timeout", l.heartbeatTimeout)
	l.lastSignal = l.now()
	l.recordFailure()
	l.Reload(ReasonHeartbeatTimeout)
}

// Poll reloads the scope while degraded. It is driven by the session ticker.
func (l *Listener) Poll() {
	if l.Degraded() {
		l.Reload(ReasonPoll)
	}
}

func (l *Listener) recordFailure() {
	if _, change := l.health.RecordFailure(); change.Opened {
		l.logger.WarnContext(l.ctx, "change bus failing repeatedly, switching to polling")
		l.setDegraded(true)
	}
}

func (l *Listener) setDegraded(degraded bool) {
	if degraded {
		l.metrics.AddDegraded(1)
	} else {
		l.metrics.AddDegraded(-1)
	}
	if l.onDegraded != nil {
		l.onDegraded(degraded)
	}
}

// Reload reads the whole scope off the loop and merges it. Concurrent requests
// coalesce into at most one follow-up reload.
func (l *Listener) Reload(reason string) {
	if l.reloading {
		l.reloadAgain = reason
		return
	}
	l.reloading = true
	l.metrics.IncReload(reason)
	scope := l.scope
	parent := l.ctx
	baseline := l.baseline()
	l.exec.Go(func() {
		ctx, span := l.tracer.Start(parent, "reconcile.reload", trace.WithAttributes(
			attribute.String("reload.reason", reason),
			attribute.String("scope.kind", string(scope.Kind)),
		))
		records, err := l.store.ReadRecordsByScope(ctx, scope)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		l.sched.Post(func() {
			l.finishReload(reason, records, baseline, err)
		})
	})
}

func (l *Listener) finishReload(reason string, records []models.Record, baseline map[models.Key]uint64, err error) {
	l.reloading = false
	if err != nil {
		l.logger.ErrorContext(l.ctx, "scope reload failed", "reason", reason, "error", err)
	} else {
		l.mergeReload(records, baseline)
	}
	if l.onReloaded != nil {
		l.onReloaded(reason, err)
	}
	if next := l.reloadAgain; next != "" {
		l.reloadAgain = ""
		l.Reload(next)
	}
}

// ReloadRecord reads a single record off the loop and merges it. A record the
// store no longer has is treated like a delete event. Requests for a key whose
// read is in flight coalesce into at most one follow-up read.
func (l *Listener) ReloadRecord(key models.Key) {
	if _, inflight := l.recordReloads[key]; inflight {
		l.recordReloads[key] = true
		return
	}
	l.recordReloads[key] = false
	l.metrics.IncReload(ReasonMalformed)
	parent := l.ctx
	l.exec.Go(func() {
		ctx, span := l.tracer.Start(parent, "reconcile.reload_record", trace.WithAttributes(
			attribute.String("record.key", string(key)),
		))
		rec, err := l.store.ReadRecord(ctx, key)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			span.RecordError(err)
		}
		span.End()
		l.sched.Post(func() {
			l.finishRecordReload(key, rec, err)
		})
	})
}

func (l *Listener) finishRecordReload(key models.Key, rec *models.Record, err error) {
	again := l.recordReloads[key]
	delete(l.recordReloads, key)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		l.cache.Remove(key)
	case err != nil:
		l.logger.ErrorContext(l.ctx, "record reload failed", "record_key", key, "error", err)
	case rec != nil:
		l.cache.Insert(*rec)
	}
	if again {
		l.ReloadRecord(key)
	}
}

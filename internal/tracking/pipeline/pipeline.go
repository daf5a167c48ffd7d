// Package pipeline turns viewer requests into optimistic cache writes plus
// background persistence, and reconciles each write with its outcome.
//
// All methods must be called on the owning session loop. Store round trips run
// through the Executor and their completions are posted back through the
// Scheduler, so cache and registry state are only touched on the loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storeops/internal/tracking/cache"
	"storeops/internal/tracking/metrics"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
)

// Executor runs store round trips off the session loop.
type Executor interface {
	Go(job func())
}

// Scheduler posts completions back onto the session loop.
type Scheduler interface {
	Post(fn func())
}

// Outcome describes a resolved mutation. It is passed to completion hooks.
type Outcome struct {
	Key      models.Key
	Fields   []models.FieldID
	Revision uint64
	Err      error
	// Superseded is true when every field of the request had a newer request
	// issued before it resolved.
	Superseded bool
}

// Pipeline owns optimistic submissions for one session.
type Pipeline struct {
	cache          *cache.Cache
	store          ports.RecordStore
	exec           Executor
	sched          Scheduler
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	now            func() time.Time
	timeout        time.Duration
	expectRevision bool
	notify         func(models.Notification)
	onResolved     []func(Outcome)
	baseCtx        context.Context
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer overrides the tracer used around store submissions.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock overrides time.Now for SubmittedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSubmitTimeout bounds each store call. Zero disables the bound.
func WithSubmitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// WithExpectedRevision makes every write carry the cached revision as a
// precondition, turning concurrent edits into stale-write rejections.
func WithExpectedRevision(enabled bool) Option {
	return func(p *Pipeline) {
		p.expectRevision = enabled
	}
}

// WithNotifier receives failure notifications for rolled-back requests.
func WithNotifier(fn func(models.Notification)) Option {
	return func(p *Pipeline) {
		p.notify = fn
	}
}

// WithResolvedHook registers a callback run on the loop after each request resolves.
func WithResolvedHook(fn func(Outcome)) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.onResolved = append(p.onResolved, fn)
		}
	}
}

// WithContext sets the parent context of background submissions. Cancelling it
// fails in-flight writes as transport failures.
func WithContext(ctx context.Context) Option {
	return func(p *Pipeline) {
		if ctx != nil {
			p.baseCtx = ctx
		}
	}
}

// New creates a pipeline writing through c to store.
func New(c *cache.Cache, store ports.RecordStore, exec Executor, sched Scheduler, opts ...Option) (*Pipeline, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if exec == nil || sched == nil {
		return nil, errors.New("executor and scheduler are required")
	}
	p := &Pipeline{
		cache:   c,
		store:   store,
		exec:    exec,
		sched:   sched,
		logger:  slog.Default(),
		tracer:  otel.Tracer("storeops/pipeline"),
		now:     time.Now,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RequestChange optimistically sets one field and persists it in the background.
// The returned record already reflects the change.
func (p *Pipeline) RequestChange(key models.Key, field models.FieldID, value any) (models.Record, error) {
	if field == "" {
		return models.Record{}, fmt.Errorf("%w: field is required", models.ErrValidationRejected)
	}
	return p.RequestGroup(key, models.FieldPatch(field, value), nil)
}

// RequestGroup optimistically applies every field of patch as one pending unit
// and persists it with a single store write. done, when set, runs on the loop
// once the write resolved.
func (p *Pipeline) RequestGroup(key models.Key, patch models.Patch, done func(error)) (models.Record, error) {
	if _, _, _, err := models.ParseKey(string(key)); err != nil {
		return models.Record{}, fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
	}
	if patch.IsEmpty() {
		return models.Record{}, fmt.Errorf("%w: empty patch", models.ErrValidationRejected)
	}

	registry := p.cache.Pending()
	before, _ := p.cache.Get(key)
	seq := registry.NextSeq()
	base := p.cache.Revision(key)
	submitted := p.now()

	fields := patch.FieldIDs()
	muts := make([]*models.PendingMutation, 0, len(fields))
	for _, field := range fields {
		desired, _ := patch.Value(field)
		snapshot, _ := before.Value(field)
		m := &models.PendingMutation{
			Key:          key,
			Field:        field,
			Desired:      models.NormalizeValue(desired),
			SubmittedAt:  submitted,
			Attempt:      1,
			Seq:          seq,
			BaseRevision: base,
		}
		registry.Register(m, snapshot, p.cache.FieldRevision(key, field))
		muts = append(muts, m)
	}

	var rec models.Record
	for _, m := range muts {
		rec = p.cache.ApplyLocal(key, m.Field, m.Desired)
	}
	p.metrics.AddPending(float64(len(muts)))
	p.metrics.IncSubmitted(string(key.Kind()))

	opts := ports.PatchOptions{CreateIfMissing: base == 0}
	if p.expectRevision && base > 0 {
		opts.ExpectedRevision = base
	}
	p.submit(key, patch, opts, muts, done)
	return rec, nil
}

func (p *Pipeline) submit(key models.Key, patch models.Patch, opts ports.PatchOptions, muts []*models.PendingMutation, done func(error)) {
	parent := p.baseCtx
	p.exec.Go(func() {
		ctx, span := p.tracer.Start(parent, "pipeline.submit", trace.WithAttributes(
			attribute.String("record.key", string(key)),
			attribute.Int("record.fields", len(muts)),
		))
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		start := time.Now()
		revision, err := p.store.PatchRecord(ctx, key, patch, opts)
		p.metrics.ObserveSubmit(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		p.sched.Post(func() {
			p.complete(key, muts, revision, err, done)
		})
	})
}

// complete resolves every mutation of one request. It runs on the loop.
func (p *Pipeline) complete(key models.Key, muts []*models.PendingMutation, revision uint64, err error, done func(error)) {
	ok := err == nil
	registry := p.cache.Pending()
	superseded := true
	rolledBack := false
	var failed []models.FieldID

	for _, m := range muts {
		res := registry.Resolve(m, ok, revision)
		if !res.Superseded {
			superseded = false
		}
		if ok {
			p.cache.Confirm(key, m.Field, revision)
		}
		if res.Display && p.cache.Restore(key, m.Field, res.Value) && !ok {
			rolledBack = true
		}
		if !ok && !res.Superseded {
			failed = append(failed, m.Field)
		}
	}
	p.metrics.AddPending(-float64(len(muts)))
	p.cache.Release(key)

	if !ok {
		category := models.Classify(err)
		p.metrics.IncFailed(string(category))
		if rolledBack {
			p.metrics.IncRolledBack()
		}
		p.logger.WarnContext(p.baseCtx, "mutation failed",
			"record_key", key,
			"fields", len(muts),
			"category", category,
			"superseded", superseded,
			"error", err,
		)
		if len(failed) > 0 && p.notify != nil {
			p.notify(models.Notification{Failure: &models.Failure{
				Key:      key,
				Fields:   failed,
				Category: category,
				Message:  category.Message(),
			}})
		}
	}

	fields := make([]models.FieldID, len(muts))
	for i, m := range muts {
		fields[i] = m.Field
	}
	outcome := Outcome{Key: key, Fields: fields, Revision: revision, Err: err, Superseded: superseded}
	for _, hook := range p.onResolved {
		hook(outcome)
	}
	if done != nil {
		done(err)
	}
}

// Pending counts unresolved mutations of this session.
func (p *Pipeline) Pending() int {
	return p.cache.Pending().Len()
}

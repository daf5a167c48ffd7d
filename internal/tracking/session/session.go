// Package session runs one viewer's sync engine: a single-writer loop owning
// the optimistic cache, the mutation pipeline and the reconciliation listener,
// plus the scoped bus subscription that feeds them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"storeops/internal/tracking/cache"
	"storeops/internal/tracking/metrics"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/pipeline"
	"storeops/internal/tracking/ports"
	"storeops/internal/tracking/reconcile"
	"storeops/pkg/platform/sentinel"
)

// ErrOutOfScope is returned for keys the session does not subscribe to.
var ErrOutOfScope = fmt.Errorf("%w: record outside session scope", models.ErrValidationRejected)

// Config tunes a session.
type Config struct {
	Workers           int
	WatchBuffer       int
	SubmitTimeout     time.Duration
	HeartbeatTimeout  time.Duration
	TickInterval      time.Duration
	ExpectRevision    bool
	FailureThreshold  int
	RecoveryThreshold int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WatchBuffer <= 0 {
		c.WatchBuffer = 256
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	return c
}

// Deps are the shared collaborators of every session.
type Deps struct {
	Store   ports.RecordStore
	Bus     ports.ChangeBus
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// FailureHook observes rolled-back mutations of a session.
type FailureHook func(s *Session, failure models.Failure)

// View is the loop-bound access handed to Update callbacks. It must not be
// retained after the callback returns.
type View interface {
	Get(key models.Key) (models.Record, bool)
	RequestGroup(key models.Key, patch models.Patch, done func(error)) (models.Record, error)
}

// Session is safe for concurrent use; every call is serialized onto its loop.
type Session struct {
	id     string
	actor  string
	scope  models.ScopeFilter
	cfg    Config
	store  ports.RecordStore
	logger *slog.Logger
	m      *metrics.Metrics

	loop     *Loop
	pool     *WorkerPool
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	listener *reconcile.Listener
	sub      ports.Subscription

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ready      chan struct{}
	readyOnce  sync.Once
	closeOnce  sync.Once
	lastActive atomic.Int64

	watchMu  sync.Mutex
	watchers map[*Watch]struct{}

	failureHooks []FailureHook
}

// Option configures a Session.
type Option func(*Session)

// WithFailureHook registers a hook run on the loop for each rolled-back mutation.
func WithFailureHook(h FailureHook) Option {
	return func(s *Session) {
		if h != nil {
			s.failureHooks = append(s.failureHooks, h)
		}
	}
}

type loopScheduler struct {
	loop *Loop
}

func (l loopScheduler) Post(fn func()) {
	l.loop.Post(fn)
}

// Open starts a session for actor over scope. The first full reload of the
// scope starts immediately; WaitReady blocks until it landed.
func Open(id, actor string, scope models.ScopeFilter, deps Deps, cfg Config, opts ...Option) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("change bus is required")
	}
	if !scope.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown record kind %q", models.ErrValidationRejected, scope.Kind)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id, "actor", actor, "kind", scope.Kind)
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		actor:    actor,
		scope:    scope,
		cfg:      cfg,
		store:    deps.Store,
		logger:   logger,
		m:        deps.Metrics,
		loop:     NewLoop(),
		pool:     NewWorkerPool(cfg.Workers, logger),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		watchers: make(map[*Watch]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.touch()

	sched := loopScheduler{loop: s.loop}
	s.cache = cache.New(cache.WithObserver(s.broadcast))

	var err error
	s.pipeline, err = pipeline.New(s.cache, deps.Store, s.pool, sched,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(deps.Metrics),
		pipeline.WithSubmitTimeout(cfg.SubmitTimeout),
		pipeline.WithExpectedRevision(cfg.ExpectRevision),
		pipeline.WithNotifier(s.onFailure),
		pipeline.WithContext(ctx),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	s.listener, err = reconcile.New(s.cache, deps.Store, s.pool, sched, scope,
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(deps.Metrics),
		reconcile.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		reconcile.WithHealthThresholds(cfg.FailureThreshold, cfg.RecoveryThreshold),
		reconcile.WithReloadHook(s.onReloaded),
		reconcile.WithContext(ctx),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.loop.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tick(ctx)
	}()

	s.sub, err = deps.Bus.Subscribe(scope.Kind, scope, s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe to change bus: %w", err)
	}
	s.loop.Post(func() { s.listener.Reload(reconcile.ReasonInitial) })

	deps.Metrics.AddSessions(1)
	logger.Info("session opened")
	return s, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Actor() string             { return s.actor }
func (s *Session) Scope() models.ScopeFilter { return s.scope }

// WaitReady blocks until the first scope reload completed.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loop.Done():
		return ErrClosed
	}
}

// HandleEvent implements ports.EventHandler by moving the event onto the loop.
func (s *Session) HandleEvent(event models.ChangeEvent) {
	s.loop.Post(func() { s.listener.OnChangeEvent(event) })
}

// HandleStatus implements ports.EventHandler.
func (s *Session) HandleStatus(status models.Status) {
	s.loop.Post(func() { s.listener.OnStatus(status) })
}

// Get returns the believed state of key, reading it through from the store on
// first access. A record the store does not have yet is synthesized empty.
func (s *Session) Get(ctx context.Context, key models.Key) (models.Record, error) {
	if err := s.checkScope(key); err != nil {
		return models.Record{}, err
	}
	s.touch()

	var rec models.Record
	var ok bool
	if err := s.loop.Do(ctx, func() { rec, ok = s.cache.Get(key) }); err != nil {
		return models.Record{}, err
	}
	if ok {
		return rec, nil
	}

	stored, err := s.store.ReadRecord(ctx, key)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		empty := models.NewEmptyRecord(key)
		stored = &empty
	case err != nil:
		return models.Record{}, fmt.Errorf("read record %s: %w", key, err)
	}
	err = s.loop.Do(ctx, func() {
		if cached, found := s.cache.Get(key); found {
			rec = cached
			return
		}
		rec = s.cache.Insert(*stored)
	})
	return rec, err
}

// RequestChange optimistically sets one field. The returned record already
// carries the change; persistence happens in the background.
func (s *Session) RequestChange(ctx context.Context, key models.Key, field models.FieldID, value any) (models.Record, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return models.Record{}, err
	}
	var rec models.Record
	var reqErr error
	if err := s.loop.Do(ctx, func() {
		rec, reqErr = s.pipeline.RequestChange(key, field, value)
	}); err != nil {
		return models.Record{}, err
	}
	return rec, reqErr
}

// Update runs fn on the loop with exclusive access to the session state, so
// a check and the write it guards observe the same cache.
func (s *Session) Update(ctx context.Context, fn func(View) error) error {
	s.touch()
	var fnErr error
	if err := s.loop.Do(ctx, func() { fnErr = fn(loopView{s: s}) }); err != nil {
		return err
	}
	return fnErr
}

// Records lists every cached record.
func (s *Session) Records(ctx context.Context) ([]models.Record, error) {
	var out []models.Record
	err := s.loop.Do(ctx, func() { out = s.cache.Records() })
	return out, err
}

// Pending counts mutations in flight.
func (s *Session) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.pipeline.Pending() })
	return n, err
}

// Degraded reports whether the session polls because its bus is unhealthy.
func (s *Session) Degraded(ctx context.Context) (bool, error) {
	var d bool
	err := s.loop.Do(ctx, func() { d = s.listener.Degraded() })
	return d, err
}

// Reload forces a full reload of the session scope.
func (s *Session) Reload(ctx context.Context) error {
	return s.loop.Do(ctx, func() { s.listener.Reload(reconcile.ReasonPoll) })
}

// Watch opens a notification handle. Close it when the consumer goes away.
func (s *Session) Watch() (*Watch, error) {
	select {
	case <-s.loop.Done():
		return nil, ErrClosed
	default:
	}
	s.touch()
	w := newWatch(s.cfg.WatchBuffer, s.unwatch)
	s.watchMu.Lock()
	s.watchers[w] = struct{}{}
	s.watchMu.Unlock()
	return w, nil
}

// Watching counts open watch handles.
func (s *Session) Watching() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watchers)
}

// IdleSince returns the last time the session was used.
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Close releases the subscription, stops the loop and waits for background
// work. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			if err := s.sub.Close(); err != nil {
				s.logger.Warn("closing change subscription", "error", err)
			}
		}
		s.cancel()
		s.loop.Close()
		s.wg.Wait()
		s.pool.Wait()

		s.watchMu.Lock()
		watchers := make([]*Watch, 0, len(s.watchers))
		for w := range s.watchers {
			watchers = append(watchers, w)
		}
		s.watchMu.Unlock()
		for _, w := range watchers {
			w.Close()
		}
		if s.sub != nil {
			s.m.AddSessions(-1)
		}
		s.logger.Info("session closed")
	})
}

func (s *Session) tick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.loop.Post(func() {
				s.listener.CheckHeartbeat()
				s.listener.Poll()
			})
		}
	}
}

func (s *Session) checkScope(key models.Key) error {
	if _, _, _, err := models.ParseKey(string(key)); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
	}
	if !s.scope.Matches(models.NewEmptyRecord(key)) {
		return ErrOutOfScope
	}
	return nil
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) onReloaded(reason string, err error) {
	if reason == reconcile.ReasonInitial {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

func (s *Session) onFailure(n models.Notification) {
	s.broadcast(n)
	if n.Failure == nil {
		return
	}
	for _, hook := range s.failureHooks {
		hook(s, *n.Failure)
	}
}

func (s *Session) broadcast(n models.Notification) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for w := range s.watchers {
		if w.push(n) {
			s.m.IncDropped()
		}
	}
}

func (s *Session) unwatch(w *Watch) {
	s.watchMu.Lock()
	delete(s.watchers, w)
	s.watchMu.Unlock()
}

type loopView struct {
	s *Session
}

func (v loopView) Get(key models.Key) (models.Record, bool) {
	return v.s.cache.Get(key)
}

func (v loopView) RequestGroup(key models.Key, patch models.Patch, done func(error)) (models.Record, error) {
	if err := v.s.checkScope(key); err != nil {
		return models.Record{}, err
	}
	return v.s.pipeline.RequestGroup(key, patch, done)
}

// Package history serves the seven-day audit overview of a store's
// checklists. Views are computed from the record store, cached, and rebuilt
// in the background after a record is audited.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
)

// Days is the length of the history window, ending on the requested day.
const Days = 7

// ErrQueueFull is returned by Refresh when the rebuild queue is saturated.
var ErrQueueFull = errors.New("history refresh queue full")

// Day summarizes one checklist day.
type Day struct {
	Day        string     `json:"day"`
	Exists     bool       `json:"exists"`
	Audited    bool       `json:"audited"`
	AuditedBy  string     `json:"audited_by,omitempty"`
	AuditedAt  *time.Time `json:"audited_at,omitempty"`
	Completion float64    `json:"completion"`
}

// View is the audit overview of one store and kind, oldest day first.
type View struct {
	Kind        models.EntityKind `json:"kind"`
	StoreID     string            `json:"store_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Days        []Day             `json:"days"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Catalog computes completion ratios.
type Catalog interface {
	CompletionRatio(rec models.Record) float64
}

// Cache stores rendered views. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service is safe for concurrent use.
type Service struct {
	store   ports.RecordStore
	catalog Catalog
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
	queue   chan models.Key
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCache replaces the default in-process cache.
func WithCache(c Cache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithTTL sets how long a view is served from cache.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQueueSize bounds the number of pending refreshes.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan models.Key, n)
		}
	}
}

func New(store ports.RecordStore, catalog Catalog, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	s := &Service{
		store:   store,
		catalog: catalog,
		cache:   NewMemoryCache(),
		ttl:     10 * time.Minute,
		logger:  slog.Default(),
		now:     time.Now,
		queue:   make(chan models.Key, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Week returns the view of the Days days ending on end.
func (s *Service) Week(ctx context.Context, kind models.EntityKind, storeID string, end time.Time) (View, error) {
	if !kind.IsChecklist() {
		return View{}, fmt.Errorf("%w: %s has no daily history", models.ErrValidationRejected, kind)
	}
	if storeID == "" {
		return View{}, fmt.Errorf("%w: store id is required", models.ErrValidationRejected)
	}
	key := cacheKey(kind, storeID, end)

	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "history cache read failed", "key", key, "error", err)
	} else if ok {
		var view View
		if err := json.Unmarshal(raw, &view); err == nil {
			return view, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.build(ctx, kind, storeID, end)
	})
	if err != nil {
		return View{}, err
	}
	return v.(View), nil
}

// Refresh queues a rebuild of every cached window containing key's day. It
// never blocks.
func (s *Service) Refresh(_ context.Context, key models.Key) error {
	select {
	case s.queue <- key:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes queued refreshes until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-s.queue:
			if err := s.rebuild(ctx, key); err != nil {
				s.logger.WarnContext(ctx, "history rebuild failed", "record_key", key, "error", err)
			}
		}
	}
}

func (s *Service) rebuild(ctx context.Context, key models.Key) error {
	kind, storeID, rawDay, err := models.ParseKey(string(key))
	if err != nil {
		return err
	}
	if !kind.IsChecklist() {
		return nil
	}
	day, err := time.Parse(models.DayLayout, rawDay)
	if err != nil {
		return err
	}

	keys := make([]string, 0, Days)
	for i := range Days {
		keys = append(keys, cacheKey(kind, storeID, day.AddDate(0, 0, i)))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate history: %w", err)
	}

	end := day.AddDate(0, 0, Days-1)
	if today := s.now().UTC().Truncate(24 * time.Hour); end.After(today) {
		end = today
	}
	if end.Before(day) {
		return nil
	}
	_, err = s.build(ctx, kind, storeID, end)
	return err
}

func (s *Service) build(ctx context.Context, kind models.EntityKind, storeID string, end time.Time) (View, error) {
	from := end.AddDate(0, 0, -(Days - 1))
	view := View{
		Kind:        kind,
		StoreID:     storeID,
		From:        from.Format(models.DayLayout),
		To:          end.Format(models.DayLayout),
		GeneratedAt: s.now().UTC(),
	}
	records, err := s.store.ReadRecordsByScope(ctx, models.ScopeFilter{
		Kind:    kind,
		StoreID: storeID,
		From:    view.From,
		To:      view.To,
	})
	if err != nil {
		return View{}, fmt.Errorf("read history records: %w", err)
	}

	byDay := make(map[string]models.Record, len(records))
	for _, rec := range records {
		byDay[rec.Day] = rec
	}
	for i := range Days {
		day := from.AddDate(0, 0, i).Format(models.DayLayout)
		entry := Day{Day: day}
		if rec, ok := byDay[day]; ok {
			entry.Exists = true
			entry.Audited = rec.Audit.Audited
			entry.AuditedBy = rec.Audit.AuditedBy
			entry.AuditedAt = rec.Audit.AuditedAt
			entry.Completion = s.catalog.CompletionRatio(rec)
		}
		view.Days = append(view.Days, entry)
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return View{}, fmt.Errorf("encode history: %w", err)
	}
	key := cacheKey(kind, storeID, end)
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "history cache write failed", "key", key, "error", err)
	}
	return view, nil
}

func cacheKey(kind models.EntityKind, storeID string, end time.Time) string {
	return fmt.Sprintf("storeops:history:%s:%s:%s", kind, storeID, end.Format(models.DayLayout))
}

package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"storeops/internal/catalog"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	"storeops/internal/tracking/store/memory"
)

type countingStore struct {
	ports.RecordStore
	scans atomic.Int32
	fail  error
}

func (s *countingStore) ReadRecordsByScope(ctx context.Context, filter models.ScopeFilter) ([]models.Record, error) {
	s.scans.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.RecordStore.ReadRecordsByScope(ctx, filter)
}

// =============================================================================
// History Test Suite
// =============================================================================
// Justification for unit tests: the overview must fill gaps, read completion
// from the catalog, serve from cache and rebuild after audits.

type HistorySuite struct {
	suite.Suite
	backing *memory.InMemoryStore
	store   *countingStore
	svc     *Service
	today   time.Time
	ctx     context.Context
}

func TestHistorySuite(t *testing.T) {
	suite.Run(t, new(HistorySuite))
}

func (s *HistorySuite) SetupTest() {
	s.ctx = context.Background()
	s.today = time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	s.backing = memory.NewInMemoryStore()
	s.store = &countingStore{RecordStore: s.backing}

	cat, err := catalog.New(map[models.EntityKind][]catalog.Entry{
		models.KindDailyChecklist: {{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
	})
	s.Require().NoError(err)

	s.svc, err = New(s.store, cat,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.today.Add(15 * time.Hour) }),
	)
	s.Require().NoError(err)
}

func (s *HistorySuite) put(day string, audited bool, checked ...models.FieldID) models.Key {
	key := models.NewChecklistKey(models.KindDailyChecklist, "store-1", mustDay(day))
	rec := models.NewEmptyRecord(key)
	for _, f := range checked {
		rec.Fields[f] = true
	}
	if audited {
		at := mustDay(day).Add(18 * time.Hour)
		rec.Audit = models.AuditState{Audited: true, AuditedBy: "sup", AuditedAt: &at}
	}
	s.backing.Put(s.ctx, rec)
	return key
}

func mustDay(day string) time.Time {
	t, err := time.Parse(models.DayLayout, day)
	if err != nil {
		panic(err)
	}
	return t
}

func (s *HistorySuite) TestNew() {
	_, err := New(nil, nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "record store is required")

	_, err = New(s.store, nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "catalog is required")
}

func (s *HistorySuite) TestWeek() {
	s.put("2026-03-02", true, "a", "b")
	s.put("2026-03-05", false, "a")
	s.put("2026-03-08", false)
	s.put("2026-02-20", true, "a")

	view, err := s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().NoError(err)

	s.Equal("2026-03-02", view.From)
	s.Equal("2026-03-08", view.To)
	s.Require().Len(view.Days, Days)

	first := view.Days[0]
	s.Equal("2026-03-02", first.Day)
	s.True(first.Exists)
	s.True(first.Audited)
	s.Equal("sup", first.AuditedBy)
	s.InDelta(0.5, first.Completion, 1e-9)

	s.False(view.Days[1].Exists, "days without a record are filled in")
	s.InDelta(0.25, view.Days[3].Completion, 1e-9)
	s.False(view.Days[3].Audited)
	s.True(view.Days[6].Exists)
}

func (s *HistorySuite) TestWeekIsCached() {
	s.put("2026-03-08", false, "a")

	_, err := s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().NoError(err)
	_, err = s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().NoError(err)
	s.Equal(int32(1), s.store.scans.Load())
}

func (s *HistorySuite) TestWeekValidation() {
	_, err := s.svc.Week(s.ctx, models.KindEquipment, "store-1", s.today)
	s.ErrorIs(err, models.ErrValidationRejected)

	_, err = s.svc.Week(s.ctx, models.KindDailyChecklist, "", s.today)
	s.ErrorIs(err, models.ErrValidationRejected)
}

func (s *HistorySuite) TestStoreFailure() {
	s.store.fail = errors.New("connection reset")
	_, err := s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().Error(err)
	s.Contains(err.Error(), "connection reset")
}

func (s *HistorySuite) TestRefreshRebuildsAfterAudit() {
	key := s.put("2026-03-05", false, "a")

	view, err := s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().NoError(err)
	s.False(view.Days[3].Audited)

	s.put("2026-03-05", true, "a")
	s.Require().NoError(s.svc.Refresh(s.ctx, key))
	s.Require().NoError(s.svc.rebuild(s.ctx, <-s.svc.queue))

	view, err = s.svc.Week(s.ctx, models.KindDailyChecklist, "store-1", s.today)
	s.Require().NoError(err)
	s.True(view.Days[3].Audited)
}

func (s *HistorySuite) TestRefreshNeverBlocks() {
	svc, err := New(s.store, catalogStub{}, WithQueueSize(1))
	s.Require().NoError(err)

	key := models.Key("daily_checklist:store-1:2026-03-05")
	s.NoError(svc.Refresh(s.ctx, key))
	s.ErrorIs(svc.Refresh(s.ctx, key), ErrQueueFull)
}

func (s *HistorySuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.svc.Run(ctx) }()

	key := s.put("2026-03-07", true, "a")
	s.Require().NoError(s.svc.Refresh(ctx, key))
	s.Eventually(func() bool { return s.store.scans.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

type catalogStub struct{}

func (catalogStub) CompletionRatio(models.Record) float64 { return 0 }

func TestMemoryCacheExpires(t *testing.T) {
	now := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := c.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("expected cached value, got %q %v", v, ok)
	}
	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected entry to expire")
	}
}

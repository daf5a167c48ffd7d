package auditgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"storeops/internal/catalog"
	"storeops/internal/tracking/bus"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/session"
	"storeops/internal/tracking/store/memory"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/requestcontext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu         sync.Mutex
	emitted    []audit.ComplianceEvent
	tracked    []audit.OpsEvent
	refreshed  []models.Key
	refreshErr error
}

func (r *recorder) Emit(_ context.Context, e audit.ComplianceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, e)
	return nil
}

func (r *recorder) Track(e audit.OpsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, e)
}

func (r *recorder) Refresh(_ context.Context, key models.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, key)
	return r.refreshErr
}

func (r *recorder) snapshot() ([]audit.ComplianceEvent, []audit.OpsEvent, []models.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.ComplianceEvent(nil), r.emitted...),
		append([]audit.OpsEvent(nil), r.tracked...),
		append([]models.Key(nil), r.refreshed...)
}

func catalogOf(t *testing.T, n int) *catalog.Catalog {
	entries := make([]catalog.Entry, n)
	for i := range entries {
		entries[i] = catalog.Entry{ID: models.FieldID(fmt.Sprintf("task_%02d", i)), Sector: "floor"}
	}
	c, err := catalog.New(map[models.EntityKind][]catalog.Entry{models.KindDailyChecklist: entries})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

// =============================================================================
// Audit Gate Test Suite
// =============================================================================
// Justification for unit tests: the gate's preconditions (capability, ratio at
// request time) and its idempotency are business rules that must hold before
// the cache is touched. A real session over the in-memory store is used so
// confirmation and rollback follow the production path.

type GateSuite struct {
	suite.Suite
	hub         *bus.Hub
	store       *memory.InMemoryStore
	rec         *recorder
	sess        *session.Session
	key         models.Key
	now         time.Time
	ctx         context.Context
	rejectAudit bool
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.rejectAudit = false
	s.hub = bus.NewHub()
	s.store = memory.NewInMemoryStore(
		memory.WithPublisher(s.hub),
		memory.WithFieldValidator(func(_ models.EntityKind, field models.FieldID) error {
			if field == models.FieldAudit && s.rejectAudit {
				return models.ErrValidationRejected
			}
			return nil
		}),
	)
	s.rec = &recorder{}
	s.key = models.Key("daily_checklist:store-1:2026-03-02")
	s.now = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	seed := models.NewEmptyRecord(s.key)
	seed.Fields["task_00"] = true
	s.store.Put(context.Background(), seed)

	deps := session.Deps{Store: s.store, Bus: s.hub, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	sess, err := session.Open("sess-1", "supervisor-1",
		models.ScopeFilter{Kind: models.KindDailyChecklist, StoreID: "store-1"},
		deps, session.Config{Workers: 2, TickInterval: time.Hour})
	s.Require().NoError(err)
	s.sess = sess

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(sess.WaitReady(ctx))

	s.ctx = requestcontext.WithTime(
		requestcontext.WithActor(context.Background(), "supervisor-1", requestcontext.CapabilityAudit),
		s.now,
	)
}

func (s *GateSuite) TearDownTest() {
	s.sess.Close()
	s.hub.Close()
}

func (s *GateSuite) gate(entries int) *Gate {
	g, err := New(catalogOf(s.T(), entries),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCompliancePublisher(s.rec),
		WithOpsTracker(s.rec),
		WithHistoryRefresher(s.rec),
	)
	s.Require().NoError(err)
	return g
}

func (s *GateSuite) settle(g *Gate) {
	s.Eventually(func() bool {
		n, err := s.sess.Pending(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
	g.Wait()
}

func (s *GateSuite) current() models.Record {
	rec, err := s.sess.Get(context.Background(), s.key)
	s.Require().NoError(err)
	return rec
}

func (s *GateSuite) TestNew() {
	_, err := New(nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "catalog is required")

	g, err := New(catalogOf(s.T(), 1), WithThreshold(0.5))
	s.Require().NoError(err)
	s.Equal(0.5, g.Threshold())
}

func (s *GateSuite) TestCapabilityCheckedFirst() {
	g := s.gate(20)

	s.Run("anonymous callers are refused", func() {
		_, err := g.RequestTransition(context.Background(), s.sess, s.key, true)
		s.ErrorIs(err, models.ErrNotAuthorized)
	})

	s.Run("actors without the audit capability are refused", func() {
		ctx := requestcontext.WithActor(context.Background(), "clerk-1", requestcontext.CapabilityEdit)
		_, err := g.RequestTransition(ctx, s.sess, s.key, false)
		s.ErrorIs(err, models.ErrNotAuthorized)
	})

	s.False(s.current().Audit.Audited)
	n, err := s.sess.Pending(context.Background())
	s.Require().NoError(err)
	s.Zero(n, "a refused request never reaches the pipeline")

	_, tracked, _ := s.rec.snapshot()
	s.Require().Len(tracked, 2)
	s.Equal(string(audit.EventAuditRefused), tracked[0].Action)
	s.Equal("not_authorized", tracked[0].Reason)
}

func (s *GateSuite) TestThresholdBoundary() {
	s.Run("0.04 is below the threshold", func() {
		g := s.gate(25)
		_, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
		s.ErrorIs(err, models.ErrBelowThreshold)
		s.False(s.current().Audit.Audited)
	})

	s.Run("exactly 0.05 meets the threshold", func() {
		g := s.gate(20)
		rec, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
		s.Require().NoError(err)
		s.True(rec.Audit.Audited, "the transition shows optimistically")
		s.Equal("supervisor-1", rec.Audit.AuditedBy)
		s.Require().NotNil(rec.Audit.AuditedAt)
		s.True(rec.Audit.AuditedAt.Equal(s.now))

		s.settle(g)
		stored, err := s.store.ReadRecord(context.Background(), s.key)
		s.Require().NoError(err)
		s.True(stored.Audit.Audited)
		s.Equal("supervisor-1", stored.Audit.AuditedBy)
	})
}

func (s *GateSuite) TestEmptyCatalogCannotBeAudited() {
	g := s.gate(0)
	_, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.ErrorIs(err, models.ErrBelowThreshold)
}

func (s *GateSuite) TestAuditedStaysAudited() {
	g := s.gate(20)

	_, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.Require().NoError(err)
	s.settle(g)

	rec, err := s.sess.RequestChange(context.Background(), s.key, "task_00", false)
	s.Require().NoError(err)
	s.False(rec.Checked("task_00"))
	s.settle(g)
	s.True(s.current().Audit.Audited, "dropping under the threshold does not unaudit")

	rec, err = g.RequestTransition(s.ctx, s.sess, s.key, false)
	s.Require().NoError(err, "unmarking is allowed at any ratio")
	s.False(rec.Audit.Audited)
	s.Empty(rec.Audit.AuditedBy)
	s.Nil(rec.Audit.AuditedAt)
	s.settle(g)

	stored, err := s.store.ReadRecord(context.Background(), s.key)
	s.Require().NoError(err)
	s.Equal(models.AuditState{}, stored.Audit)

	emitted, _, refreshed := s.rec.snapshot()
	s.Require().Len(emitted, 2)
	s.Equal(string(audit.EventRecordAudited), emitted[0].Action)
	s.Equal(string(audit.EventRecordUnaudited), emitted[1].Action)
	s.Equal([]models.Key{s.key}, refreshed, "only audits refresh the history")
}

func (s *GateSuite) TestIdempotent() {
	g := s.gate(20)

	_, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.Require().NoError(err)
	s.settle(g)
	stored, err := s.store.ReadRecord(context.Background(), s.key)
	s.Require().NoError(err)
	revision := stored.Revision

	rec, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.Require().NoError(err)
	s.True(rec.Audit.Audited)
	s.settle(g)

	stored, err = s.store.ReadRecord(context.Background(), s.key)
	s.Require().NoError(err)
	s.Equal(revision, stored.Revision, "a no-op writes nothing")

	other := models.Key("daily_checklist:store-1:2026-03-03")
	_, err = g.RequestTransition(s.ctx, s.sess, other, false)
	s.Require().NoError(err, "unmarking an unaudited record is a no-op")

	emitted, _, _ := s.rec.snapshot()
	s.Len(emitted, 1)
}

func (s *GateSuite) TestRejectedTransitionRollsBackTheGroup() {
	g := s.gate(20)
	s.rejectAudit = true

	rec, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.Require().NoError(err)
	s.True(rec.Audit.Audited)
	s.settle(g)

	s.Equal(models.AuditState{}, s.current().Audit, "all three attributes roll back together")
	emitted, _, refreshed := s.rec.snapshot()
	s.Empty(emitted)
	s.Empty(refreshed)
}

func (s *GateSuite) TestHistoryRefreshFailureIsIgnored() {
	s.rec.refreshErr = errors.New("redis down")
	g := s.gate(20)

	_, err := g.RequestTransition(s.ctx, s.sess, s.key, true)
	s.Require().NoError(err)
	s.settle(g)

	s.True(s.current().Audit.Audited)
	_, _, refreshed := s.rec.snapshot()
	s.Len(refreshed, 1)
}

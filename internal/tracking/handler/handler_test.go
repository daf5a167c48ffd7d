package handler

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"storeops/internal/tracking/bus"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/session"
	"storeops/internal/tracking/store/memory"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/requestcontext"
	"storeops/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type opsRecorder struct {
	mu     sync.Mutex
	events []audit.OpsEvent
}

func (r *opsRecorder) Track(e audit.OpsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *opsRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

// =============================================================================
// Session Handler Test Suite
// =============================================================================
// Justification for unit tests: the HTTP surface validates scopes, enforces
// session ownership and the edit capability, and maps engine errors onto
// status codes. Sessions run for real over the in-memory store.

type HandlerSuite struct {
	suite.Suite
	hub     *bus.Hub
	store   *memory.InMemoryStore
	manager *session.Manager
	ops     *opsRecorder
	router  chi.Router
	key     models.Key
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.hub = bus.NewHub()
	s.store = memory.NewInMemoryStore(
		memory.WithPublisher(s.hub),
		memory.WithFieldValidator(func(_ models.EntityKind, field models.FieldID) error {
			if field == "unknown" {
				return models.ErrValidationRejected
			}
			return nil
		}),
	)
	s.key = models.Key("daily_checklist:store-1:2026-03-02")
	s.store.Put(context.Background(), models.NewEmptyRecord(s.key))

	s.ops = &opsRecorder{}
	var err error
	s.manager, err = session.NewManager(
		session.Deps{Store: s.store, Bus: s.hub, Logger: logger},
		session.Config{Workers: 2, TickInterval: time.Hour},
		session.WithSessionOptions(session.WithFailureHook(RollbackTracker(s.ops))),
	)
	s.Require().NoError(err)

	h := New(s.manager, logger, WithOpsTracker(s.ops), WithKeepAlive(50*time.Millisecond))
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) TearDownTest() {
	s.manager.CloseAll()
	s.hub.Close()
}

func (s *HandlerSuite) do(req *http.Request, actor string, caps ...string) *httptest.ResponseRecorder {
	if actor != "" {
		req = testutil.WithActor(req, actor, caps...)
	}
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) open(actor string) string {
	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/sessions",
		OpenRequest{Kind: models.KindDailyChecklist, StoreID: "store-1"}), actor)
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	return testutil.UnmarshalResponse[SessionResponse](s.T(), rr).SessionID
}

func (s *HandlerSuite) TestOpen() {
	s.Run("requires an actor", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/sessions",
			OpenRequest{Kind: models.KindDailyChecklist, StoreID: "store-1"}), "")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	})

	s.Run("rejects invalid scopes", func() {
		for _, req := range []OpenRequest{
			{Kind: "payroll"},
			{Kind: models.KindDailyChecklist},
			{Kind: models.KindDailyChecklist, StoreID: "s", From: "03/02/2026"},
			{Kind: models.KindDailyChecklist, StoreID: "s", From: "2026-03-05", To: "2026-03-01"},
			{Kind: models.KindEquipment, Keys: []models.Key{"daily_checklist:s:2026-03-01"}},
		} {
			rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/sessions", req), "clerk-1")
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
		}
	})

	s.Run("opens a session owned by the actor", func() {
		id := s.open("clerk-1")
		s.NotEmpty(id)
		s.Contains(s.ops.actions(), string(audit.EventSessionOpened))

		rr := s.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/records", nil), "clerk-2")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *HandlerSuite) TestRecords() {
	id := s.open("clerk-1")

	rr := s.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/records", nil), "clerk-1")
	s.Require().Equal(http.StatusOK, rr.Code)
	body := testutil.UnmarshalResponse[RecordsResponse](s.T(), rr)
	s.Require().Len(body.Records, 1)
	s.Equal(s.key, body.Records[0].Key)
	s.Zero(body.Pending)
	s.False(body.Degraded)

	rr = s.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/records/"+string(s.key), nil), "clerk-1")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(s.key, testutil.UnmarshalResponse[models.Record](s.T(), rr).Key)

	rr = s.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/records/daily_checklist:store-9:2026-03-02", nil), "clerk-1")
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")

	rr = s.do(httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/records/nonsense", nil), "clerk-1")
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *HandlerSuite) TestToggle() {
	id := s.open("clerk-1")
	path := "/sessions/" + id + "/records/" + string(s.key) + "/fields/"

	s.Run("requires the edit capability", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPut, path+"t1", ToggleRequest{Value: true}), "clerk-1")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	})

	s.Run("the audit group is not a field", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPut, path+string(models.FieldAudit), ToggleRequest{Value: true}),
			"clerk-1", requestcontext.CapabilityEdit)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("returns the optimistic record and persists it", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPut, path+"t1", ToggleRequest{Value: true}),
			"clerk-1", requestcontext.CapabilityEdit)
		s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
		s.True(testutil.UnmarshalResponse[models.Record](s.T(), rr).Checked("t1"))

		s.Eventually(func() bool {
			rec, err := s.store.ReadRecord(context.Background(), s.key)
			return err == nil && rec.Checked("t1")
		}, time.Second, 5*time.Millisecond)
	})

	s.Run("a rejected write rolls back and is tracked", func() {
		rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPut, path+"unknown", ToggleRequest{Value: true}),
			"clerk-1", requestcontext.CapabilityEdit)
		s.Require().Equal(http.StatusOK, rr.Code)

		s.Eventually(func() bool {
			for _, a := range s.ops.actions() {
				if a == string(audit.EventMutationRolledBack) {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	})
}

func (s *HandlerSuite) TestReloadAndClose() {
	id := s.open("clerk-1")

	rr := s.do(httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/reload", nil), "clerk-1")
	s.Equal(http.StatusAccepted, rr.Code)

	rr = s.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil), "clerk-2")
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")

	rr = s.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil), "clerk-1")
	s.Equal(http.StatusNoContent, rr.Code)
	s.Contains(s.ops.actions(), string(audit.EventSessionClosed))

	rr = s.do(httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/reload", nil), "clerk-1")
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestEventStream() {
	id := s.open("clerk-1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.router.ServeHTTP(w, testutil.WithActor(r, "clerk-1"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+id+"/events", nil)
	s.Require().NoError(err)
	transport := &http.Transport{DisableKeepAlives: true}
	defer transport.CloseIdleConnections()
	resp, err := (&http.Client{Transport: transport}).Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		return ""
	}
	s.Equal("event: ready", next("event: ready"))

	updated := models.NewEmptyRecord(s.key)
	updated.Fields["t3"] = true
	s.store.Put(context.Background(), updated)

	s.Equal("event: record", next("event: record"))
	s.Contains(next("data: "), `"t3":true`)
	s.Equal(": keep-alive", next(": keep-alive"))

	cancel()
}

func TestRollbackTracker(t *testing.T) {
	hub := bus.NewHub()
	defer hub.Close()
	store := memory.NewInMemoryStore(memory.WithPublisher(hub))
	sess, err := session.Open("sess-9", "clerk-9", models.ScopeFilter{Kind: models.KindEquipment},
		session.Deps{Store: store, Bus: hub}, session.Config{TickInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ops := &opsRecorder{}
	RollbackTracker(ops)(sess, models.Failure{Key: "equipment:fridge-7", Category: models.CategoryStaleWrite})

	if len(ops.events) != 1 {
		t.Fatalf("expected one event, got %d", len(ops.events))
	}
	got := ops.events[0]
	if got.Action != string(audit.EventMutationRolledBack) || got.Reason != "stale_write" ||
		got.ActorID != "clerk-9" || got.SessionID != "sess-9" {
		t.Fatalf("unexpected event %+v", got)
	}
}

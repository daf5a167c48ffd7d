// Package handler exposes viewing sessions over HTTP: open and close a
// session, read and toggle records, force a reload, and stream re-render
// notifications as server-sent events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/session"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/httputil"
	"storeops/pkg/platform/middleware/auth"
	"storeops/pkg/platform/sentinel"
	"storeops/pkg/requestcontext"
)

// Sessions opens and finds viewing sessions.
type Sessions interface {
	Open(actor string, scope models.ScopeFilter) (*session.Session, error)
	Get(id, actor string) (*session.Session, error)
	Close(id, actor string) error
}

// OpsTracker records session lifecycle events.
type OpsTracker interface {
	Track(event audit.OpsEvent)
}

// StreamGauge counts open event streams.
type StreamGauge interface {
	AddStreams(delta float64)
}

// Handler serves the session endpoints.
type Handler struct {
	sessions  Sessions
	logger    *slog.Logger
	tracker   OpsTracker
	streams   StreamGauge
	keepAlive time.Duration
	readyWait time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

func WithOpsTracker(t OpsTracker) Option {
	return func(h *Handler) {
		h.tracker = t
	}
}

func WithStreamGauge(g StreamGauge) Option {
	return func(h *Handler) {
		h.streams = g
	}
}

// WithKeepAlive sets the interval of SSE keep-alive comments.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// New constructs a session handler.
func New(sessions Sessions, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions:  sessions,
		logger:    logger,
		keepAlive: 15 * time.Second,
		readyWait: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the session endpoints. Callers authenticate the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/sessions", h.HandleOpen)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Delete("/", h.HandleClose)
		r.Get("/records", h.HandleRecords)
		r.Get("/records/{key}", h.HandleGetRecord)
		r.With(auth.RequireCapability(requestcontext.CapabilityEdit, h.logger)).
			Put("/records/{key}/fields/{field}", h.HandleToggle)
		r.Post("/reload", h.HandleReload)
		r.Get("/events", h.HandleEvents)
	})
}

// OpenRequest selects the records a session shows.
type OpenRequest struct {
	Kind    models.EntityKind `json:"kind"`
	StoreID string            `json:"store_id,omitempty"`
	From    string            `json:"from,omitempty"`
	To      string            `json:"to,omitempty"`
	Keys    []models.Key      `json:"keys,omitempty"`
}

// Scope validates the request and converts it to a scope filter.
func (req OpenRequest) Scope() (models.ScopeFilter, error) {
	if !req.Kind.Valid() {
		return models.ScopeFilter{}, fmt.Errorf("%w: unknown kind %q", models.ErrValidationRejected, req.Kind)
	}
	if req.Kind.IsChecklist() && req.StoreID == "" && len(req.Keys) == 0 {
		return models.ScopeFilter{}, fmt.Errorf("%w: store_id is required for checklists", models.ErrValidationRejected)
	}
	for _, day := range []string{req.From, req.To} {
		if day == "" {
			continue
		}
		if _, err := time.Parse(models.DayLayout, day); err != nil {
			return models.ScopeFilter{}, fmt.Errorf("%w: invalid day %q", models.ErrValidationRejected, day)
		}
	}
	if req.From != "" && req.To != "" && req.From > req.To {
		return models.ScopeFilter{}, fmt.Errorf("%w: from is after to", models.ErrValidationRejected)
	}
	for _, key := range req.Keys {
		if key.Kind() != req.Kind {
			return models.ScopeFilter{}, fmt.Errorf("%w: key %s is not a %s", models.ErrValidationRejected, key, req.Kind)
		}
		if _, _, _, err := models.ParseKey(string(key)); err != nil {
			return models.ScopeFilter{}, fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
		}
	}
	return models.ScopeFilter{
		Kind:    req.Kind,
		StoreID: req.StoreID,
		From:    req.From,
		To:      req.To,
		Keys:    req.Keys,
	}, nil
}

// SessionResponse describes an open session.
type SessionResponse struct {
	SessionID string             `json:"session_id"`
	Scope     models.ScopeFilter `json:"scope"`
}

// RecordsResponse is the full cached view of a session.
type RecordsResponse struct {
	Records  []models.Record `json:"records"`
	Pending  int             `json:"pending"`
	Degraded bool            `json:"degraded"`
}

// ToggleRequest carries the desired field value.
type ToggleRequest struct {
	Value any `json:"value"`
}

// HandleOpen handles POST /sessions.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)
	if actor == "" {
		httputil.WriteError(w, fmt.Errorf("%w: authentication required", models.ErrNotAuthorized))
		return
	}
	req, err := httputil.DecodeJSON[OpenRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	scope, err := req.Scope()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := h.sessions.Open(actor, scope)
	if err != nil {
		h.logger.ErrorContext(ctx, "open session failed",
			"request_id", requestcontext.RequestID(ctx),
			"actor", actor,
			"error", err,
		)
		h.writeError(w, err)
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.readyWait)
	defer cancel()
	if err := sess.WaitReady(waitCtx); err != nil {
		h.logger.WarnContext(ctx, "session not ready before response", "session_id", sess.ID(), "error", err)
	}

	h.track(audit.OpsEvent{
		Subject:   string(scope.Kind),
		Action:    string(audit.EventSessionOpened),
		ActorID:   actor,
		SessionID: sess.ID(),
	})
	h.logger.InfoContext(ctx, "session opened",
		"request_id", requestcontext.RequestID(ctx),
		"session_id", sess.ID(),
		"actor", actor,
		"kind", scope.Kind,
		"store_id", scope.StoreID,
	)
	httputil.WriteJSON(w, http.StatusCreated, SessionResponse{SessionID: sess.ID(), Scope: sess.Scope()})
}

// HandleClose handles DELETE /sessions/{sessionID}.
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")
	actor := requestcontext.ActorID(ctx)
	if err := h.sessions.Close(id, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.track(audit.OpsEvent{
		Subject:   id,
		Action:    string(audit.EventSessionClosed),
		ActorID:   actor,
		SessionID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecords handles GET /sessions/{sessionID}/records.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	records, err := sess.Records(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pending, err := sess.Pending(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	degraded, err := sess.Degraded(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, RecordsResponse{Records: records, Pending: pending, Degraded: degraded})
}

// HandleGetRecord handles GET /sessions/{sessionID}/records/{key}.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := sess.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleToggle handles PUT /sessions/{sessionID}/records/{key}/fields/{field}.
// The response carries the optimistic record; a later rollback arrives on the
// event stream.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	key, err := pathKey(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	field := models.FieldID(chi.URLParam(r, "field"))
	if field == "" || field == models.FieldAudit {
		httputil.WriteError(w, fmt.Errorf("%w: invalid field %q", models.ErrValidationRejected, field))
		return
	}
	req, err := httputil.DecodeJSON[ToggleRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := sess.RequestChange(ctx, key, field, req.Value)
	if err != nil {
		h.logger.WarnContext(ctx, "change request refused",
			"request_id", requestcontext.RequestID(ctx),
			"session_id", sess.ID(),
			"record_key", key,
			"field", field,
			"error", err,
		)
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleReload handles POST /sessions/{sessionID}/reload.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reload(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleEvents handles GET /sessions/{sessionID}/events as a server-sent
// event stream of notifications. A client that falls behind loses the oldest
// notifications and is told how many with a "dropped" event.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, errors.New("streaming unsupported"))
		return
	}
	watch, err := sess.Watch()
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer watch.Close()

	if h.streams != nil {
		h.streams.AddStreams(1)
		defer h.streams.AddStreams(-1)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, "ready", map[string]string{"session_id": sess.ID()})
	flusher.Flush()

	batches := make(chan []models.Notification)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(batches)
		for {
			batch, err := watch.Next(streamCtx)
			if err != nil {
				return
			}
			select {
			case batches <- batch:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	var reported int64
	for {
		select {
		case <-ctx.Done():
			return
		case batch, open := <-batches:
			if !open {
				writeEvent(w, "closed", map[string]string{"session_id": sess.ID()})
				flusher.Flush()
				return
			}
			if dropped := watch.Dropped(); dropped > reported {
				writeEvent(w, "dropped", map[string]int64{"count": dropped - reported})
				reported = dropped
			}
			for _, n := range batch {
				writeEvent(w, eventName(n), n)
			}
			flusher.Flush()
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func eventName(n models.Notification) string {
	switch {
	case n.Failure != nil:
		return "rollback"
	case n.Removed != "":
		return "removed"
	}
	return "record"
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"), requestcontext.ActorID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) track(e audit.OpsEvent) {
	if h.tracker != nil {
		h.tracker.Track(e)
	}
}

// writeError maps session lifecycle errors before the shared mapping.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrClosed) {
		err = fmt.Errorf("%w: %w", sentinel.ErrNotFound, err)
	}
	httputil.WriteError(w, err)
}

func pathKey(r *http.Request) (models.Key, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		return "", fmt.Errorf("%w: invalid record key", models.ErrValidationRejected)
	}
	if _, _, _, err := models.ParseKey(raw); err != nil {
		return "", fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
	}
	return models.Key(raw), nil
}

// RollbackTracker reports every rolled-back mutation of a session as an
// operations event.
func RollbackTracker(t OpsTracker) session.FailureHook {
	return func(s *session.Session, f models.Failure) {
		t.Track(audit.OpsEvent{
			Subject:   string(f.Key),
			Action:    string(audit.EventMutationRolledBack),
			Reason:    string(f.Category),
			ActorID:   s.Actor(),
			SessionID: s.ID(),
		})
	}
}

package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storeops/internal/auditgate"
	"storeops/internal/history"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/session"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/httputil"
	"storeops/pkg/requestcontext"
)

// Gate performs audit transitions.
type Gate interface {
	RequestTransition(ctx context.Context, sess auditgate.Session, key models.Key, audited bool) (models.Record, error)
}

// Sessions finds the caller's open session.
type Sessions interface {
	Get(id, actor string) (*session.Session, error)
}

// History serves the seven-day overview.
type History interface {
	Week(ctx context.Context, kind models.EntityKind, storeID string, end time.Time) (history.View, error)
}

// Trail lists recorded audit events.
type Trail interface {
	ListBySubject(ctx context.Context, subject string) ([]audit.Event, error)
}

// Handler serves the audit endpoints.
type Handler struct {
	gate     Gate
	sessions Sessions
	history  History
	trail    Trail
	logger   *slog.Logger
}

// New constructs an audit handler. history and trail may be nil, in which
// case their endpoints are not mounted.
func New(gate Gate, sessions Sessions, history History, trail Trail, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:     gate,
		sessions: sessions,
		history:  history,
		trail:    trail,
		logger:   logger,
	}
}

// Register mounts the audit endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Put("/sessions/{sessionID}/records/{key}/audit", h.HandleTransition)
	if h.history != nil {
		r.Get("/history/{kind}/{storeID}", h.HandleHistory)
	}
	if h.trail != nil {
		r.Get("/records/{key}/audit-trail", h.HandleTrail)
	}
}

// TransitionRequest names the target audit state.
type TransitionRequest struct {
	Audited bool `json:"audited"`
}

// HandleTransition handles PUT /sessions/{sessionID}/records/{key}/audit.
// The capability and threshold checks happen in the gate so refusals are
// recorded.
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"), actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	key, err := pathKey(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := httputil.DecodeJSON[TransitionRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := h.gate.RequestTransition(ctx, sess, key, req.Audited)
	if err != nil {
		h.logger.WarnContext(ctx, "audit transition failed",
			"request_id", requestcontext.RequestID(ctx),
			"actor", actor,
			"record_key", key,
			"audited", req.Audited,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleHistory handles GET /history/{kind}/{storeID}?end=YYYY-MM-DD. The
// window ends today when end is omitted.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	end := requestcontext.Now(ctx).UTC().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(models.DayLayout, raw)
		if err != nil {
			httputil.WriteError(w, fmt.Errorf("%w: invalid end day %q", models.ErrValidationRejected, raw))
			return
		}
		end = parsed
	}

	view, err := h.history.Week(ctx, models.EntityKind(chi.URLParam(r, "kind")), chi.URLParam(r, "storeID"), end)
	if err != nil {
		h.logger.ErrorContext(ctx, "history lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// TrailResponse lists the audit events of one record.
type TrailResponse struct {
	Key    models.Key    `json:"key"`
	Events []audit.Event `json:"events"`
}

// HandleTrail handles GET /records/{key}/audit-trail. Only auditors may read
// the trail.
func (h *Handler) HandleTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !requestcontext.HasCapability(ctx, requestcontext.CapabilityAudit) {
		httputil.WriteError(w, fmt.Errorf("%w: audit capability required", models.ErrNotAuthorized))
		return
	}
	key, err := pathKey(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.trail.ListBySubject(ctx, string(key))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			httputil.WriteError(w, fmt.Errorf("%w: invalid limit %q", models.ErrValidationRejected, limit))
			return
		}
		if n < len(events) {
			events = events[:n]
		}
	}
	if events == nil {
		events = []audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, TrailResponse{Key: key, Events: events})
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

// Package httptransport assembles the HTTP surface: the shared middleware
// chain, operator endpoints and the authenticated API.
package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"storeops/internal/tracking/models"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/httputil"
	adminmw "storeops/pkg/platform/middleware/admin"
	authmw "storeops/pkg/platform/middleware/auth"
	"storeops/pkg/platform/middleware/metadata"
	request "storeops/pkg/platform/middleware/request"
	"storeops/pkg/platform/middleware/requesttime"
)

// Probe checks one backing service.
type Probe func(ctx context.Context) error

// Registrar mounts a group of API routes.
type Registrar interface {
	Register(r chi.Router)
}

// RecentAudit lists the latest audit trail entries.
type RecentAudit interface {
	ListRecent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Deps are the collaborators of the router. Validator and at least one API
// registrar are required; everything else is optional.
type Deps struct {
	Logger     *slog.Logger
	Observer   request.LatencyObserver
	Validator  authmw.JWTValidator
	AdminToken string
	API        []Registrar
	Recent     RecentAudit
	Probes     map[string]Probe
}

// HealthResponse reports each probe's outcome.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// RecentResponse lists audit events across all records.
type RecentResponse struct {
	Events []audit.Event `json:"events"`
}

// NewRouter wires all endpoints. /metrics and /admin require the admin token
// when one is configured; without it /metrics is public and /admin is absent.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger, d.Observer))
	r.Use(requesttime.Middleware)

	r.Get("/healthz", health(d.Probes))

	if d.AdminToken == "" {
		r.Handle("/metrics", promhttp.Handler())
	} else {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdminToken(d.AdminToken, logger))
			r.Handle("/metrics", promhttp.Handler())
			if d.Recent != nil {
				r.Get("/admin/audit/recent", recent(d.Recent))
			}
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(d.Validator, logger))
		for _, api := range d.API {
			api.Register(r)
		}
	})
	return r
}

func health(probes map[string]Probe) http.HandlerFunc {
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := make([]error, len(names))
		var g errgroup.Group
		for i, name := range names {
			g.Go(func() error {
				results[i] = probes[name](ctx)
				return nil
			})
		}
		_ = g.Wait()

		resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		status := http.StatusOK
		for i, name := range names {
			if results[i] != nil {
				resp.Checks[name] = results[i].Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}

func recent(store RecentAudit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 1000 {
				httputil.WriteError(w, fmt.Errorf("%w: limit must be between 1 and 1000", models.ErrValidationRejected))
				return
			}
			limit = n
		}
		events, err := store.ListRecent(r.Context(), limit)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		httputil.WriteJSON(w, http.StatusOK, RecentResponse{Events: events})
	}
}

// Package auditgate enforces who may mark a checklist record audited and when.
//
// A record moves Unaudited -> Audited only when the actor holds the audit
// capability and the record's completion ratio meets the threshold at the
// instant of the request. Audited -> Unaudited needs only the capability. A
// record that later drops below the threshold stays audited until unmarked.
// Both transitions travel through the session's mutation pipeline as one
// field group, so a rollback restores all three audit attributes together.
package auditgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/session"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/requestcontext"
)

// DefaultThreshold is the completion ratio required to audit a record.
const DefaultThreshold = 0.05

// ratioEpsilon absorbs float error so that exactly 1 of 20 meets 0.05.
const ratioEpsilon = 1e-9

// Catalog computes completion ratios.
type Catalog interface {
	CompletionRatio(rec models.Record) float64
}

// Session is the slice of a sync session the gate drives.
type Session interface {
	ID() string
	Get(ctx context.Context, key models.Key) (models.Record, error)
	Update(ctx context.Context, fn func(session.View) error) error
}

// HistoryRefresher rebuilds the audit history around a record. Calls are best
// effort.
type HistoryRefresher interface {
	Refresh(ctx context.Context, key models.Key) error
}

// CompliancePublisher records confirmed transitions.
type CompliancePublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// OpsTracker records refused requests and rollbacks.
type OpsTracker interface {
	Track(event audit.OpsEvent)
}

// Gate is safe for concurrent use.
type Gate struct {
	catalog   Catalog
	threshold float64
	logger    *slog.Logger
	metrics   *Metrics
	history   HistoryRefresher
	publisher CompliancePublisher
	tracker   OpsTracker
	timeout   time.Duration

	wg sync.WaitGroup
}

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(g *Gate) {
		if t > 0 {
			g.threshold = t
		}
	}
}

// WithHistoryRefresher refreshes the audit history after a confirmed audit.
func WithHistoryRefresher(h HistoryRefresher) Option {
	return func(g *Gate) {
		g.history = h
	}
}

// WithCompliancePublisher records every confirmed transition.
func WithCompliancePublisher(p CompliancePublisher) Option {
	return func(g *Gate) {
		g.publisher = p
	}
}

// WithOpsTracker records refusals and rollbacks.
func WithOpsTracker(t OpsTracker) Option {
	return func(g *Gate) {
		g.tracker = t
	}
}

// WithFollowUpTimeout bounds the background work run after a confirmation.
func WithFollowUpTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New creates a gate over catalog.
func New(catalog Catalog, opts ...Option) (*Gate, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	g := &Gate{
		catalog:   catalog,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Threshold returns the configured completion threshold.
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// RequestTransition moves key to the audited state given by audited. The
// returned record already shows the new state; confirmation happens in the
// background and a failure rolls the group back. Requesting the current state
// is a no-op returning the record unchanged.
func (g *Gate) RequestTransition(ctx context.Context, sess Session, key models.Key, audited bool) (models.Record, error) {
	target := targetLabel(audited)
	actor := requestcontext.ActorID(ctx)
	if actor == "" || !requestcontext.HasCapability(ctx, requestcontext.CapabilityAudit) {
		g.refuse(ctx, sess, key, target, "not_authorized")
		return models.Record{}, fmt.Errorf("%w: audit capability required", models.ErrNotAuthorized)
	}

	if _, err := sess.Get(ctx, key); err != nil {
		return models.Record{}, err
	}

	var (
		out     models.Record
		changed bool
		ratio   float64
	)
	err := sess.Update(ctx, func(v session.View) error {
		rec, ok := v.Get(key)
		if !ok {
			return fmt.Errorf("%w: record %s is no longer loaded", models.ErrValidationRejected, key)
		}
		if rec.Audit.Audited == audited {
			out = rec
			return nil
		}
		ratio = g.catalog.CompletionRatio(rec)
		if audited && ratio+ratioEpsilon < g.threshold {
			return fmt.Errorf("%w: completion %.4f is under %.4f", models.ErrBelowThreshold, ratio, g.threshold)
		}

		state := models.AuditState{Audited: audited}
		if audited {
			at := requestcontext.Now(ctx).UTC()
			state.AuditedBy = actor
			state.AuditedAt = &at
		}
		var err error
		out, err = v.RequestGroup(key, models.AuditPatch(state), g.completion(ctx, sess, key, actor, audited))
		changed = err == nil
		return err
	})
	switch {
	case errors.Is(err, models.ErrBelowThreshold):
		g.metrics.ObserveRatio(ratio)
		g.refuse(ctx, sess, key, target, "below_threshold")
		return models.Record{}, err
	case err != nil:
		return models.Record{}, err
	case !changed:
		g.metrics.IncOutcome(target, OutcomeNoop)
		return out, nil
	}

	g.metrics.ObserveRatio(ratio)
	g.metrics.IncOutcome(target, OutcomeRequested)
	g.logger.InfoContext(ctx, "audit transition requested",
		"record_key", key,
		"target", target,
		"actor", actor,
		"ratio", ratio,
	)
	return out, nil
}

// Wait blocks until background follow-ups of confirmed transitions finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// completion runs on the session loop once the store answered. Follow-up I/O
// is moved off the loop.
func (g *Gate) completion(ctx context.Context, sess Session, key models.Key, actor string, audited bool) func(error) {
	requestID := requestcontext.RequestID(ctx)
	base := context.WithoutCancel(ctx)
	target := targetLabel(audited)
	return func(err error) {
		if err != nil {
			g.metrics.IncOutcome(target, OutcomeRolledBack)
			g.logger.WarnContext(base, "audit transition rolled back",
				"record_key", key,
				"target", target,
				"category", models.Classify(err),
				"error", err,
			)
			return
		}
		g.metrics.IncOutcome(target, OutcomeConfirmed)

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			ctx, cancel := context.WithTimeout(base, g.timeout)
			defer cancel()
			g.followUp(ctx, sess, key, actor, requestID, audited)
		}()
	}
}

func (g *Gate) followUp(ctx context.Context, sess Session, key models.Key, actor, requestID string, audited bool) {
	if g.publisher != nil {
		action := audit.EventRecordUnaudited
		if audited {
			action = audit.EventRecordAudited
		}
		err := g.publisher.Emit(ctx, audit.ComplianceEvent{
			Subject:   string(key),
			Action:    string(action),
			Decision:  targetLabel(audited),
			ActorID:   actor,
			RequestID: requestID,
		})
		if err != nil {
			g.logger.ErrorContext(ctx, "audit trail write failed",
				"record_key", key,
				"session_id", sess.ID(),
				"error", err,
			)
		}
	}
	if audited && g.history != nil {
		if err := g.history.Refresh(ctx, key); err != nil {
			g.metrics.IncHistoryRefreshFailure()
			g.logger.WarnContext(ctx, "audit history refresh failed",
				"record_key", key,
				"error", err,
			)
		}
	}
}

func (g *Gate) refuse(ctx context.Context, sess Session, key models.Key, target, reason string) {
	g.metrics.IncOutcome(target, Outcome("refused_"+reason))
	g.logger.WarnContext(ctx, "audit transition refused",
		"record_key", key,
		"target", target,
		"reason", reason,
	)
	if g.tracker != nil {
		g.tracker.Track(audit.OpsEvent{
			Subject:   string(key),
			Action:    string(audit.EventAuditRefused),
			Reason:    reason,
			ActorID:   requestcontext.ActorID(ctx),
			SessionID: sess.ID(),
		})
	}
}

func targetLabel(audited bool) string {
	if audited {
		return "audited"
	}
	return "unaudited"
}

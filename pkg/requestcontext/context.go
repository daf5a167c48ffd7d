// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets the values; services and the audit gate read them without
// importing net/http.
//
//	actor := requestcontext.ActorID(ctx)
//	if !requestcontext.HasCapability(ctx, requestcontext.CapabilityAudit) { ... }
//
// Tests inject values directly:
//
//	ctx = requestcontext.WithActor(ctx, "supervisor-1", requestcontext.CapabilityAudit)
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"slices"
	"time"
)

// Capabilities carried by authenticated actors.
const (
	// CapabilityAudit allows marking checklist records audited or unaudited.
	CapabilityAudit = "audit"
	// CapabilityEdit allows toggling record fields.
	CapabilityEdit = "edit"
)

type (
	actorIDKey      struct{}
	capabilitiesKey struct{}
	requestIDKey    struct{}
	requestTimeKey  struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyActorID      = actorIDKey{}
	ContextKeyCapabilities = capabilitiesKey{}
	ContextKeyRequestID    = requestIDKey{}
	ContextKeyRequestTime  = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Actor
// -----------------------------------------------------------------------------

// ActorID retrieves the authenticated actor from the context.
// Returns "" if not set.
func ActorID(ctx context.Context) string {
	if actor, ok := ctx.Value(ContextKeyActorID).(string); ok {
		return actor
	}
	return ""
}

// Capabilities returns the capabilities granted to the actor.
func Capabilities(ctx context.Context) []string {
	if caps, ok := ctx.Value(ContextKeyCapabilities).([]string); ok {
		return caps
	}
	return nil
}

// HasCapability reports whether the actor holds capability.
func HasCapability(ctx context.Context, capability string) bool {
	return slices.Contains(Capabilities(ctx), capability)
}

// WithActor injects the actor and its capabilities into the context.
func WithActor(ctx context.Context, actorID string, capabilities ...string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyActorID, actorID)
	return context.WithValue(ctx, ContextKeyCapabilities, slices.Clone(capabilities))
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

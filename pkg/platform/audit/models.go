package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers supervisory decisions that must be retained,
	// such as marking a checklist audited.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers refused actions worth alerting on.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine engine activity. These can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	// Subject is the record key the action concerns.
	Subject   string `json:"subject"`
	Action    string `json:"action"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type AuditEvent string

const (
	// Audit gate events
	EventRecordAudited   AuditEvent = "record_audited"
	EventRecordUnaudited AuditEvent = "record_unaudited"
	EventAuditRefused    AuditEvent = "audit_refused"

	// Sync engine events
	EventMutationRolledBack AuditEvent = "mutation_rolled_back"
	EventSessionOpened      AuditEvent = "session_opened"
	EventSessionClosed      AuditEvent = "session_closed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventRecordAudited:   CategoryCompliance,
	EventRecordUnaudited: CategoryCompliance,

	EventAuditRefused: CategorySecurity,

	EventMutationRolledBack: CategoryOperations,
	EventSessionOpened:      CategoryOperations,
	EventSessionClosed:      CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// ComplianceEvent captures supervisory decisions requiring guaranteed persistence.
type ComplianceEvent struct {
	Timestamp time.Time // set automatically if zero
	Subject   string    // record key (required)
	Action    string    // required
	Decision  string
	ActorID   string // required
	RequestID string
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

// ToEvent converts to the stored Event shape.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:  CategoryCompliance,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Decision:  e.Decision,
		ActorID:   e.ActorID,
		RequestID: e.RequestID,
	}
}

// OpsEvent captures operational events with minimal overhead.
// Events are fire-and-forget with optional sampling.
type OpsEvent struct {
	Timestamp time.Time
	Subject   string
	Action    string
	Reason    string
	ActorID   string
	SessionID string
}

// Category returns the category of the action, operations unless mapped otherwise.
func (e OpsEvent) Category() EventCategory { return AuditEvent(e.Action).Category() }

// ToEvent converts to the stored Event shape.
func (e OpsEvent) ToEvent() Event {
	return Event{
		Category:  e.Category(),
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		ActorID:   e.ActorID,
		SessionID: e.SessionID,
	}
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind names the screen family a record belongs to.
type EntityKind string

const (
	KindDailyChecklist      EntityKind = "daily_checklist"
	KindManagerialChecklist EntityKind = "managerial_checklist"
	KindEquipment           EntityKind = "equipment"
)

// IsChecklist reports whether records of this kind are keyed by store and day.
func (k EntityKind) IsChecklist() bool {
	return k == KindDailyChecklist || k == KindManagerialChecklist
}

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindDailyChecklist, KindManagerialChecklist, KindEquipment:
		return true
	}
	return false
}

// Key identifies a record. Checklist keys are "kind:store:day", inventory keys
// are "kind:entity".
type Key string

// FieldID names one field of a record (a task id or an entity attribute).
type FieldID string

// FieldAudit is the reserved field id under which the audit group travels through
// the pending registry. It never appears in Record.Fields.
const FieldAudit FieldID = "_audit"

// DayLayout is the wire format of checklist days.
const DayLayout = "2006-01-02"

// NewChecklistKey builds the key of one store's checklist for one day.
func NewChecklistKey(kind EntityKind, storeID string, day time.Time) Key {
	return Key(fmt.Sprintf("%s:%s:%s", kind, storeID, day.Format(DayLayout)))
}

// NewEntityKey builds the key of an inventory entity.
func NewEntityKey(kind EntityKind, entityID string) Key {
	return Key(fmt.Sprintf("%s:%s", kind, entityID))
}

// Kind extracts the entity kind prefix of a key.
func (k Key) Kind() EntityKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return EntityKind(kind)
}

// ParseKey validates a key and returns its components. For inventory keys the
// store and day are empty.
func ParseKey(raw string) (kind EntityKind, storeID, day string, err error) {
	parts := strings.Split(raw, ":")
	kind = EntityKind(parts[0])
	if !kind.Valid() {
		return "", "", "", fmt.Errorf("unknown record kind %q", parts[0])
	}
	if kind.IsChecklist() {
		if len(parts) != 3 || parts[1] == "" {
			return "", "", "", fmt.Errorf("checklist key %q must be kind:store:day", raw)
		}
		if _, perr := time.Parse(DayLayout, parts[2]); perr != nil {
			return "", "", "", fmt.Errorf("checklist key %q has invalid day: %w", raw, perr)
		}
		return kind, parts[1], parts[2], nil
	}
	if len(parts) != 2 || parts[1] == "" {
		return "", "", "", fmt.Errorf("entity key %q must be kind:id", raw)
	}
	return kind, "", "", nil
}

// AuditState is the supervisory review marker of a record. The three attributes
// are always written together.
type AuditState struct {
	Audited   bool       `json:"audited"`
	AuditedBy string     `json:"audited_by,omitempty"`
	AuditedAt *time.Time `json:"audited_at,omitempty"`
}

// Equal compares audit states, treating timestamps by instant.
func (a AuditState) Equal(b AuditState) bool {
	if a.Audited != b.Audited || a.AuditedBy != b.AuditedBy {
		return false
	}
	if a.AuditedAt == nil || b.AuditedAt == nil {
		return a.AuditedAt == nil && b.AuditedAt == nil
	}
	return a.AuditedAt.Equal(*b.AuditedAt)
}

// Record is one synchronized checklist-day or inventory entity.
type Record struct {
	Key      Key             `json:"key"`
	Kind     EntityKind      `json:"kind"`
	StoreID  string          `json:"store_id,omitempty"`
	Day      string          `json:"day,omitempty"`
	Fields   map[FieldID]any `json:"fields"`
	Audit    AuditState      `json:"audit"`
	Revision uint64          `json:"revision"`
}

// NewEmptyRecord synthesizes a record with every field unset. Used when a record
// is read for the first time and the store has nothing yet.
func NewEmptyRecord(key Key) Record {
	rec := Record{Key: key, Kind: key.Kind(), Fields: map[FieldID]any{}}
	if _, storeID, day, err := ParseKey(string(key)); err == nil {
		rec.StoreID = storeID
		rec.Day = day
	}
	return rec
}

// Clone returns a copy whose field map can be mutated independently.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[FieldID]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if r.Audit.AuditedAt != nil {
		at := *r.Audit.AuditedAt
		out.Audit.AuditedAt = &at
	}
	return out
}

// Value returns the value stored under field, including the reserved audit group.
func (r Record) Value(field FieldID) (any, bool) {
	if field == FieldAudit {
		return r.Audit, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Set writes field on the receiver. The reserved audit field expects an AuditState.
// A nil value unsets the field.
func (r *Record) Set(field FieldID, value any) {
	if field == FieldAudit {
		if state, ok := value.(AuditState); ok {
			r.Audit = state
		} else {
			r.Audit = AuditState{}
		}
		return
	}
	if r.Fields == nil {
		r.Fields = map[FieldID]any{}
	}
	if value == nil {
		delete(r.Fields, field)
		return
	}
	r.Fields[field] = NormalizeValue(value)
}

// Checked reports whether a task field is set to true.
func (r Record) Checked(field FieldID) bool {
	v, ok := r.Fields[field].(bool)
	return ok && v
}

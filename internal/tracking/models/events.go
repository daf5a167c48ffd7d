package models

import "time"

// Operation is the kind of write a change event describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent describes one committed write, as delivered by the change bus.
// Before is optional; After is required for insert and update.
type ChangeEvent struct {
	Kind      EntityKind `json:"kind"`
	Op        Operation  `json:"op"`
	Key       Key        `json:"key"`
	Before    *Record    `json:"before,omitempty"`
	After     *Record    `json:"after,omitempty"`
	Revision  uint64     `json:"revision"`
	Committed time.Time  `json:"committed_at"`
}

// Malformed reports whether the event lacks the payload its operation needs.
func (e ChangeEvent) Malformed() bool {
	if e.Key == "" {
		return true
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		return e.After == nil
	case OpDelete:
		return false
	}
	return true
}

// Status is a connection-health signal of the change bus.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusHeartbeat    Status = "heartbeat"
)

// Healthy reports whether the signal means push delivery is working.
func (s Status) Healthy() bool {
	return s == StatusConnected || s == StatusHeartbeat
}

// ScopeFilter selects the records a session or reload is interested in. Empty
// fields match everything.
type ScopeFilter struct {
	Kind    EntityKind `json:"kind"`
	StoreID string     `json:"store_id,omitempty"`
	From    string     `json:"from,omitempty"`
	To      string     `json:"to,omitempty"`
	Keys    []Key      `json:"keys,omitempty"`
}

// KeyFilter narrows a scope to a single record, used by targeted reloads.
func KeyFilter(key Key) ScopeFilter {
	return ScopeFilter{Kind: key.Kind(), Keys: []Key{key}}
}

// Matches reports whether rec falls inside the scope.
func (f ScopeFilter) Matches(rec Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if len(f.Keys) > 0 {
		found := false
		for _, k := range f.Keys {
			if k == rec.Key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StoreID != "" && rec.StoreID != f.StoreID {
		return false
	}
	if f.From != "" && rec.Day != "" && rec.Day < f.From {
		return false
	}
	if f.To != "" && rec.Day != "" && rec.Day > f.To {
		return false
	}
	return true
}

// MatchesEvent reports whether a change event concerns this scope. Events without
// payload are matched on what the key itself encodes.
func (f ScopeFilter) MatchesEvent(e ChangeEvent) bool {
	if e.After != nil {
		return f.Matches(*e.After)
	}
	if e.Before != nil {
		return f.Matches(*e.Before)
	}
	return f.Matches(NewEmptyRecord(e.Key))
}

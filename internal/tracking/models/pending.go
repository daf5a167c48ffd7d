package models

import "time"

// PendingMutation is one optimistic edit the store has not confirmed yet. Seq is
// the session-local request order and identifies the mutation in the registry.
type PendingMutation struct {
	Key          Key
	Field        FieldID
	Desired      any
	SubmittedAt  time.Time
	Attempt      int
	Seq          uint64
	BaseRevision uint64
}

// Notification tells a consumer that something it renders changed.
type Notification struct {
	Record  *Record  `json:"record,omitempty"`
	Removed Key      `json:"removed,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Failure is the user-facing signal of a rolled-back mutation.
type Failure struct {
	Key      Key             `json:"key"`
	Fields   []FieldID       `json:"fields"`
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
}

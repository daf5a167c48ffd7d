package models

import (
	"context"
	"errors"
	"fmt"

	"storeops/pkg/platform/sentinel"
)

// Failure taxonomy of the sync engine. The first three are recovered by rollback;
// the last two are rejected before the cache is touched.
var (
	ErrTransportFailure   = errors.New("transport failure")
	ErrValidationRejected = errors.New("validation rejected")
	ErrStaleWrite         = errors.New("stale write")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrBelowThreshold     = errors.New("below audit threshold")
)

// FailureCategory is the user-visible class of a failed mutation.
type FailureCategory string

const (
	CategoryTransport  FailureCategory = "transport_failure"
	CategoryValidation FailureCategory = "validation_rejected"
	CategoryStaleWrite FailureCategory = "stale_write"
)

// RevisionConflictError reports a stale expected-revision precondition.
type RevisionConflictError struct {
	Expected uint64
	Current  uint64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict: expected %d, current %d", e.Expected, e.Current)
}

// Is lets callers match both the engine taxonomy and the store sentinel.
func (e *RevisionConflictError) Is(target error) bool {
	return target == ErrStaleWrite || target == sentinel.ErrConflict
}

// Classify maps a store or transport error onto a failure category. Unknown
// errors are treated as transport failures.
func Classify(err error) FailureCategory {
	switch {
	case errors.Is(err, ErrStaleWrite), errors.Is(err, sentinel.ErrConflict):
		return CategoryStaleWrite
	case errors.Is(err, ErrValidationRejected), errors.Is(err, sentinel.ErrRejected),
		errors.Is(err, sentinel.ErrNotFound), errors.Is(err, sentinel.ErrInvalidState):
		return CategoryValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, ErrTransportFailure):
		return CategoryTransport
	}
	return CategoryTransport
}

// Message renders the transient text shown when a toggle reverts.
func (c FailureCategory) Message() string {
	switch c {
	case CategoryStaleWrite:
		return "Someone else changed this record first. Your change was reverted."
	case CategoryValidation:
		return "The server rejected this change. It was reverted."
	}
	return "Could not reach the server. Your change was reverted."
}

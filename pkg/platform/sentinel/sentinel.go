package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Record stores, buses and caches return
// these (optionally wrapped) so the sync engine can classify them into its own
// failure taxonomy.
//
// These represent factual states about resources, not business-rule rejections:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: an expected-revision precondition was stale
// - ErrRejected: the store refused the write (schema or constraint violation)
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: store or bus temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRejected     = errors.New("rejected")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)

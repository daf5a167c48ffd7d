// Package ports defines the collaborators the sync engine depends on. Interfaces
// live here because the pipeline, the listener, the session and the adapters all
// consume them.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks RecordStore,EventHandler,Subscription,ChangeBus,ChangePublisher

import (
	"context"

	"storeops/internal/tracking/models"
)

// PatchOptions qualifies a partial update.
type PatchOptions struct {
	// ExpectedRevision, when non-zero, fails the write with a conflict if the
	// stored revision differs.
	ExpectedRevision uint64
	// CreateIfMissing upserts instead of failing with not found.
	CreateIfMissing bool
}

// RecordStore is the system of record.
type RecordStore interface {
	// ReadRecord returns sentinel.ErrNotFound when the key is absent.
	ReadRecord(ctx context.Context, key models.Key) (*models.Record, error)

	// PatchRecord applies a partial update and returns the new revision.
	PatchRecord(ctx context.Context, key models.Key, patch models.Patch, opts PatchOptions) (uint64, error)

	// ReadRecordsByScope lists records for full reloads and history views.
	ReadRecordsByScope(ctx context.Context, filter models.ScopeFilter) ([]models.Record, error)
}

// EventHandler receives change events and bus health signals. Calls for one
// subscription are never concurrent.
type EventHandler interface {
	HandleEvent(event models.ChangeEvent)
	HandleStatus(status models.Status)
}

// Subscription is a scoped handle on a bus subscription. Close is idempotent.
type Subscription interface {
	Close() error
}

// ChangeBus delivers change events for a kind and scope to every subscriber,
// including the client that originated the write.
type ChangeBus interface {
	Subscribe(kind models.EntityKind, filter models.ScopeFilter, handler EventHandler) (Subscription, error)
}

// ChangePublisher is the write side of the bus, used by stores and the outbox relay.
type ChangePublisher interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	"storeops/pkg/platform/sentinel"
)

// FieldValidator rejects writes to fields a record kind does not define.
type FieldValidator func(kind models.EntityKind, field models.FieldID) error

// InMemoryStore is a RecordStore for development and tests. Every committed
// write is published on the configured change publisher while the store lock is
// held, so events for one key are delivered in commit order.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[models.Key]models.Record
	revision  uint64
	publisher ports.ChangePublisher
	validate  FieldValidator
	now       func() time.Time
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

func WithPublisher(p ports.ChangePublisher) Option {
	return func(s *InMemoryStore) {
		s.publisher = p
	}
}

func WithFieldValidator(v FieldValidator) Option {
	return func(s *InMemoryStore) {
		s.validate = v
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		records: make(map[models.Key]models.Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) ReadRecord(_ context.Context, key models.Key) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (s *InMemoryStore) PatchRecord(ctx context.Context, key models.Key, patch models.Patch, opts ports.PatchOptions) (uint64, error) {
	if _, _, _, err := models.ParseKey(string(key)); err != nil {
		return 0, fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
	}
	if s.validate != nil {
		for _, field := range patch.FieldIDs() {
			if err := s.validate(key.Kind(), field); err != nil {
				return 0, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[key]
	if !exists && !opts.CreateIfMissing {
		return 0, sentinel.ErrNotFound
	}
	if opts.ExpectedRevision != 0 && current.Revision != opts.ExpectedRevision {
		return 0, &models.RevisionConflictError{Expected: opts.ExpectedRevision, Current: current.Revision}
	}

	op := models.OpUpdate
	var before *models.Record
	if exists {
		b := current.Clone()
		before = &b
	} else {
		op = models.OpInsert
		current = models.NewEmptyRecord(key)
	}

	next := current.Clone()
	patch.ApplyTo(&next)
	s.revision++
	next.Revision = s.revision
	s.records[key] = next

	s.publish(ctx, models.ChangeEvent{
		Kind:      next.Kind,
		Op:        op,
		Key:       key,
		Before:    before,
		After:     cloneRef(next),
		Revision:  next.Revision,
		Committed: s.now(),
	})
	return next.Revision, nil
}

func (s *InMemoryStore) ReadRecordsByScope(_ context.Context, filter models.ScopeFilter) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Record
	for _, rec := range s.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put stores rec as-is, assigning the next revision, and publishes an insert or
// update. Used for seeding and administrative edits.
func (s *InMemoryStore) Put(ctx context.Context, rec models.Record) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Kind == "" {
		rec.Kind = rec.Key.Kind()
	}
	op := models.OpInsert
	var before *models.Record
	if old, ok := s.records[rec.Key]; ok {
		op = models.OpUpdate
		before = cloneRef(old)
	}
	rec = rec.Clone()
	s.revision++
	rec.Revision = s.revision
	s.records[rec.Key] = rec
	s.publish(ctx, models.ChangeEvent{Kind: rec.Kind, Op: op, Key: rec.Key, Before: before, After: cloneRef(rec), Revision: rec.Revision, Committed: s.now()})
	return rec.Revision
}

// Delete removes key and publishes a delete event.
func (s *InMemoryStore) Delete(ctx context.Context, key models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[key]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.records, key)
	s.revision++
	s.publish(ctx, models.ChangeEvent{Kind: old.Kind, Op: models.OpDelete, Key: key, Before: cloneRef(old), Revision: s.revision, Committed: s.now()})
	return nil
}

func (s *InMemoryStore) publish(ctx context.Context, event models.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	// Delivery is best effort; sessions recover missed events by reloading.
	_ = s.publisher.Publish(ctx, event)
}

func cloneRef(rec models.Record) *models.Record {
	out := rec.Clone()
	return &out
}

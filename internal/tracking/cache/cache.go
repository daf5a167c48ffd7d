// Package cache holds a viewing session's optimistic copy of its records.
//
// The cache is owned by one session loop and is not safe for concurrent use.
// Every mutation, local or remote, is reported to the observer so the consumer
// can re-render.
package cache

import (
	"sort"

	"storeops/internal/tracking/models"
)

type entry struct {
	record     models.Record
	fieldRevs  map[models.FieldID]uint64
	tombstoned bool
}

// Observer receives one notification per effective cache mutation.
type Observer func(models.Notification)

// Cache maps record keys to the state the session currently believes.
type Cache struct {
	entries  map[models.Key]*entry
	pending  *Registry
	observer Observer
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver sets the re-render callback.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithRegistry shares an existing pending registry.
func WithRegistry(r *Registry) Option {
	return func(c *Cache) {
		if r != nil {
			c.pending = r
		}
	}
}

// New creates an empty cache with its own pending registry.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[models.Key]*entry),
		pending: NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending exposes the registry consulted by the merge rule.
func (c *Cache) Pending() *Registry {
	return c.pending
}

// Get returns a copy of the cached record.
func (c *Cache) Get(key models.Key) (models.Record, bool) {
	e, ok := c.entries[key]
	if !ok {
		return models.Record{}, false
	}
	return e.record.Clone(), true
}

// Has reports whether key is cached.
func (c *Cache) Has(key models.Key) bool {
	_, ok := c.entries[key]
	return ok
}

// Tombstoned reports whether key was deleted remotely and awaits its pending
// mutations before removal.
func (c *Cache) Tombstoned(key models.Key) bool {
	e, ok := c.entries[key]
	return ok && e.tombstoned
}

// Records lists cached records ordered by key.
func (c *Cache) Records() []models.Record {
	out := make([]models.Record, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Insert stores rec wholesale. It is used for first reads and insert events on
// keys the cache does not hold yet; existing keys are merged instead.
func (c *Cache) Insert(rec models.Record) models.Record {
	if _, ok := c.entries[rec.Key]; ok {
		return c.MergeSnapshot(rec)
	}
	rec = rec.Clone()
	if rec.Kind == "" {
		rec.Kind = rec.Key.Kind()
	}
	e := &entry{record: rec, fieldRevs: make(map[models.FieldID]uint64, len(rec.Fields)+1)}
	for field := range rec.Fields {
		e.fieldRevs[field] = rec.Revision
	}
	e.fieldRevs[models.FieldAudit] = rec.Revision
	c.entries[rec.Key] = e
	c.emitRecord(e)
	return rec.Clone()
}

// ApplyLocal writes the viewer's intent synchronously and returns the updated
// snapshot for immediate re-render. It never touches persistence.
func (c *Cache) ApplyLocal(key models.Key, field models.FieldID, value any) models.Record {
	e := c.ensure(key)
	before, _ := e.record.Value(field)
	e.record.Set(field, value)
	after, _ := e.record.Value(field)
	if !models.ValuesEqual(before, after) {
		c.emitRecord(e)
	}
	return e.record.Clone()
}

// ApplyRemote merges a field-level patch observed at revision. Fields with
// writes in flight keep the viewer's intent unless the patch is strictly newer
// than the request's submission and is not an echo of the viewer's own write.
func (c *Cache) ApplyRemote(key models.Key, patch models.Patch, revision uint64) models.Record {
	return c.apply(key, patch, revision, true)
}

// MergeSnapshot merges a whole record (full reload, insert race) field by field
// through the same path as ApplyRemote. A record revision does not prove any
// single field changed, so in-flight fields always keep the viewer's intent.
// Cached fields the snapshot lacks are unset when they are idle and were last
// confirmed before the snapshot's revision.
func (c *Cache) MergeSnapshot(rec models.Record) models.Record {
	patch := models.PatchFromRecord(rec)
	if e, ok := c.entries[rec.Key]; ok && rec.Revision > 0 {
		for field := range e.record.Fields {
			if _, present := rec.Fields[field]; present || c.pending.InFlight(rec.Key, field) {
				continue
			}
			if e.fieldRevs[field] < rec.Revision {
				patch.Fields[field] = nil
			}
		}
	}
	return c.apply(rec.Key, patch, rec.Revision, false)
}

func (c *Cache) apply(key models.Key, patch models.Patch, revision uint64, fieldLevel bool) models.Record {
	e := c.ensure(key)
	changed := false
	for _, field := range patch.FieldIDs() {
		value, _ := patch.Value(field)
		if c.pending.InFlight(key, field) {
			if !c.pending.ObserveRemote(key, field, value, revision, fieldLevel) {
				c.bumpFieldRevision(e, field, revision)
				continue
			}
		} else if revision > 0 && revision < e.fieldRevs[field] {
			continue
		}
		c.bumpFieldRevision(e, field, revision)
		current, _ := e.record.Value(field)
		if models.ValuesEqual(current, value) {
			continue
		}
		e.record.Set(field, value)
		changed = true
	}
	if revision > e.record.Revision {
		e.record.Revision = revision
	}
	if changed {
		c.emitRecord(e)
	}
	return e.record.Clone()
}

// Restore writes a resolved value for field, used when a pending mutation
// settles or rolls back. It reports whether the displayed value changed.
func (c *Cache) Restore(key models.Key, field models.FieldID, value any) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	current, _ := e.record.Value(field)
	if models.ValuesEqual(current, value) {
		return false
	}
	e.record.Set(field, value)
	c.emitRecord(e)
	return true
}

// Confirm records that the store committed field at revision.
func (c *Cache) Confirm(key models.Key, field models.FieldID, revision uint64) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.bumpFieldRevision(e, field, revision)
	if revision > e.record.Revision {
		e.record.Revision = revision
	}
}

// Remove deletes key, or tombstones it while mutations still target it.
// It reports whether the entry was actually removed.
func (c *Cache) Remove(key models.Key) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.pending.PendingForKey(key) > 0 {
		e.tombstoned = true
		return false
	}
	delete(c.entries, key)
	c.emit(models.Notification{Removed: key})
	return true
}

// Release removes a tombstoned key once nothing targets it anymore.
func (c *Cache) Release(key models.Key) bool {
	e, ok := c.entries[key]
	if !ok || !e.tombstoned || c.pending.PendingForKey(key) > 0 {
		return false
	}
	delete(c.entries, key)
	c.emit(models.Notification{Removed: key})
	return true
}

// Revision returns the newest revision the cache has seen for key.
func (c *Cache) Revision(key models.Key) uint64 {
	if e, ok := c.entries[key]; ok {
		return e.record.Revision
	}
	return 0
}

// FieldRevision returns the revision at which field was last confirmed.
func (c *Cache) FieldRevision(key models.Key, field models.FieldID) uint64 {
	if e, ok := c.entries[key]; ok {
		return e.fieldRevs[field]
	}
	return 0
}

// Len counts cached records.
func (c *Cache) Len() int {
	return len(c.entries)
}

func (c *Cache) ensure(key models.Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{record: models.NewEmptyRecord(key), fieldRevs: map[models.FieldID]uint64{}}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) bumpFieldRevision(e *entry, field models.FieldID, revision uint64) {
	if revision > e.fieldRevs[field] {
		e.fieldRevs[field] = revision
	}
}

func (c *Cache) emitRecord(e *entry) {
	rec := e.record.Clone()
	c.emit(models.Notification{Record: &rec})
}

func (c *Cache) emit(n models.Notification) {
	if c.observer != nil {
		c.observer(n)
	}
}

package cache

import (
	"storeops/internal/tracking/models"
)

type fieldRef struct {
	key   models.Key
	field models.FieldID
}

// confirmedValue is the newest value of a field known to be committed in the
// store. It is only tracked while the field has mutations in flight.
type confirmedValue struct {
	value    any
	revision uint64
}

// fieldState is the registry's view of one (key, field) pair with writes in flight.
type fieldState struct {
	inflight  []*models.PendingMutation // ordered by Seq
	latest    uint64                    // Seq of the request whose intent is displayed
	confirmed confirmedValue
}

// Resolution tells the caller what the field should display after a pending
// mutation resolved.
type Resolution struct {
	// Display is true when Value must be written to the cache.
	Display bool
	Value   any
	// Superseded is true when a newer request for the same field was issued
	// after the resolved one.
	Superseded bool
	// Settled is true when the field has no more writes in flight.
	Settled bool
}

// Registry tracks in-flight optimistic edits per (key, field). It replaces
// re-entrancy flags: every decision is made from request identity (Seq) and
// store revisions.
type Registry struct {
	seq    uint64
	fields map[fieldRef]*fieldState
	perKey map[models.Key]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fields: make(map[fieldRef]*fieldState),
		perKey: make(map[models.Key]int),
	}
}

// NextSeq allocates the identity of a new request. Group requests share one Seq.
func (r *Registry) NextSeq() uint64 {
	r.seq++
	return r.seq
}

// Register records p as the current intent for its field. snapshot and
// snapshotRevision describe the field before the optimistic write and seed the
// confirmed value when nothing else is in flight.
func (r *Registry) Register(p *models.PendingMutation, snapshot any, snapshotRevision uint64) {
	ref := fieldRef{key: p.Key, field: p.Field}
	st, ok := r.fields[ref]
	if !ok {
		st = &fieldState{confirmed: confirmedValue{value: snapshot, revision: snapshotRevision}}
		r.fields[ref] = st
	}
	st.inflight = append(st.inflight, p)
	st.latest = p.Seq
	r.perKey[p.Key]++
}

// Current returns the in-flight mutation whose intent the field displays.
func (r *Registry) Current(key models.Key, field models.FieldID) (*models.PendingMutation, bool) {
	st, ok := r.fields[fieldRef{key: key, field: field}]
	if !ok {
		return nil, false
	}
	for i := len(st.inflight) - 1; i >= 0; i-- {
		if st.inflight[i].Seq == st.latest {
			return st.inflight[i], true
		}
	}
	return st.inflight[len(st.inflight)-1], true
}

// InFlight reports whether any write for the field is unresolved.
func (r *Registry) InFlight(key models.Key, field models.FieldID) bool {
	_, ok := r.fields[fieldRef{key: key, field: field}]
	return ok
}

// PendingForKey counts unresolved mutations targeting key.
func (r *Registry) PendingForKey(key models.Key) int {
	return r.perKey[key]
}

// Len counts all unresolved mutations.
func (r *Registry) Len() int {
	n := 0
	for _, st := range r.fields {
		n += len(st.inflight)
	}
	return n
}

// ObserveRemote folds a remote value for a field with writes in flight into the
// confirmed value and reports whether the remote value should replace what the
// cache displays. It never overwrites the viewer's intent with an echo of one of
// the viewer's own writes, nor with anything not strictly newer than the
// current request's base revision. A field-level value without a revision
// cannot be dated, so it wins unless it matches a pending request. fieldLevel
// is false when the revision only dates the whole record (full reloads), which
// never proves the field changed.
func (r *Registry) ObserveRemote(key models.Key, field models.FieldID, value any, revision uint64, fieldLevel bool) bool {
	st, ok := r.fields[fieldRef{key: key, field: field}]
	if !ok {
		return true
	}
	if revision == 0 || revision >= st.confirmed.revision {
		st.confirmed = confirmedValue{value: value, revision: revision}
	}

	cur, _ := r.Current(key, field)
	if models.ValuesEqual(value, cur.Desired) {
		return false
	}
	for _, p := range st.inflight {
		if models.ValuesEqual(value, p.Desired) {
			return false
		}
	}
	if !fieldLevel {
		return false
	}
	return revision == 0 || revision > cur.BaseRevision
}

// Resolve removes p from the registry. ok reports whether the store accepted
// the write and revision is the revision it produced.
func (r *Registry) Resolve(p *models.PendingMutation, ok bool, revision uint64) Resolution {
	ref := fieldRef{key: p.Key, field: p.Field}
	st, found := r.fields[ref]
	if !found || !st.remove(p) {
		return Resolution{Settled: !found}
	}
	if r.perKey[p.Key]--; r.perKey[p.Key] <= 0 {
		delete(r.perKey, p.Key)
	}

	if ok && (revision == 0 || revision >= st.confirmed.revision) {
		st.confirmed = confirmedValue{value: p.Desired, revision: revision}
	}

	res := Resolution{Superseded: p.Seq != st.latest}
	if len(st.inflight) == 0 {
		delete(r.fields, ref)
		res.Settled = true
		res.Display = true
		res.Value = st.confirmed.value
		return res
	}
	if !ok && !res.Superseded {
		// The displayed intent failed; fall back to the newest request still in flight.
		next := st.inflight[len(st.inflight)-1]
		st.latest = next.Seq
		res.Display = true
		res.Value = next.Desired
	}
	return res
}

func (st *fieldState) remove(p *models.PendingMutation) bool {
	for i, q := range st.inflight {
		if q == p {
			st.inflight = append(st.inflight[:i], st.inflight[i+1:]...)
			return true
		}
	}
	return false
}

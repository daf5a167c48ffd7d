package models

import (
	"reflect"
	"sort"
)

// Patch is a partial update: the fields it names and, optionally, the audit group.
// A nil entry in Fields unsets that field.
type Patch struct {
	Fields map[FieldID]any `json:"fields,omitempty"`
	Audit  *AuditState     `json:"audit,omitempty"`
}

// FieldPatch builds a single-field patch.
func FieldPatch(field FieldID, value any) Patch {
	if field == FieldAudit {
		state, _ := value.(AuditState)
		return Patch{Audit: &state}
	}
	return Patch{Fields: map[FieldID]any{field: NormalizeValue(value)}}
}

// AuditPatch builds a patch carrying only the audit group.
func AuditPatch(state AuditState) Patch {
	return Patch{Audit: &state}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Fields) == 0 && p.Audit == nil
}

// FieldIDs lists the touched field ids in stable order, with FieldAudit last when present.
func (p Patch) FieldIDs() []FieldID {
	ids := make([]FieldID, 0, len(p.Fields)+1)
	for id := range p.Fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if p.Audit != nil {
		ids = append(ids, FieldAudit)
	}
	return ids
}

// Value returns the patched value for field.
func (p Patch) Value(field FieldID) (any, bool) {
	if field == FieldAudit {
		if p.Audit == nil {
			return nil, false
		}
		return *p.Audit, true
	}
	v, ok := p.Fields[field]
	return v, ok
}

// ApplyTo writes every patched value onto rec.
func (p Patch) ApplyTo(rec *Record) {
	for _, id := range p.FieldIDs() {
		v, _ := p.Value(id)
		rec.Set(id, v)
	}
}

// PatchFromRecord expresses a whole record as a patch, used to merge inserts and
// full reloads field by field.
func PatchFromRecord(rec Record) Patch {
	p := Patch{Fields: make(map[FieldID]any, len(rec.Fields))}
	for k, v := range rec.Fields {
		p.Fields[k] = v
	}
	audit := rec.Audit
	p.Audit = &audit
	return p
}

// Diff returns the fields whose values differ between before and after. Fields
// present in before but missing in after are reported as unset (nil).
func Diff(before, after Record) Patch {
	p := Patch{Fields: map[FieldID]any{}}
	for k, v := range after.Fields {
		if old, ok := before.Fields[k]; !ok || !ValuesEqual(old, v) {
			p.Fields[k] = v
		}
	}
	for k := range before.Fields {
		if _, ok := after.Fields[k]; !ok {
			p.Fields[k] = nil
		}
	}
	if !before.Audit.Equal(after.Audit) {
		audit := after.Audit
		p.Audit = &audit
	}
	return p
}

// NormalizeValue folds numeric kinds into float64 so values that crossed a JSON
// boundary compare equal to locally-set ones.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// ValuesEqual compares two field values after normalization.
func ValuesEqual(a, b any) bool {
	if sa, ok := a.(AuditState); ok {
		sb, ok := b.(AuditState)
		return ok && sa.Equal(sb)
	}
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}

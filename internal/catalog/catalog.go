// Package catalog loads the task catalog: the ordered, sectioned list of fields
// each record kind defines. The audit gate derives completion ratios from it and
// stores use it to reject writes to unknown fields.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"storeops/internal/tracking/models"
)

// Entry is one catalog task.
type Entry struct {
	ID     models.FieldID `yaml:"id" json:"id"`
	Sector string         `yaml:"-" json:"sector"`
	Label  string         `yaml:"label" json:"label"`
}

type sectorDoc struct {
	Name  string  `yaml:"name"`
	Tasks []Entry `yaml:"tasks"`
}

type fileDoc struct {
	Version string                            `yaml:"version"`
	Kinds   map[models.EntityKind][]sectorDoc `yaml:"kinds"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	entries map[models.EntityKind][]Entry
	index   map[models.EntityKind]map[models.FieldID]struct{}
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	entries := make(map[models.EntityKind][]Entry, len(doc.Kinds))
	for kind, sectors := range doc.Kinds {
		for _, sector := range sectors {
			for _, task := range sector.Tasks {
				task.Sector = sector.Name
				entries[kind] = append(entries[kind], task)
			}
		}
	}
	return New(entries)
}

// New builds a catalog from entries already grouped by kind.
func New(entries map[models.EntityKind][]Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[models.EntityKind][]Entry, len(entries)),
		index:   make(map[models.EntityKind]map[models.FieldID]struct{}, len(entries)),
	}
	for kind, list := range entries {
		if !kind.Valid() {
			return nil, fmt.Errorf("catalog: unknown record kind %q", kind)
		}
		seen := make(map[models.FieldID]struct{}, len(list))
		for _, e := range list {
			switch {
			case e.ID == "":
				return nil, fmt.Errorf("catalog: %s has an entry without id", kind)
			case e.ID == models.FieldAudit:
				return nil, fmt.Errorf("catalog: %s uses reserved id %q", kind, e.ID)
			}
			if _, dup := seen[e.ID]; dup {
				return nil, fmt.Errorf("catalog: %s defines %q twice", kind, e.ID)
			}
			seen[e.ID] = struct{}{}
		}
		c.entries[kind] = append([]Entry(nil), list...)
		c.index[kind] = seen
	}
	return c, nil
}

// Entries returns the ordered entries of kind.
func (c *Catalog) Entries(kind models.EntityKind) []Entry {
	return append([]Entry(nil), c.entries[kind]...)
}

// Sectors returns the sector names of kind in catalog order.
func (c *Catalog) Sectors(kind models.EntityKind) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, e := range c.entries[kind] {
		if _, ok := seen[e.Sector]; ok {
			continue
		}
		seen[e.Sector] = struct{}{}
		out = append(out, e.Sector)
	}
	return out
}

// Len counts the entries of kind.
func (c *Catalog) Len(kind models.EntityKind) int {
	return len(c.entries[kind])
}

// CompletionRatio is the share of catalog entries set true on rec. A kind
// without entries has ratio 0.
func (c *Catalog) CompletionRatio(rec models.Record) float64 {
	list := c.entries[rec.Kind]
	if len(list) == 0 {
		return 0
	}
	done := 0
	for _, e := range list {
		if rec.Checked(e.ID) {
			done++
		}
	}
	return float64(done) / float64(len(list))
}

// ErrUnknownField is wrapped by Validate.
var ErrUnknownField = errors.New("field not in catalog")

// Validate rejects fields kind does not define. Kinds without catalog entries
// accept any field; the audit group is always accepted.
func (c *Catalog) Validate(kind models.EntityKind, field models.FieldID) error {
	if field == models.FieldAudit {
		return nil
	}
	idx, ok := c.index[kind]
	if !ok || len(idx) == 0 {
		return nil
	}
	if _, ok := idx[field]; !ok {
		return fmt.Errorf("%w: %w: %s has no field %q", models.ErrValidationRejected, ErrUnknownField, kind, field)
	}
	return nil
}

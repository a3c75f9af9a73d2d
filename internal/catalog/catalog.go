// Package catalog maintains the ordered instrument lists that drive fallback
// substitution and name resolution.
//
// Each [instrument.Category] has exactly one [Catalog]: an ordered list of
// instrument names as presented to participants. Order matters — when an
// instrument fails to load, the replacement is the next loadable entry
// scanning forward from the failed one, wrapping around at most once.
package catalog

import (
	"fmt"

	"github.com/tonefield/jamroom/pkg/instrument"
	"github.com/tonefield/jamroom/pkg/instrument/sampler"
	"github.com/tonefield/jamroom/pkg/instrument/synth"
)

// Catalog is an ordered, duplicate-free list of instrument names for one
// category. It is read-only after construction and safe for concurrent use.
type Catalog struct {
	category instrument.Category
	names    []string
	index    map[string]int
}

// New builds a catalog for category from names, preserving their order.
// Names must be non-empty and unique.
func New(category instrument.Category, names []string) (*Catalog, error) {
	if !category.IsValid() {
		return nil, fmt.Errorf("catalog: invalid category %q", category)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("catalog: %s: no instruments", category)
	}
	c := &Catalog{
		category: category,
		names:    make([]string, 0, len(names)),
		index:    make(map[string]int, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("catalog: %s: empty instrument name at position %d", category, i)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("catalog: %s: duplicate instrument %q", category, name)
		}
		c.index[name] = i
		c.names = append(c.names, name)
	}
	return c, nil
}

// Category returns the category this catalog belongs to.
func (c *Catalog) Category() instrument.Category { return c.category }

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.names) }

// Names returns a copy of the entries in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Contains reports whether name is a catalog entry.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Position returns the catalog position of name.
func (c *Catalog) Position(name string) (int, bool) {
	pos, ok := c.index[name]
	return pos, ok
}

// NextAfter returns the first entry after name in catalog order for which
// skip returns false, wrapping around at most once. A name not present in
// the catalog starts the scan at the first entry. Returns ok=false when
// every entry is skipped.
func (c *Catalog) NextAfter(name string, skip func(string) bool) (string, bool) {
	pos, ok := c.index[name]
	if !ok {
		pos = -1
	}
	for i := 1; i <= len(c.names); i++ {
		cand := c.names[(pos+i)%len(c.names)]
		if skip != nil && skip(cand) {
			continue
		}
		return cand, true
	}
	return "", false
}

// DefaultNames returns the built-in catalog order for category, nil for an
// unknown category.
func DefaultNames(category instrument.Category) []string {
	switch category {
	case instrument.CategorySynth:
		return synth.Presets()
	case instrument.CategorySampler:
		return sampler.MelodicInstruments()
	case instrument.CategoryDrums:
		return sampler.DrumKits()
	}
	return nil
}

// Set holds one catalog per category.
type Set struct {
	byCategory map[instrument.Category]*Catalog
}

// NewSet builds a complete Set. overrides replaces the built-in order for the
// categories it names; categories without an override use [DefaultNames].
func NewSet(overrides map[instrument.Category][]string) (*Set, error) {
	s := &Set{byCategory: make(map[instrument.Category]*Catalog, 3)}
	for _, cat := range instrument.Categories() {
		names := overrides[cat]
		if len(names) == 0 {
			names = DefaultNames(cat)
		}
		c, err := New(cat, names)
		if err != nil {
			return nil, err
		}
		s.byCategory[cat] = c
	}
	return s, nil
}

// Get returns the catalog for category.
func (s *Set) Get(category instrument.Category) (*Catalog, bool) {
	c, ok := s.byCategory[category]
	return c, ok
}

// Contains reports whether name is an entry of category's catalog.
func (s *Set) Contains(category instrument.Category, name string) bool {
	c, ok := s.byCategory[category]
	return ok && c.Contains(name)
}

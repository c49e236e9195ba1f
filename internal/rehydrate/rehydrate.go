// Package rehydrate keeps the placeholder to original mapping of one run and
// restores originals in text produced from the anonymized document.
package rehydrate

import (
	"encoding/json"
	"fmt"

	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/placeholder"
)

// Entry is one placeholder and the value it stands for.
type Entry struct {
	Placeholder string         `json:"placeholder"`
	Type        pii.EntityType `json:"type"`
	Original    string         `json:"original"`
	Confidence  float64        `json:"confidence"`
}

type originalKey struct {
	t    pii.EntityType
	text string
}

// Map is immutable after construction and safe for concurrent reads.
type Map struct {
	entries       []Entry
	byPlaceholder map[string]int
	byOriginal    map[originalKey]string
}

// NewMap builds a map from allocator output. The first placement of each
// placeholder defines its entry.
func NewMap(placements []placeholder.Placement) *Map {
	m := &Map{
		byPlaceholder: make(map[string]int, len(placements)),
		byOriginal:    make(map[originalKey]string, len(placements)),
	}
	for _, p := range placements {
		m.add(Entry{
			Placeholder: p.Placeholder,
			Type:        p.Entity.Type,
			Original:    p.Entity.Text,
			Confidence:  p.Entity.Confidence,
		})
	}
	return m
}

func (m *Map) add(e Entry) bool {
	if _, ok := m.byPlaceholder[e.Placeholder]; ok {
		return false
	}
	m.byPlaceholder[e.Placeholder] = len(m.entries)
	m.entries = append(m.entries, e)
	k := originalKey{e.Type, e.Original}
	if _, ok := m.byOriginal[k]; !ok {
		m.byOriginal[k] = e.Placeholder
	}
	return true
}

// Lookup returns the entry for a placeholder.
func (m *Map) Lookup(ph string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	i, ok := m.byPlaceholder[ph]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// PlaceholderFor returns the placeholder assigned to an original value of
// type t.
func (m *Map) PlaceholderFor(t pii.EntityType, original string) (string, bool) {
	if m == nil {
		return "", false
	}
	ph, ok := m.byOriginal[originalKey{t, original}]
	return ph, ok
}

// Len returns the number of distinct placeholders.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns a copy of the entries in allocation order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Placeholders returns the placeholders in allocation order.
func (m *Map) Placeholders() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Placeholder
	}
	return out
}

func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || m.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.entries)
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("rehydration map: %w", err)
	}
	fresh := &Map{
		byPlaceholder: make(map[string]int, len(entries)),
		byOriginal:    make(map[originalKey]string, len(entries)),
	}
	for i, e := range entries {
		tok, ok := placeholder.Parse(e.Placeholder)
		if !ok {
			return fmt.Errorf("rehydration map: entry %d: invalid placeholder %q", i, e.Placeholder)
		}
		if tok.Type != e.Type {
			return fmt.Errorf("rehydration map: entry %d: placeholder %s does not match type %s", i, e.Placeholder, e.Type)
		}
		if !fresh.add(e) {
			return fmt.Errorf("rehydration map: entry %d: duplicate placeholder %s", i, e.Placeholder)
		}
	}
	*m = *fresh
	return nil
}

// Report summarizes one rehydration pass. Mismatches lists, in order of
// occurrence, placeholder-shaped tokens that had no map entry.
type Report struct {
	Restored   int
	Mismatches []string
}

// Warnings converts mismatches into run warnings.
func (r Report) Warnings() []pii.Warning {
	out := make([]pii.Warning, 0, len(r.Mismatches))
	for _, ph := range r.Mismatches {
		out = append(out, pii.WarningFromError("rehydrate", &pii.MismatchError{Placeholder: ph}))
	}
	return out
}

// Rehydrate replaces every mapped placeholder in text with its original in a
// single scan. Unmapped tokens are left verbatim and reported. It never fails.
func Rehydrate(text string, m *Map) (string, Report) {
	var rep Report
	out := placeholder.Grammar.ReplaceAllStringFunc(text, func(tok string) string {
		if e, ok := m.Lookup(tok); ok {
			rep.Restored++
			return e.Original
		}
		rep.Mismatches = append(rep.Mismatches, tok)
		return tok
	})
	return out, rep
}

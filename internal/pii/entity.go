// Package pii holds the data model shared by every stage of the anonymization
// pipeline: entity types, detected spans, run statistics and the error taxonomy.
package pii

import "sort"

// EntityType classifies a detected PII occurrence.
type EntityType string

const (
	PersonName    EntityType = "PERSON_NAME"
	Organization  EntityType = "ORGANIZATION"
	Location      EntityType = "LOCATION"
	Phone         EntityType = "PHONE"
	Email         EntityType = "EMAIL"
	IBAN          EntityType = "IBAN"
	BIC           EntityType = "BIC"
	TaxID         EntityType = "TAX_ID"
	CaseNumber    EntityType = "CASE_NUMBER"
	PostalCode    EntityType = "POSTAL_CODE"
	Amount        EntityType = "AMOUNT"
	StreetAddress EntityType = "STREET_ADDRESS"
	DateOfBirth   EntityType = "DATE_OF_BIRTH"
	IDNumber      EntityType = "ID_NUMBER"
)

var allTypes = []EntityType{
	PersonName, Organization, Location, Phone, Email, IBAN, BIC, TaxID,
	CaseNumber, PostalCode, Amount, StreetAddress, DateOfBirth, IDNumber,
}

// AllTypes returns every known entity type, longest name first. Placeholder
// parsing relies on that order to match STREET_ADDRESS before a shorter prefix.
func AllTypes() []EntityType {
	out := make([]EntityType, len(allTypes))
	copy(out, allTypes)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Valid reports whether t is a member of the closed enumeration.
func (t EntityType) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HighSpecificity reports whether t belongs to the structured identifier set
// that wins overlap conflicts against looser detections.
func (t EntityType) HighSpecificity() bool {
	switch t {
	case Email, IBAN, BIC, TaxID, CaseNumber:
		return true
	}
	return false
}

// Generic reports whether t is one of the broad name-like types.
func (t EntityType) Generic() bool {
	switch t {
	case PersonName, Location, Organization:
		return true
	}
	return false
}

// Entity is a single detected PII occurrence with byte offsets into the
// original text. Source is used for tie-breaking only and is never serialized.
type Entity struct {
	Type       EntityType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Text       string     `json:"original"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"-"`
}

// Len returns the span length in bytes.
func (e Entity) Len() int { return e.End - e.Start }

// Overlaps reports whether the half-open spans of e and o intersect.
func (e Entity) Overlaps(o Entity) bool {
	return !(e.End <= o.Start || o.End <= e.Start)
}

// ValidIn reports whether the span lies inside text and matches its recorded text.
func (e Entity) ValidIn(text string) bool {
	if e.Start < 0 || e.End <= e.Start || e.End > len(text) {
		return false
	}
	return text[e.Start:e.End] == e.Text
}

// SortByStart orders entities by ascending start, longer spans first on ties.
func SortByStart(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].Len() > entities[j].Len()
	})
}

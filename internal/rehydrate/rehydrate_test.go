package rehydrate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/placeholder"
)

func sampleMap() *Map {
	return NewMap([]placeholder.Placement{
		{Entity: pii.Entity{Type: pii.PersonName, Start: 5, End: 10, Text: "Meier", Confidence: 0.85}, Placeholder: "[PERSON_NAME_1]"},
		{Entity: pii.Entity{Type: pii.Email, Start: 20, End: 34, Text: "m@example.de", Confidence: 0.99}, Placeholder: "[EMAIL_1]"},
		{Entity: pii.Entity{Type: pii.PersonName, Start: 40, End: 45, Text: "Meier", Confidence: 0.7}, Placeholder: "[PERSON_NAME_1]"},
	})
}

func TestMapLookups(t *testing.T) {
	m := sampleMap()
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"[PERSON_NAME_1]", "[EMAIL_1]"}, m.Placeholders())

	e, ok := m.Lookup("[PERSON_NAME_1]")
	require.True(t, ok)
	assert.Equal(t, "Meier", e.Original)
	assert.InDelta(t, 0.85, e.Confidence, 1e-9, "first occurrence defines the entry")

	ph, ok := m.PlaceholderFor(pii.Email, "m@example.de")
	require.True(t, ok)
	assert.Equal(t, "[EMAIL_1]", ph)

	_, ok = m.PlaceholderFor(pii.Organization, "Meier")
	assert.False(t, ok)
	_, ok = m.Lookup("[EMAIL_2]")
	assert.False(t, ok)
}

func TestNilMap(t *testing.T) {
	var m *Map
	assert.Equal(t, 0, m.Len())
	_, ok := m.Lookup("[EMAIL_1]")
	assert.False(t, ok)

	out, rep := Rehydrate("Mail an [EMAIL_1]", nil)
	assert.Equal(t, "Mail an [EMAIL_1]", out)
	assert.Equal(t, []string{"[EMAIL_1]"}, rep.Mismatches)
}

func TestMapJSON(t *testing.T) {
	m := sampleMap()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"placeholder":"[PERSON_NAME_1]","type":"PERSON_NAME","original":"Meier","confidence":0.85},
		{"placeholder":"[EMAIL_1]","type":"EMAIL","original":"m@example.de","confidence":0.99}
	]`, string(data))

	var back Map
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Entries(), back.Entries())
	ph, ok := back.PlaceholderFor(pii.PersonName, "Meier")
	require.True(t, ok)
	assert.Equal(t, "[PERSON_NAME_1]", ph)

	empty, err := json.Marshal(NewMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestMapUnmarshalRejects(t *testing.T) {
	cases := map[string]string{
		"not an array": `{"a":1}`,
		"bad token":    `[{"placeholder":"EMAIL_1","type":"EMAIL","original":"x"}]`,
		"type differs": `[{"placeholder":"[EMAIL_1]","type":"PHONE","original":"x"}]`,
		"duplicate":    `[{"placeholder":"[EMAIL_1]","type":"EMAIL","original":"x"},{"placeholder":"[EMAIL_1]","type":"EMAIL","original":"y"}]`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var m Map
			require.Error(t, json.Unmarshal([]byte(in), &m))
		})
	}
}

func TestRehydrate(t *testing.T) {
	m := sampleMap()
	out, rep := Rehydrate("[PERSON_NAME_1] schreibt an [EMAIL_1]. Gruß, [PERSON_NAME_1]", m)
	assert.Equal(t, "Meier schreibt an m@example.de. Gruß, Meier", out)
	assert.Equal(t, 3, rep.Restored)
	assert.Empty(t, rep.Mismatches)
}

func TestRehydrateHallucinatedPlaceholder(t *testing.T) {
	m := sampleMap()
	out, rep := Rehydrate("[PERSON_NAME_1] und [PERSON_NAME_3]", m)
	assert.Equal(t, "Meier und [PERSON_NAME_3]", out)
	assert.Equal(t, 1, rep.Restored)
	assert.Equal(t, []string{"[PERSON_NAME_3]"}, rep.Mismatches)

	ws := rep.Warnings()
	require.Len(t, ws, 1)
	assert.Equal(t, pii.WarnRehydrationMismatch, ws[0].Kind)
	assert.Contains(t, ws[0].Detail, "[PERSON_NAME_3]")
}

func TestRehydrateSalted(t *testing.T) {
	m := NewMap([]placeholder.Placement{
		{Entity: pii.Entity{Type: pii.Email, Text: "a@b.de"}, Placeholder: "[EMAIL_QXZT_1]"},
	})
	out, rep := Rehydrate("Vorlage [EMAIL_1], echt [EMAIL_QXZT_1]", m)
	assert.Equal(t, "Vorlage [EMAIL_1], echt a@b.de", out)
	assert.Equal(t, []string{"[EMAIL_1]"}, rep.Mismatches)
}

func TestRehydrateDoesNotRescanOriginals(t *testing.T) {
	// an original that itself looks like a placeholder is inserted once
	m := NewMap([]placeholder.Placement{
		{Entity: pii.Entity{Type: pii.CaseNumber, Text: "[EMAIL_1]"}, Placeholder: "[CASE_NUMBER_1]"},
	})
	out, rep := Rehydrate("Az. [CASE_NUMBER_1]", m)
	assert.Equal(t, "Az. [EMAIL_1]", out)
	assert.Equal(t, 1, rep.Restored)
	assert.Empty(t, rep.Mismatches)
}

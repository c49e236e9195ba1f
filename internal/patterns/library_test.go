package patterns

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/pii"
)

func TestDefaultLibraryLoads(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	assert.NotEmpty(t, lib.Version())
	assert.Len(t, lib.Detectors(), 17)
	assert.Len(t, lib.RegexDetectors(), 16)

	ner, ok := lib.NERDetector()
	require.True(t, ok)
	assert.Equal(t, KindNER, ner.Kind)
	assert.ElementsMatch(t, []string{"LOC", "ORG", "PER", "PERSON"}, ner.Labels)

	for _, d := range lib.RegexDetectors() {
		assert.True(t, d.Type.Valid(), "detector %s", d.ID)
		assert.NotNil(t, d.Expr, "detector %s", d.ID)
		assert.Greater(t, d.Confidence, 0.0, "detector %s", d.ID)
	}
}

func TestDefaultIsShared(t *testing.T) {
	a, err := Default()
	require.NoError(t, err)
	b, err := Default()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestNERMapping(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	cases := []struct {
		label string
		want  pii.EntityType
		conf  float64
		ok    bool
	}{
		{"PERSON", pii.PersonName, 0.85, true},
		{"per", pii.PersonName, 0.85, true},
		{"B-PER", pii.PersonName, 0.85, true},
		{"ORG", pii.Organization, 0.7, true},
		{"LOC", pii.Location, 0.7, true},
		{"MISC", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			m, ok := lib.NERMapping(tc.label)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, m.Type)
			assert.InDelta(t, tc.conf, m.Confidence, 1e-9)
		})
	}
}

func TestStoplistNormalization(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	assert.True(t, lib.IsStopword("Sehr geehrte Damen und Herren"))
	assert.True(t, lib.IsStopword("  SEHR   geehrte\tDamen und Herren "))
	assert.True(t, lib.IsStopword("Mit freundlichen Grüßen"))
	// decomposed ü must normalize to the composed form
	assert.True(t, lib.IsStopword("Mit freundlichen Gru\u0308ßen"))
	assert.False(t, lib.IsStopword("Hans Schmidt"))
}

func TestAllowlist(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	assert.True(t, lib.IsAllowlisted("BGB"))
	assert.True(t, lib.IsAllowlisted("bgb"))
	assert.False(t, lib.IsAllowlisted("BGB-Gesellschaft"))
}

func TestPhrase(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "Person", lib.Phrase(pii.PersonName))
	assert.Equal(t, "Organisation", lib.Phrase(pii.Organization))

	custom, err := Parse([]byte(`
version: "1"
detectors:
  - id: email
    type: EMAIL
    confidence: 0.9
    expr: '\S+@\S+'
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultPhrase, custom.Phrase(pii.Email))
}

func TestDefaultDetectorsMatch(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	byID := make(map[string]Detector)
	for _, d := range lib.RegexDetectors() {
		byID[d.ID] = d
	}

	cases := []struct {
		id   string
		text string
		want string
	}{
		{"email", "Kontakt: hans.schmidt@example.de, Tel.", "hans.schmidt@example.de"},
		{"iban", "IBAN DE89 3704 0044 0532 0130 00 bei", "DE89 3704 0044 0532 0130 00"},
		{"iban", "auf DE89370400440532013000.", "DE89370400440532013000"},
		{"bic", "BIC: COBADEFFXXX", "COBADEFFXXX"},
		{"tax_id_de", "Steuer-ID: 86095742719", "86095742719"},
		{"vat_id_de", "USt-IdNr. DE136695976", "DE136695976"},
		{"case_number_court", "im Verfahren 2 O 123/23 vor", "2 O 123/23"},
		{"case_number_ref", "Az.: 12 C 345/22", "12 C 345/22"},
		{"phone", "Tel. +49 30 12345678", "+49 30 12345678"},
		{"phone", "Tel. 030 1234567", "030 1234567"},
		{"postal_code", "10115 Berlin", "10115"},
		{"amount_eur_suffix", "Betrag von 1.250,00 EUR", "1.250,00 EUR"},
		{"amount_eur_prefix", "Betrag von € 300", "€ 300"},
		{"street_address", "wohnhaft Hauptstraße 5, Berlin", "Hauptstraße 5"},
		{"person_title", "Herrn Müller wurde", "Müller"},
		{"date_of_birth", "geb. 01.02.1980", "01.02.1980"},
		{"id_number", "Nr 123456789", "123456789"},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			d, ok := byID[tc.id]
			require.True(t, ok)
			m := d.Expr.FindStringSubmatchIndex(tc.text)
			require.NotNil(t, m, "no match in %q", tc.text)
			got := tc.text[m[2*d.Group]:m[2*d.Group+1]]
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing version",
			yaml: `detectors: [{id: a, type: EMAIL, confidence: 0.5, expr: 'x'}]`,
			want: "version",
		},
		{
			name: "no detectors",
			yaml: `version: "1"`,
			want: "at least one detector",
		},
		{
			name: "unknown type",
			yaml: `{version: "1", detectors: [{id: a, type: SHOE_SIZE, confidence: 0.5, expr: 'x'}]}`,
			want: "unknown entity type",
		},
		{
			name: "bad confidence",
			yaml: `{version: "1", detectors: [{id: a, type: EMAIL, confidence: 1.5, expr: 'x'}]}`,
			want: "confidence",
		},
		{
			name: "bad expression",
			yaml: `{version: "1", detectors: [{id: a, type: EMAIL, confidence: 0.5, expr: '(unclosed'}]}`,
			want: "compile expr",
		},
		{
			name: "group out of range",
			yaml: `{version: "1", detectors: [{id: a, type: EMAIL, confidence: 0.5, expr: 'x', group: 1}]}`,
			want: "group 1 out of range",
		},
		{
			name: "duplicate id",
			yaml: `{version: "1", detectors: [{id: a, type: EMAIL, confidence: 0.5, expr: 'x'}, {id: a, type: PHONE, confidence: 0.5, expr: 'y'}]}`,
			want: "duplicate id",
		},
		{
			name: "unknown validator",
			yaml: `{version: "1", detectors: [{id: a, type: IBAN, confidence: 0.5, expr: 'x', validator: luhn}]}`,
			want: "unknown validator",
		},
		{
			name: "ner without labels",
			yaml: `{version: "1", detectors: [{id: ner, kind: ner}]}`,
			want: "requires ner_labels",
		},
		{
			name: "ner label not mapped",
			yaml: `{version: "1", ner_labels: {PER: {type: PERSON_NAME, confidence: 0.8}}, detectors: [{id: ner, kind: ner, labels: [ORG]}]}`,
			want: "has no ner_labels entry",
		},
		{
			name: "unknown kind",
			yaml: `{version: "1", detectors: [{id: a, kind: lookup}]}`,
			want: "unknown kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	data := `
version: "test-1"
detectors:
  - id: ticket
    type: CASE_NUMBER
    confidence: 0.9
    expr: 'TCK-(\d+)'
    group: 1
phrases:
  CASE_NUMBER: Vorgang
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	lib, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", lib.Version())
	assert.Equal(t, "Vorgang", lib.Phrase(pii.CaseNumber))
	_, hasNER := lib.NERDetector()
	assert.False(t, hasNER)
	_, ok := lib.NERMapping("PER")
	assert.False(t, ok)
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	lib, err := Load("")
	require.NoError(t, err)
	def, err := Default()
	require.NoError(t, err)
	assert.Same(t, def, lib)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

package detect

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/ner"
	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/pii"
)

func defaultLib(t *testing.T) *patterns.Library {
	t.Helper()
	lib, err := patterns.Default()
	require.NoError(t, err)
	return lib
}

func newDetector(t *testing.T, oracle ner.Oracle, opts Options) *Detector {
	t.Helper()
	d, err := New(defaultLib(t), oracle, opts)
	require.NoError(t, err)
	return d
}

func spanOracle(text string, parts map[string]string) ner.Oracle {
	return ner.OracleFunc(func(ctx context.Context, in string) ([]ner.Span, error) {
		var spans []ner.Span
		for sub, label := range parts {
			if i := strings.Index(in, sub); i >= 0 {
				spans = append(spans, ner.Span{Start: i, End: i + len(sub), Label: label})
			}
		}
		return spans, nil
	})
}

func byType(cands []pii.Entity, t pii.EntityType) []pii.Entity {
	var out []pii.Entity
	for _, c := range cands {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestDetectEmailAndPhone(t *testing.T) {
	d := newDetector(t, ner.Noop{}, Options{})
	text := "Kontakt: hans.schmidt@example.de, Tel. +49 30 12345678"

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Warnings)

	emails := byType(res.Candidates, pii.Email)
	require.Len(t, emails, 1)
	assert.Equal(t, "hans.schmidt@example.de", emails[0].Text)
	assert.Equal(t, "email", emails[0].Source)

	phones := byType(res.Candidates, pii.Phone)
	require.Len(t, phones, 1)
	assert.Equal(t, "+49 30 12345678", phones[0].Text)

	for _, c := range res.Candidates {
		assert.True(t, c.ValidIn(text), "candidate %+v", c)
	}
}

func TestDetectEmptyInputSkipsOracle(t *testing.T) {
	var calls atomic.Int32
	oracle := ner.OracleFunc(func(ctx context.Context, text string) ([]ner.Span, error) {
		calls.Add(1)
		return nil, nil
	})
	d := newDetector(t, oracle, Options{})

	for _, text := range []string{"", "   \n\t "} {
		res, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.Empty(t, res.Candidates)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestDetectInputTooLarge(t *testing.T) {
	d := newDetector(t, nil, Options{MaxInputBytes: 16})
	_, err := d.Detect(context.Background(), strings.Repeat("a", 17))
	require.Error(t, err)
	assert.ErrorIs(t, err, pii.ErrInputTooLarge)
}

func TestDetectOracleFailureDegrades(t *testing.T) {
	oracle := ner.OracleFunc(func(ctx context.Context, text string) ([]ner.Span, error) {
		return nil, errors.New("connection refused")
	})
	d := newDetector(t, oracle, Options{})

	res, err := d.Detect(context.Background(), "Mail an hans.schmidt@example.de")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, pii.WarnOracleUnavailable, res.Warnings[0].Kind)
	assert.Equal(t, SourceNER, res.Warnings[0].Source)
	assert.Len(t, byType(res.Candidates, pii.Email), 1)
}

func TestDetectOracleTimeout(t *testing.T) {
	oracle := ner.OracleFunc(func(ctx context.Context, text string) ([]ner.Span, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDetector(t, oracle, Options{OracleTimeout: 20 * time.Millisecond})

	res, err := d.Detect(context.Background(), "Mail an hans.schmidt@example.de")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Detail, "timed out")
}

func TestDetectNERMappingAndStoplist(t *testing.T) {
	text := "Sehr geehrte Damen und Herren, Hans Schmidt aus Köln schreibt für die Muster AG."
	oracle := spanOracle(text, map[string]string{
		"Sehr geehrte Damen und Herren": "PER",
		"Hans Schmidt":                  "PER",
		"Köln":                          "LOC",
		"Muster AG":                     "ORG",
		"schreibt":                      "MISC",
	})
	d := newDetector(t, oracle, Options{})

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	var ners []pii.Entity
	for _, c := range res.Candidates {
		if c.Source == SourceNER {
			ners = append(ners, c)
		}
	}
	got := make(map[string]pii.EntityType)
	for _, c := range ners {
		got[c.Text] = c.Type
	}
	assert.Equal(t, map[string]pii.EntityType{
		"Hans Schmidt": pii.PersonName,
		"Köln":         pii.Location,
		"Muster AG":    pii.Organization,
	}, got)
	assert.GreaterOrEqual(t, res.Filtered, 1)
	for _, c := range ners {
		if c.Type == pii.PersonName {
			assert.InDelta(t, 0.85, c.Confidence, 1e-9)
		}
	}
}

func TestDetectInvalidOracleSpans(t *testing.T) {
	text := "Grüße an Jürgen"
	oracle := ner.OracleFunc(func(ctx context.Context, in string) ([]ner.Span, error) {
		name := strings.Index(in, "Jürgen")
		return []ner.Span{
			{Start: 3, End: 5, Label: "PER"},     // splits the ü
			{Start: name, End: 99, Label: "PER"}, // past the end
			{Start: name, End: len(in), Label: "PER"},
		}, nil
	})
	d := newDetector(t, oracle, Options{})

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	invalid := 0
	for _, w := range res.Warnings {
		if w.Kind == pii.WarnInvalidSpan {
			invalid++
			assert.NotContains(t, w.Detail, "Jürgen")
		}
	}
	assert.Equal(t, 2, invalid)
	persons := byType(res.Candidates, pii.PersonName)
	require.Len(t, persons, 1)
	assert.Equal(t, "Jürgen", persons[0].Text)
}

func TestDetectAllowlistAndMinLength(t *testing.T) {
	text := "Nach § 823 BGB haftet X."
	oracle := spanOracle(text, map[string]string{"BGB": "ORG", "X": "PER"})
	d := newDetector(t, oracle, Options{})

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	assert.Empty(t, byType(res.Candidates, pii.Organization))
	assert.Empty(t, byType(res.Candidates, pii.PersonName))
	assert.Equal(t, 2, res.Filtered)
}

func TestDetectStoplistAppliesToNameLikeRegexHits(t *testing.T) {
	lib, err := patterns.Parse([]byte(`
version: test
detectors:
  - id: court
    type: ORGANIZATION
    expr: 'Landgericht \p{Lu}\p{Ll}+'
    confidence: 0.6
  - id: ref
    type: CASE_NUMBER
    expr: 'Az\. \d+'
    confidence: 0.9
stoplist:
  - landgericht  berlin
  - Az. 12
`))
	require.NoError(t, err)
	d, err := New(lib, nil, Options{})
	require.NoError(t, err)

	res, err := d.Detect(context.Background(), "Landgericht Berlin, Landgericht Hamburg, Az. 12")
	require.NoError(t, err)
	orgs := byType(res.Candidates, pii.Organization)
	require.Len(t, orgs, 1)
	assert.Equal(t, "Landgericht Hamburg", orgs[0].Text)
	assert.Len(t, byType(res.Candidates, pii.CaseNumber), 1)
	assert.Equal(t, 1, res.Filtered)
}

func TestDetectIBANChecksumHalvesConfidence(t *testing.T) {
	d := newDetector(t, nil, Options{})

	good, err := d.Detect(context.Background(), "Konto DE89370400440532013000")
	require.NoError(t, err)
	bad, err := d.Detect(context.Background(), "Konto DE89370400440532013001")
	require.NoError(t, err)

	gi := byType(good.Candidates, pii.IBAN)
	bi := byType(bad.Candidates, pii.IBAN)
	require.Len(t, gi, 1)
	require.Len(t, bi, 1)
	assert.InDelta(t, gi[0].Confidence/2, bi[0].Confidence, 1e-9)
}

func TestDetectCaptureGroup(t *testing.T) {
	d := newDetector(t, nil, Options{})
	text := "BIC: COBADEFFXXX"
	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	bics := byType(res.Candidates, pii.BIC)
	require.Len(t, bics, 1)
	assert.Equal(t, "COBADEFFXXX", bics[0].Text)
	assert.Equal(t, 5, bics[0].Start)
}

func TestDetectPatternPanicIsRecovered(t *testing.T) {
	d := newDetector(t, nil, Options{})
	orig := d.findAll
	d.findAll = func(re *regexp.Regexp, text string, n int) [][]int {
		if strings.Contains(re.String(), "@") {
			panic("boom")
		}
		return orig(re, text, n)
	}

	res, err := d.Detect(context.Background(), "Kontakt: hans.schmidt@example.de, Tel. +49 30 12345678")
	require.NoError(t, err)
	assert.Empty(t, byType(res.Candidates, pii.Email))
	assert.Len(t, byType(res.Candidates, pii.Phone), 1)

	warns := 0
	for _, w := range res.Warnings {
		if w.Kind == pii.WarnDetection && w.Source == "email" {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestDetectPatternTimeout(t *testing.T) {
	d := newDetector(t, nil, Options{PatternTimeout: 10 * time.Millisecond})
	orig := d.findAll
	d.findAll = func(re *regexp.Regexp, text string, n int) [][]int {
		if strings.Contains(re.String(), "@") {
			time.Sleep(200 * time.Millisecond)
		}
		return orig(re, text, n)
	}

	res, err := d.Detect(context.Background(), "Kontakt: hans.schmidt@example.de, Tel. +49 30 12345678")
	require.NoError(t, err)
	assert.Empty(t, byType(res.Candidates, pii.Email))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0].Detail, "timed out")
}

func TestDetectMatchCap(t *testing.T) {
	d := newDetector(t, nil, Options{MaxMatchesPerPattern: 2})
	text := "a@example.de b@example.de c@example.de"

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	assert.Len(t, byType(res.Candidates, pii.Email), 2)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Detail, "match limit 2")
}

func TestDetectExpectedBias(t *testing.T) {
	d := newDetector(t, nil, Options{ExpectedBias: 0.2})
	text := "10115 Berlin"

	plain, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	biased, err := d.Detect(context.Background(), text, pii.PostalCode)
	require.NoError(t, err)

	p := byType(plain.Candidates, pii.PostalCode)
	b := byType(biased.Candidates, pii.PostalCode)
	require.Len(t, p, 1)
	require.Len(t, b, 1)
	assert.InDelta(t, p[0].Confidence+0.2, b[0].Confidence, 1e-9)

	// clamped at 1
	clamped, err := d.Detect(context.Background(), "x@example.de", pii.Email)
	require.NoError(t, err)
	assert.Equal(t, 1.0, byType(clamped.Candidates, pii.Email)[0].Confidence)
}

func TestDetectCancelled(t *testing.T) {
	d := newDetector(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx, "hans.schmidt@example.de")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectDeterministic(t *testing.T) {
	text := "Herr Hans Schmidt, geb. 01.02.1980, wohnhaft Hauptstraße 5, 10115 Berlin, " +
		"IBAN DE89 3704 0044 0532 0130 00, Tel. 030 1234567, Az. 12 C 345/22."
	d := newDetector(t, nil, Options{Concurrency: 3})

	first, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, first.Candidates, again.Candidates)
	}
}

func TestNewRequiresLibrary(t *testing.T) {
	_, err := New(nil, nil, Options{})
	require.Error(t, err)
}

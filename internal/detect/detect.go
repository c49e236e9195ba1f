// Package detect runs every detector of a pattern library over a document and
// returns the raw, possibly overlapping candidate entities.
package detect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/lexanon/internal/ner"
	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/pii"
)

// SourceNER marks candidates produced by the NER oracle.
const SourceNER = "ner"

// Options bounds the work done per document.
type Options struct {
	PatternTimeout       time.Duration
	OracleTimeout        time.Duration
	MaxInputBytes        int
	MaxMatchesPerPattern int
	MinLength            int
	Concurrency          int
	ExpectedBias         float64
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		PatternTimeout:       250 * time.Millisecond,
		OracleTimeout:        5 * time.Second,
		MaxInputBytes:        2 * 1024 * 1024,
		MaxMatchesPerPattern: 10000,
		MinLength:            2,
		Concurrency:          8,
		ExpectedBias:         0.1,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PatternTimeout <= 0 {
		o.PatternTimeout = def.PatternTimeout
	}
	if o.OracleTimeout <= 0 {
		o.OracleTimeout = def.OracleTimeout
	}
	if o.MaxInputBytes <= 0 {
		o.MaxInputBytes = def.MaxInputBytes
	}
	if o.MaxMatchesPerPattern <= 0 {
		o.MaxMatchesPerPattern = def.MaxMatchesPerPattern
	}
	if o.MinLength <= 0 {
		o.MinLength = def.MinLength
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.ExpectedBias < 0 {
		o.ExpectedBias = 0
	}
	return o
}

// Result is the detector output for one document.
type Result struct {
	Candidates []pii.Entity
	Filtered   int
	Degraded   bool
	Warnings   []pii.Warning
}

// Detector is safe for concurrent use.
type Detector struct {
	lib    *patterns.Library
	oracle ner.Oracle
	opts   Options

	// findAll is swapped in tests to simulate a misbehaving pattern.
	findAll func(re *regexp.Regexp, text string, n int) [][]int
}

// New builds a detector. A nil oracle disables NER.
func New(lib *patterns.Library, oracle ner.Oracle, opts Options) (*Detector, error) {
	if lib == nil {
		return nil, errors.New("detect: pattern library is nil")
	}
	return &Detector{
		lib:    lib,
		oracle: oracle,
		opts:   opts.withDefaults(),
		findAll: func(re *regexp.Regexp, text string, n int) [][]int {
			return re.FindAllStringSubmatchIndex(text, n)
		},
	}, nil
}

// Options returns the effective limits.
func (d *Detector) Options() Options { return d.opts }

type patternOutcome struct {
	entities []pii.Entity
	warning  *pii.Warning
}

type oracleOutcome struct {
	entities []pii.Entity
	warnings []pii.Warning
	degraded bool
}

// Detect returns candidates from every regex detector and the NER oracle.
// Candidates are grouped in library order. Detector failures become warnings;
// only cancellation and oversized input are returned as errors. Types listed
// in expected get their confidence raised by the configured bias.
func (d *Detector) Detect(ctx context.Context, text string, expected ...pii.EntityType) (Result, error) {
	if len(text) > d.opts.MaxInputBytes {
		return Result{}, &pii.InputTooLargeError{Size: len(text), Limit: d.opts.MaxInputBytes}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	regexDetectors := d.lib.RegexDetectors()
	outcomes := make([]patternOutcome, len(regexDetectors))
	var oracleOut oracleOutcome

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	if d.useOracle() {
		g.Go(func() error {
			out, err := d.runOracle(gctx, text)
			if err != nil {
				return err
			}
			oracleOut = out
			return nil
		})
	}
	for i, det := range regexDetectors {
		g.Go(func() error {
			out, err := d.runPattern(gctx, det, text)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, out := range outcomes {
		if out.warning != nil {
			res.Warnings = append(res.Warnings, *out.warning)
		}
		for _, e := range out.entities {
			if d.keep(e) {
				res.Candidates = append(res.Candidates, e)
			} else {
				res.Filtered++
			}
		}
	}
	res.Warnings = append(res.Warnings, oracleOut.warnings...)
	res.Degraded = oracleOut.degraded
	for _, e := range oracleOut.entities {
		if d.keep(e) {
			res.Candidates = append(res.Candidates, e)
		} else {
			res.Filtered++
		}
	}

	if len(expected) > 0 && d.opts.ExpectedBias > 0 {
		applyBias(res.Candidates, expected, d.opts.ExpectedBias)
	}
	return res, nil
}

func (d *Detector) useOracle() bool {
	if d.oracle == nil {
		return false
	}
	_, ok := d.lib.NERDetector()
	return ok
}

// runPattern executes one regex detector under its own deadline. RE2 cannot
// be interrupted, so a timed out match keeps running in the background until
// it finishes; its result is discarded.
func (d *Detector) runPattern(ctx context.Context, det patterns.Detector, text string) (patternOutcome, error) {
	pctx, cancel := context.WithTimeout(ctx, d.opts.PatternTimeout)
	defer cancel()

	type found struct {
		matches [][]int
		err     error
	}
	ch := make(chan found, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- found{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ch <- found{matches: d.findAll(det.Expr, text, d.opts.MaxMatchesPerPattern+1)}
	}()

	var f found
	select {
	case <-pctx.Done():
		if err := ctx.Err(); err != nil {
			return patternOutcome{}, err
		}
		w := pii.WarningFromError(det.ID, &pii.DetectionError{DetectorID: det.ID, Timeout: true, Err: pctx.Err()})
		return patternOutcome{warning: &w}, nil
	case f = <-ch:
	}
	if f.err != nil {
		w := pii.WarningFromError(det.ID, &pii.DetectionError{DetectorID: det.ID, Err: f.err})
		return patternOutcome{warning: &w}, nil
	}

	var out patternOutcome
	matches := f.matches
	if len(matches) > d.opts.MaxMatchesPerPattern {
		matches = matches[:d.opts.MaxMatchesPerPattern]
		w := pii.WarningFromError(det.ID, &pii.DetectionError{
			DetectorID: det.ID,
			Err:        fmt.Errorf("match limit %d reached", d.opts.MaxMatchesPerPattern),
		})
		out.warning = &w
	}

	out.entities = make([]pii.Entity, 0, len(matches))
	for _, m := range matches {
		gi := 2 * det.Group
		if gi+1 >= len(m) {
			continue
		}
		start, end := m[gi], m[gi+1]
		if start < 0 || end <= start {
			continue
		}
		span := text[start:end]
		conf := det.Confidence
		if !det.Validator.Check(span) {
			conf /= 2
		}
		out.entities = append(out.entities, pii.Entity{
			Type:       det.Type,
			Start:      start,
			End:        end,
			Text:       span,
			Confidence: conf,
			Source:     det.ID,
		})
	}
	return out, nil
}

// runOracle calls the NER oracle once. Any oracle failure except caller
// cancellation degrades the run instead of failing it.
func (d *Detector) runOracle(ctx context.Context, text string) (oracleOutcome, error) {
	octx, cancel := context.WithTimeout(ctx, d.opts.OracleTimeout)
	defer cancel()

	spans, err := d.oracle.Recognize(octx, text)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return oracleOutcome{}, cerr
		}
		oerr := &pii.OracleError{
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(octx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
		return oracleOutcome{
			degraded: true,
			warnings: []pii.Warning{pii.WarningFromError(SourceNER, oerr)},
		}, nil
	}

	var out oracleOutcome
	for _, s := range spans {
		if !validSpan(text, s.Start, s.End) {
			out.warnings = append(out.warnings, pii.Warning{
				Kind:   pii.WarnInvalidSpan,
				Source: SourceNER,
				Detail: fmt.Sprintf("span [%d,%d) label %s outside text or not on a rune boundary", s.Start, s.End, s.Label),
			})
			continue
		}
		m, ok := d.lib.NERMapping(s.Label)
		if !ok {
			continue
		}
		out.entities = append(out.entities, pii.Entity{
			Type:       m.Type,
			Start:      s.Start,
			End:        s.End,
			Text:       text[s.Start:s.End],
			Confidence: m.Confidence,
			Source:     SourceNER,
		})
	}
	return out, nil
}

// keep applies the stoplist, allowlist and minimum length filters.
func (d *Detector) keep(e pii.Entity) bool {
	if utf8.RuneCountInString(strings.TrimSpace(e.Text)) < d.opts.MinLength {
		return false
	}
	if d.lib.IsAllowlisted(e.Text) {
		return false
	}
	if (e.Source == SourceNER || e.Type.Generic()) && d.lib.IsStopword(e.Text) {
		return false
	}
	return true
}

func validSpan(text string, start, end int) bool {
	if start < 0 || end <= start || end > len(text) {
		return false
	}
	if !utf8.RuneStart(text[start]) {
		return false
	}
	return end == len(text) || utf8.RuneStart(text[end])
}

func applyBias(entities []pii.Entity, expected []pii.EntityType, bias float64) {
	want := make(map[pii.EntityType]struct{}, len(expected))
	for _, t := range expected {
		want[t] = struct{}{}
	}
	for i := range entities {
		if _, ok := want[entities[i].Type]; !ok {
			continue
		}
		entities[i].Confidence += bias
		if entities[i].Confidence > 1 {
			entities[i].Confidence = 1
		}
	}
}

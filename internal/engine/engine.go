// Package engine runs the anonymization pipeline: detect, resolve, allocate,
// rewrite. It also reverses it (rehydrate) and wraps a round trip through a
// generation service. An Engine holds only immutable collaborators and is safe
// for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/lexanon/internal/audit"
	"github.com/straja-ai/lexanon/internal/config"
	"github.com/straja-ai/lexanon/internal/detect"
	"github.com/straja-ai/lexanon/internal/naturalize"
	"github.com/straja-ai/lexanon/internal/ner"
	"github.com/straja-ai/lexanon/internal/patterns"
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/placeholder"
	"github.com/straja-ai/lexanon/internal/rehydrate"
	"github.com/straja-ai/lexanon/internal/resolve"
	"github.com/straja-ai/lexanon/internal/rewrite"
	"github.com/straja-ai/lexanon/internal/telemetry"
)

// Pipeline stage names used for durations, spans and metrics.
const (
	StageDetect       = "detect"
	StageResolve      = "resolve"
	StageAllocate     = "allocate"
	StageRewrite      = "rewrite"
	StageNaturalize   = "naturalize"
	StageGenerate     = "generate"
	StageDenaturalize = "denaturalize"
	StageRehydrate    = "rehydrate"
)

// Deps are the collaborators of an Engine. Only Library is required.
type Deps struct {
	Library *patterns.Library
	// Oracle is the NER oracle; nil runs regex-only.
	Oracle    ner.Oracle
	Telemetry *telemetry.Provider
	Audit     *audit.Emitter
	// Allocator overrides the allocator built from config.
	Allocator *placeholder.Allocator
}

type Engine struct {
	lib         *patterns.Library
	detector    *detect.Detector
	allocator   *placeholder.Allocator
	naturalizer *naturalize.Transformer
	telemetry   *telemetry.Provider
	audit       *audit.Emitter

	batchWorkers int
	generation   config.GenerationConfig
	logEvents    bool
}

// New builds an engine. A nil cfg uses config defaults.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Library == nil {
		return nil, errors.New("engine: pattern library is nil")
	}

	d := cfg.Detection
	det, err := detect.New(deps.Library, deps.Oracle, detect.Options{
		PatternTimeout:       d.PatternTimeout,
		OracleTimeout:        d.OracleTimeout,
		MaxInputBytes:        d.MaxInputBytes,
		MaxMatchesPerPattern: d.MaxMatchesPerPattern,
		MinLength:            d.MinLength,
		Concurrency:          d.Concurrency,
		ExpectedBias:         d.ExpectedBias,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	nat, err := naturalize.New(deps.Library)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	alloc := deps.Allocator
	if alloc == nil {
		alloc = placeholder.NewAllocator(cfg.Placeholders.MaxCollisionAttempts)
	}
	workers := cfg.Batch.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Engine{
		lib:          deps.Library,
		detector:     det,
		allocator:    alloc,
		naturalizer:  nat,
		telemetry:    deps.Telemetry,
		audit:        deps.Audit,
		batchWorkers: workers,
		generation:   cfg.Generation,
		logEvents:    cfg.Logging.AuditEvents,
	}, nil
}

// Library returns the pattern library in use.
func (e *Engine) Library() *patterns.Library { return e.lib }

// Option adjusts a single run.
type Option func(*runOptions)

type runOptions struct {
	expected     []pii.EntityType
	runID        string
	providerName string
}

// WithExpected raises the confidence of candidates of the given types.
func WithExpected(types ...pii.EntityType) Option {
	return func(o *runOptions) { o.expected = append(o.expected, types...) }
}

// WithRunID sets the run id reported in results and audit events.
func WithRunID(id string) Option {
	return func(o *runOptions) { o.runID = id }
}

// WithProviderName labels generation metrics and audit events.
func WithProviderName(name string) Option {
	return func(o *runOptions) { o.providerName = name }
}

func typeNames(types []pii.EntityType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func buildOptions(opts []Option) runOptions {
	var o runOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.runID == "" {
		o.runID = audit.NewRunID()
	}
	return o
}

// Anonymize replaces every accepted PII span in text with a placeholder.
// Detector and oracle failures degrade and are listed in Stats.Warnings;
// oversized input, placeholder collisions and cancellation are errors and
// yield no result.
func (e *Engine) Anonymize(ctx context.Context, text string, opts ...Option) (*Result, error) {
	o := buildOptions(opts)
	ctx, span := e.telemetry.StartSpan(ctx, "lexanon.anonymize", telemetry.SafeAttributes(map[string]any{
		"lexanon.run_id":         o.runID,
		"lexanon.input_bytes":    len(text),
		"lexanon.expected_types": typeNames(o.expected),
	})...)
	defer span.End()

	res, stats, err := e.anonymize(ctx, text, o)
	e.finish(ctx, audit.BuildParams{
		RunID:          o.runID,
		Operation:      audit.OpAnonymize,
		LibraryVersion: e.lib.Version(),
		InputBytes:     len(text),
		Stats:          stats,
		Placeholders:   res.Placeholders(),
		Err:            err,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// anonymize returns the stats gathered so far even when it fails, so the
// failure can be reported.
func (e *Engine) anonymize(ctx context.Context, text string, o runOptions) (*Result, pii.Stats, error) {
	var stats pii.Stats

	start := time.Now()
	det, err := e.detector.Detect(ctx, text, o.expected...)
	e.observe(ctx, &stats, StageDetect, start)
	if err != nil {
		return nil, stats, fmt.Errorf("detect: %w", err)
	}
	stats.Candidates = len(det.Candidates)
	stats.Filtered = det.Filtered
	stats.Degraded = det.Degraded
	for _, w := range det.Warnings {
		stats.Warn(w)
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	start = time.Now()
	accepted, exhausted := resolve.ResolveReport(det.Candidates)
	e.observe(ctx, &stats, StageResolve, start)
	if exhausted {
		stats.Warn(pii.Warning{
			Kind:   pii.WarnResolveBudget,
			Source: StageResolve,
			Detail: fmt.Sprintf("overlap resolution stopped early on %d candidates; leftovers kept only where disjoint", len(det.Candidates)),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	start = time.Now()
	placements, err := e.allocator.Allocate(text, accepted)
	e.observe(ctx, &stats, StageAllocate, start)
	if err != nil {
		return nil, stats, fmt.Errorf("allocate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	start = time.Now()
	out, err := rewrite.Apply(ctx, text, placements)
	e.observe(ctx, &stats, StageRewrite, start)
	if err != nil {
		return nil, stats, fmt.Errorf("rewrite: %w", err)
	}

	for _, p := range placements {
		stats.Count(p.Entity.Type)
	}
	return &Result{
		RunID:          o.runID,
		AnonymizedText: out,
		Entities:       entityViews(placements),
		Map:            rehydrate.NewMap(placements),
		Stats:          stats,
	}, stats, nil
}

// AnonymizeBatch anonymizes independent documents with at most workers in
// flight; workers <= 0 uses the configured pool size. Results keep input
// order. The first failure cancels the remaining documents.
func (e *Engine) AnonymizeBatch(ctx context.Context, texts []string, workers int, opts ...Option) ([]*Result, error) {
	if workers <= 0 {
		workers = e.batchWorkers
	}
	results := make([]*Result, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, text := range texts {
		g.Go(func() error {
			// Every document gets its own run id.
			docOpts := append(append([]Option(nil), opts...), WithRunID(""))
			res, err := e.Anonymize(gctx, text, docOpts...)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Rehydration is the outcome of restoring originals into a text.
type Rehydration struct {
	RunID      string    `json:"run_id"`
	Text       string    `json:"text"`
	Restored   int       `json:"restored"`
	Mismatches []string  `json:"mismatches,omitempty"`
	Stats      pii.Stats `json:"stats"`
}

// Rehydrate restores originals for every mapped placeholder in text.
// Placeholders without an entry are left verbatim and counted as mismatches.
func (e *Engine) Rehydrate(ctx context.Context, text string, m *rehydrate.Map, opts ...Option) (*Rehydration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	ctx, span := e.telemetry.StartSpan(ctx, "lexanon.rehydrate", telemetry.SafeAttributes(map[string]any{
		"lexanon.run_id":      o.runID,
		"lexanon.map_entries": m.Len(),
	})...)
	defer span.End()

	var stats pii.Stats
	start := time.Now()
	out, rep := rehydrate.Rehydrate(text, m)
	e.observe(ctx, &stats, StageRehydrate, start)
	for _, w := range rep.Warnings() {
		stats.Warn(w)
	}
	e.telemetry.RecordRehydration(ctx, len(rep.Mismatches))

	e.finish(ctx, audit.BuildParams{
		RunID:          o.runID,
		Operation:      audit.OpRehydrate,
		LibraryVersion: e.lib.Version(),
		InputBytes:     len(text),
		Stats:          stats,
		Placeholders:   m.Placeholders(),
	})
	return &Rehydration{
		RunID:      o.runID,
		Text:       out,
		Restored:   rep.Restored,
		Mismatches: rep.Mismatches,
		Stats:      stats,
	}, nil
}

func (e *Engine) observe(ctx context.Context, stats *pii.Stats, stage string, start time.Time) {
	d := time.Since(start)
	stats.Observe(stage, d)
	e.telemetry.RecordStage(ctx, stage, d)
}

// finish records document metrics and emits the audit event for one run.
func (e *Engine) finish(ctx context.Context, params audit.BuildParams) {
	outcome := audit.OutcomeOK
	if params.Err != nil {
		outcome = audit.OutcomeError
	}
	e.telemetry.RecordDocument(ctx, params.Stats, outcome)

	if e.audit == nil && !e.logEvents {
		return
	}
	ev := audit.BuildEvent(params)
	if e.logEvents {
		audit.LogEvent(ev)
	}
	e.audit.Emit(ctx, ev)
}

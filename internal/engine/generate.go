package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/straja-ai/lexanon/internal/audit"
	"github.com/straja-ai/lexanon/internal/inference"
	"github.com/straja-ai/lexanon/internal/naturalize"
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/provider"
	"github.com/straja-ai/lexanon/internal/rehydrate"
	"github.com/straja-ai/lexanon/internal/telemetry"
)

// Generation is the outcome of one round trip through a generation service.
type Generation struct {
	RunID string `json:"run_id"`
	// Anonymized holds the anonymized source and its rehydration map.
	Anonymized *Result `json:"anonymized"`
	// Prompt is exactly what the service received.
	Prompt string `json:"prompt"`
	// Reply is the service output before any reversal.
	Reply string `json:"reply,omitempty"`
	// Text is the reply with originals restored.
	Text           string                `json:"text"`
	Phrases        *naturalize.PhraseMap `json:"phrases,omitempty"`
	MissingPhrases []string              `json:"missing_phrases,omitempty"`
	Mismatches     []string              `json:"mismatches,omitempty"`
	Usage          inference.Usage       `json:"-"`
	Timings        inference.Timings     `json:"-"`
}

// Generate anonymizes text, optionally rewrites placeholders into phrases,
// sends the prompt to p, and reverses both transforms on the reply. The
// service only ever sees anonymized text.
//
// A provider failure returns the partial Generation (anonymized text and map
// intact) together with the error; provider.ErrTimeout marks a timeout.
// Cancellation of ctx returns no result.
func (e *Engine) Generate(ctx context.Context, p provider.Provider, text string, params inference.Params, opts ...Option) (*Generation, error) {
	if p == nil {
		return nil, errors.New("engine: nil provider")
	}
	o := buildOptions(opts)
	params = e.withGenerationDefaults(params)

	ctx, span := e.telemetry.StartSpan(ctx, "lexanon.generate", telemetry.SafeAttributes(map[string]any{
		"lexanon.run_id":     o.runID,
		"lexanon.provider":   o.providerName,
		"lexanon.model":      params.Model,
		"lexanon.naturalize": e.generation.NaturalizeEnabled(),
	})...)
	defer span.End()

	req := &inference.Request{RunID: o.runID, Model: params.Model, Params: params, Timings: &inference.Timings{}}
	gen, resp, err := e.generate(ctx, p, text, params, o, req)

	e.finish(ctx, audit.BuildParams{
		RunID:          o.runID,
		Operation:      audit.OpGenerate,
		LibraryVersion: e.lib.Version(),
		InputBytes:     len(text),
		Stats:          gen.stats(),
		Placeholders:   gen.placeholders(),
		Err:            err,
		ProviderName:   o.providerName,
		Request:        req,
		Response:       resp,
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, err
		}
		return gen, err
	}
	return gen, nil
}

func (e *Engine) generate(ctx context.Context, p provider.Provider, text string, params inference.Params, o runOptions, req *inference.Request) (*Generation, *inference.Response, error) {
	start := time.Now()
	anon, _, err := e.anonymize(ctx, text, o)
	req.Timings.Anonymize = time.Since(start)
	if err != nil {
		return nil, nil, err
	}
	gen := &Generation{RunID: o.runID, Anonymized: anon, Prompt: anon.AnonymizedText}

	if e.generation.NaturalizeEnabled() {
		start = time.Now()
		prompt, pm, err := e.naturalizer.ToNatural(anon.AnonymizedText)
		d := time.Since(start)
		e.observe(ctx, &anon.Stats, StageNaturalize, start)
		req.Timings.Naturalize += d
		if err != nil {
			return gen, nil, fmt.Errorf("naturalize: %w", err)
		}
		gen.Prompt = prompt
		gen.Phrases = pm
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	gctx := ctx
	if e.generation.Timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, e.generation.Timeout)
		defer cancel()
	}
	start = time.Now()
	resp, err := provider.Send(gctx, p, gen.Prompt, params)
	d := time.Since(start)
	req.Timings.Provider = d
	e.observe(ctx, &anon.Stats, StageGenerate, start)
	e.telemetry.RecordGeneration(ctx, o.providerName, d, err)
	if err != nil {
		return gen, nil, fmt.Errorf("generate: %w", err)
	}
	gen.Reply = resp.Message.Content
	gen.Usage = resp.Usage

	reply := gen.Reply
	if gen.Phrases != nil {
		start = time.Now()
		var rep naturalize.Report
		reply, rep = e.naturalizer.FromNatural(reply, gen.Phrases)
		req.Timings.Naturalize += time.Since(start)
		e.observe(ctx, &anon.Stats, StageDenaturalize, start)
		gen.MissingPhrases = rep.Missing
	}

	start = time.Now()
	out, rep := rehydrate.Rehydrate(reply, anon.Map)
	req.Timings.Rehydrate = time.Since(start)
	e.observe(ctx, &anon.Stats, StageRehydrate, start)
	for _, w := range rep.Warnings() {
		anon.Stats.Warn(w)
	}
	e.telemetry.RecordRehydration(ctx, len(rep.Mismatches))

	gen.Text = out
	gen.Mismatches = rep.Mismatches
	gen.Timings = *req.Timings
	return gen, resp, nil
}

func (e *Engine) withGenerationDefaults(params inference.Params) inference.Params {
	if params.System == "" {
		params.System = e.generation.System
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = e.generation.MaxTokens
	}
	if params.Temperature <= 0 {
		params.Temperature = e.generation.Temperature
	}
	return params
}

func (g *Generation) stats() pii.Stats {
	if g == nil || g.Anonymized == nil {
		return pii.Stats{}
	}
	return g.Anonymized.Stats
}

func (g *Generation) placeholders() []string {
	if g == nil {
		return nil
	}
	return g.Anonymized.Placeholders()
}

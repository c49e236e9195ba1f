// Package audit records one sanitized event per pipeline run and delivers it
// asynchronously to file and webhook sinks. Events carry entity types,
// counts, placeholders and timings; they never carry original values.
package audit

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/lexanon/internal/inference"
	"github.com/straja-ai/lexanon/internal/pii"
	"github.com/straja-ai/lexanon/internal/redact"
)

const eventVersion = "1"

// Operation names the pipeline entry point that produced an event.
type Operation string

const (
	OpAnonymize Operation = "anonymize"
	OpRehydrate Operation = "rehydrate"
	OpGenerate  Operation = "generate"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type EntitySummary struct {
	Candidates int                    `json:"candidates"`
	Filtered   int                    `json:"filtered"`
	Accepted   int                    `json:"accepted"`
	ByType     map[pii.EntityType]int `json:"by_type,omitempty"`
}

type WarningEntry struct {
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type GenerationInfo struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	LatencyMs        float64 `json:"latency_ms"`
}

// Event is the canonical audit payload.
type Event struct {
	Version               string             `json:"version"`
	Timestamp             time.Time          `json:"timestamp"`
	RunID                 string             `json:"run_id"`
	Operation             Operation          `json:"operation"`
	Outcome               string             `json:"outcome"`
	Error                 string             `json:"error,omitempty"`
	LibraryVersion        string             `json:"library_version,omitempty"`
	InputBytes            int                `json:"input_bytes"`
	Entities              EntitySummary      `json:"entities"`
	Placeholders          []string           `json:"placeholders,omitempty"`
	Degraded              bool               `json:"degraded"`
	Warnings              []WarningEntry     `json:"warnings,omitempty"`
	RehydrationMismatches int                `json:"rehydration_mismatches"`
	Generation            *GenerationInfo    `json:"generation,omitempty"`
	TimingMs              map[string]float64 `json:"timing_ms,omitempty"`
}

// BuildParams collects inputs needed to assemble an audit event.
type BuildParams struct {
	RunID          string
	Operation      Operation
	LibraryVersion string
	InputBytes     int
	Stats          pii.Stats
	Placeholders   []string
	Err            error

	ProviderName string
	Request      *inference.Request
	Response     *inference.Response
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// BuildEvent assembles an event. Free text (errors, warning details) passes
// through redaction before it is stored.
func BuildEvent(params BuildParams) *Event {
	ev := &Event{
		Version:        eventVersion,
		Timestamp:      time.Now().UTC(),
		RunID:          ensureRunID(params.RunID),
		Operation:      params.Operation,
		Outcome:        OutcomeOK,
		LibraryVersion: params.LibraryVersion,
		InputBytes:     params.InputBytes,
		Entities: EntitySummary{
			Candidates: params.Stats.Candidates,
			Filtered:   params.Stats.Filtered,
			Accepted:   params.Stats.Accepted,
			ByType:     cloneCounts(params.Stats.ByType),
		},
		Placeholders:          sortedCopy(params.Placeholders),
		Degraded:              params.Stats.Degraded,
		RehydrationMismatches: params.Stats.RehydrationMismatches,
		TimingMs:              durationsMillis(params.Stats.Durations),
	}
	if params.Err != nil {
		ev.Outcome = OutcomeError
		ev.Error = redact.String(params.Err.Error())
	}
	for _, w := range params.Stats.Warnings {
		ev.Warnings = append(ev.Warnings, WarningEntry{
			Kind:   w.Kind,
			Source: w.Source,
			Detail: redact.String(w.Detail),
		})
	}

	if params.ProviderName != "" || params.Response != nil {
		gen := &GenerationInfo{Provider: redact.String(params.ProviderName)}
		if params.Request != nil {
			gen.Model = strings.TrimSpace(params.Request.Model)
			if gen.Model == "" {
				gen.Model = params.Request.Params.Model
			}
			gen.Model = redact.String(gen.Model)
			if params.Request.Timings != nil {
				gen.LatencyMs = durationMillis(params.Request.Timings.Provider)
			}
		}
		if params.Response != nil {
			gen.PromptTokens = params.Response.Usage.PromptTokens
			gen.CompletionTokens = params.Response.Usage.CompletionTokens
		}
		ev.Generation = gen
	}
	return ev
}

// LogEvent prints a redacted JSON representation of the audit event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("audit: failed to marshal event: %v", err)
		return
	}
	redact.Logf("audit: %s", string(data))
}

func ensureRunID(id string) string {
	if id != "" {
		return id
	}
	return NewRunID()
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func durationsMillis(in map[string]time.Duration) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = durationMillis(v)
	}
	return out
}

func cloneCounts(in map[pii.EntityType]int) map[pii.EntityType]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[pii.EntityType]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

package pii

import (
	"errors"
	"time"
)

// Warning kinds recorded in Stats.
const (
	WarnDetection           = "detection_error"
	WarnOracleUnavailable   = "oracle_unavailable"
	WarnRehydrationMismatch = "rehydration_mismatch"
	WarnInvalidSpan         = "invalid_span"
	WarnResolveBudget       = "resolve_budget_exhausted"
)

// Warning is a soft failure recorded during a run. Detail never carries
// original PII text.
type Warning struct {
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WarningFromError classifies err into a Warning.
func WarningFromError(source string, err error) Warning {
	kind := WarnDetection
	switch {
	case errors.Is(err, ErrOracleUnavailable):
		kind = WarnOracleUnavailable
	case errors.Is(err, ErrRehydrationMismatch):
		kind = WarnRehydrationMismatch
	}
	return Warning{Kind: kind, Source: source, Detail: err.Error()}
}

// Stats summarizes one anonymization run.
type Stats struct {
	Candidates            int                      `json:"candidates"`
	Filtered              int                      `json:"filtered"`
	Accepted              int                      `json:"accepted"`
	ByType                map[EntityType]int       `json:"by_type,omitempty"`
	Degraded              bool                     `json:"degraded"`
	Warnings              []Warning                `json:"warnings,omitempty"`
	RehydrationMismatches int                      `json:"rehydration_mismatches,omitempty"`
	Durations             map[string]time.Duration `json:"durations_ns,omitempty"`
}

// Warn appends a warning.
func (s *Stats) Warn(w Warning) {
	s.Warnings = append(s.Warnings, w)
	if w.Kind == WarnRehydrationMismatch {
		s.RehydrationMismatches++
	}
}

// Count records an accepted entity of type t.
func (s *Stats) Count(t EntityType) {
	if s.ByType == nil {
		s.ByType = make(map[EntityType]int)
	}
	s.ByType[t]++
	s.Accepted++
}

// Observe records how long a pipeline stage took.
func (s *Stats) Observe(stage string, d time.Duration) {
	if s.Durations == nil {
		s.Durations = make(map[string]time.Duration)
	}
	s.Durations[stage] += d
}

// WarningsOf returns the warnings of the given kind.
func (s *Stats) WarningsOf(kind string) []Warning {
	var out []Warning
	for _, w := range s.Warnings {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

// Package ner provides named-entity recognizers used as an opaque oracle by
// the span detector. Implementations return raw labelled byte spans; mapping
// labels onto entity types is the pattern library's job.
package ner

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the oracle cannot serve a request. The
// detector treats it as a recoverable failure and continues regex-only.
var ErrUnavailable = errors.New("ner: oracle unavailable")

// Span is a labelled byte range [Start, End) in the input text.
type Span struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Score float64 `json:"score,omitempty"`
}

// Oracle recognizes person, organization and location spans.
type Oracle interface {
	Recognize(ctx context.Context, text string) ([]Span, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, text string) ([]Span, error)

func (f OracleFunc) Recognize(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

// Noop never finds anything. It is used when no recognizer is configured.
type Noop struct{}

func (Noop) Recognize(context.Context, string) ([]Span, error) { return nil, nil }

package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures HTTPOracle.
type HTTPConfig struct {
	Endpoint         string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
	// RuneOffsets indicates the service reports code point offsets instead of
	// byte offsets. They are converted before returning.
	RuneOffsets bool
}

// HTTPOracle calls a recognizer service over JSON:
//
//	POST {"text": "..."} → {"entities": [{"start":0,"end":4,"label":"PER","score":0.9}]}
type HTTPOracle struct {
	endpoint         string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
	runeOffsets      bool
}

// NewHTTPOracle builds an HTTP oracle.
func NewHTTPOracle(cfg HTTPConfig) (*HTTPOracle, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("ner http: endpoint must be set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return &HTTPOracle{
		endpoint:         endpoint,
		apiKey:           cfg.APIKey,
		maxResponseBytes: maxBytes,
		runeOffsets:      cfg.RuneOffsets,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type recognizeRequest struct {
	Text string `json:"text"`
}

type recognizeResponse struct {
	Entities []Span `json:"entities"`
}

// Recognize implements Oracle. Transport and status failures wrap
// ErrUnavailable.
func (o *HTTPOracle) Recognize(ctx context.Context, text string) ([]Span, error) {
	body, err := json.Marshal(recognizeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal ner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: call ner service: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, o.maxResponseBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: read ner response: %v", ErrUnavailable, err)
	}
	if int64(len(respBody)) > o.maxResponseBytes {
		return nil, fmt.Errorf("%w: ner response exceeded limit (%d bytes)", ErrUnavailable, o.maxResponseBytes)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: ner service status %d", ErrUnavailable, resp.StatusCode)
	}

	var out recognizeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: decode ner response: %v", ErrUnavailable, err)
	}
	if o.runeOffsets {
		return runeSpansToBytes(text, out.Entities), nil
	}
	return out.Entities, nil
}

// runeSpansToBytes converts code point offsets to byte offsets. Spans that
// fall outside the text are passed through unchanged so the detector can
// reject them.
func runeSpansToBytes(text string, spans []Span) []Span {
	if len(spans) == 0 {
		return spans
	}
	// byteAt[i] is the byte offset of rune i; the final entry is len(text).
	byteAt := make([]int, 0, len(text)+1)
	for i := range text {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(text))

	out := make([]Span, len(spans))
	for i, s := range spans {
		out[i] = s
		if s.Start >= 0 && s.End >= s.Start && s.End < len(byteAt) {
			out[i].Start = byteAt[s.Start]
			out[i].End = byteAt[s.End]
		}
	}
	return out
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/straja-ai/lexanon/internal/redact"
)

const (
	headerRunID     = "X-Lexanon-Run-Id"
	headerOperation = "X-Lexanon-Operation"
	maxErrorBody    = 200
)

// WebhookSink POSTs each event as JSON. Transport errors, 429 and 5xx answers
// are retried with backoff; other statuses fail at once.
type WebhookSink struct {
	url     string
	headers http.Header
	client  *http.Client
	backoff []time.Duration
}

// NewWebhookSink posts to url with the given extra headers. timeout bounds a
// single attempt and defaults to two seconds.
func NewWebhookSink(url string, headers map[string]string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.New("audit webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h := make(http.Header, len(headers)+1)
	for k, v := range headers {
		h.Set(k, v)
	}
	h.Set("Content-Type", "application/json")
	return &WebhookSink{
		url:     url,
		headers: h,
		client:  &http.Client{Timeout: timeout},
		backoff: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook:" + redact.String(s.url) }

func (s *WebhookSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", ev.RunID, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		retry, err := s.post(ctx, ev, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt >= len(s.backoff) {
			return lastErr
		}
		t := time.NewTimer(s.backoff[attempt])
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// post makes one attempt and reports whether a failure is worth retrying.
func (s *WebhookSink) post(ctx context.Context, ev *Event, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header = s.headers.Clone()
	req.Header.Set(headerRunID, ev.RunID)
	req.Header.Set(headerOperation, string(ev.Operation))

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if len(body) > maxErrorBody {
		body = append(body[:maxErrorBody], "..."...)
	}
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, fmt.Errorf("status %d body=%q", resp.StatusCode, redact.String(string(body)))
}

func (s *WebhookSink) Close(context.Context) error { return nil }

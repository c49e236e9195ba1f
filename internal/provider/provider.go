package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/straja-ai/lexanon/internal/inference"
)

// ErrTimeout is returned when the generation service does not answer within
// the caller's deadline. It is recoverable: the anonymized text is intact.
var ErrTimeout = errors.New("generation service timed out")

// Provider is the interface for all upstream generation services.
type Provider interface {
	ChatCompletion(ctx context.Context, req *inference.Request) (*inference.Response, error)
}

// Complete sends prompt as a single user message and returns the reply text.
func Complete(ctx context.Context, p Provider, prompt string, params inference.Params) (string, error) {
	resp, err := Send(ctx, p, prompt, params)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Send is Complete returning the full response, usage included.
func Send(ctx context.Context, p Provider, prompt string, params inference.Params) (*inference.Response, error) {
	if p == nil {
		return nil, errors.New("provider: nil provider")
	}
	var msgs []inference.Message
	if strings.TrimSpace(params.System) != "" {
		msgs = append(msgs, inference.Message{Role: "system", Content: params.System})
	}
	msgs = append(msgs, inference.Message{Role: "user", Content: prompt})

	resp, err := p.ChatCompletion(ctx, &inference.Request{
		Model:    params.Model,
		Params:   params,
		Messages: msgs,
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp == nil {
		return nil, errors.New("provider: empty response")
	}
	return resp, nil
}

// classify maps deadline errors onto ErrTimeout and keeps the cause.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

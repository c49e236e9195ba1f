package provider

import (
	"context"

	"github.com/straja-ai/lexanon/internal/inference"
)

// FakeProvider answers with a fixed text, an error, or the result of Func.
type FakeProvider struct {
	ResponseText string
	Error        error
	// Func, when set, computes the reply from the request.
	Func func(ctx context.Context, req *inference.Request) (string, error)

	// LastRequest is the most recent request seen.
	LastRequest *inference.Request
}

func (f *FakeProvider) ChatCompletion(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	f.LastRequest = req
	if f.Error != nil {
		return nil, f.Error
	}

	text := f.ResponseText
	if f.Func != nil {
		out, err := f.Func(ctx, req)
		if err != nil {
			return nil, err
		}
		text = out
	}

	return &inference.Response{
		Message: inference.Message{
			Role:    "assistant",
			Content: text,
		},
		Usage: inference.Usage{
			PromptTokens:     2,
			CompletionTokens: 3,
			TotalTokens:      5,
		},
	}, nil
}

func NewFake(response string) *FakeProvider {
	return &FakeProvider{ResponseText: response}
}

// NewEcho returns a fake that replies with the last user message unchanged.
func NewEcho() *FakeProvider {
	return &FakeProvider{Func: func(ctx context.Context, req *inference.Request) (string, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				return req.Messages[i].Content, nil
			}
		}
		return "", nil
	}}
}

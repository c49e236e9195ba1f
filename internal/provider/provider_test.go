package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/inference"
)

func TestCompleteWithFake(t *testing.T) {
	fake := NewEcho()
	out, err := Complete(context.Background(), fake, "Bitte fasse [PERSON_NAME_1] zusammen.", inference.Params{System: "Sei knapp."})
	require.NoError(t, err)
	assert.Equal(t, "Bitte fasse [PERSON_NAME_1] zusammen.", out)

	require.NotNil(t, fake.LastRequest)
	require.Len(t, fake.LastRequest.Messages, 2)
	assert.Equal(t, "system", fake.LastRequest.Messages[0].Role)
}

func TestCompleteErrors(t *testing.T) {
	_, err := Complete(context.Background(), nil, "x", inference.Params{})
	require.Error(t, err)

	boom := errors.New("boom")
	_, err = Complete(context.Background(), &FakeProvider{Error: boom}, "x", inference.Params{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)

	_, err = Complete(context.Background(), &FakeProvider{Error: context.DeadlineExceeded}, "x", inference.Params{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOpenAIChatCompletion(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": "Antwort an [PERSON_NAME_1]"},
			}},
			"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 5, "total_tokens": 9},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL+"/v1/", "sk-test", "gpt-test", time.Second, 0)
	resp, err := p.ChatCompletion(context.Background(), &inference.Request{
		Params:   inference.Params{MaxTokens: 64, Temperature: 0.2},
		Messages: []inference.Message{{Role: "user", Content: "Hallo [PERSON_NAME_1]"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Antwort an [PERSON_NAME_1]", resp.Message.Content)
	assert.Equal(t, 9, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL, "", "m", time.Second, 0)
	_, err := p.ChatCompletion(context.Background(), &inference.Request{
		Messages: []inference.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAIResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI(srv.URL, "", "m", time.Second, 16)
	_, err := p.ChatCompletion(context.Background(), &inference.Request{
		Messages: []inference.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded limit")
}

func TestOpenAITimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAI(srv.URL, "", "m", 50*time.Millisecond, 0)
	_, err := p.ChatCompletion(context.Background(), &inference.Request{
		Messages: []inference.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

type stubBedrock struct {
	output    *bedrockruntime.InvokeModelOutput
	err       error
	lastInput *bedrockruntime.InvokeModelInput
}

func (s *stubBedrock) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func TestBedrockChatCompletion(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": "Sehr geehrte "}, {"type": "text", "text": "Person A"}},
		"usage":   map[string]int{"input_tokens": 10, "output_tokens": 4},
	})
	require.NoError(t, err)
	client := &stubBedrock{output: &bedrockruntime.InvokeModelOutput{Body: body}}

	p, err := NewBedrockWithClient(client, BedrockConfig{ModelID: "anthropic.claude-test"})
	require.NoError(t, err)

	out, err := Complete(context.Background(), p, "Schreibe an Person A.", inference.Params{System: "Formell.", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "Sehr geehrte Person A", out)

	require.NotNil(t, client.lastInput)
	assert.Equal(t, "anthropic.claude-test", *client.lastInput.ModelId)
	var sent bedrockRequest
	require.NoError(t, json.Unmarshal(client.lastInput.Body, &sent))
	assert.Equal(t, "Formell.", sent.System)
	assert.Equal(t, 100, sent.MaxTokens)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "user", sent.Messages[0].Role)
}

func TestBedrockErrors(t *testing.T) {
	_, err := NewBedrockWithClient(nil, BedrockConfig{ModelID: "m"})
	require.Error(t, err)
	_, err = NewBedrockWithClient(&stubBedrock{}, BedrockConfig{})
	require.Error(t, err)

	p, err := NewBedrockWithClient(&stubBedrock{err: context.DeadlineExceeded}, BedrockConfig{ModelID: "m"})
	require.NoError(t, err)
	_, err = p.ChatCompletion(context.Background(), &inference.Request{Messages: []inference.Message{{Role: "user", Content: "x"}}})
	assert.ErrorIs(t, err, ErrTimeout)

	p, err = NewBedrockWithClient(&stubBedrock{output: &bedrockruntime.InvokeModelOutput{Body: []byte("{")}}, BedrockConfig{ModelID: "m"})
	require.NoError(t, err)
	_, err = p.ChatCompletion(context.Background(), &inference.Request{Messages: []inference.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)

	_, err = p.ChatCompletion(context.Background(), &inference.Request{Messages: []inference.Message{{Role: "system", Content: "only"}}})
	require.Error(t, err)
}

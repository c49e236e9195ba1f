package mockprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/lexanon/internal/inference"
	"github.com/straja-ai/lexanon/internal/provider"
)

func start(t *testing.T, opts Options) string {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	shutdown, baseURL, err := Start(opts)
	if err != nil {
		t.Skipf("start mock provider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	return baseURL
}

func TestMockProviderEchoes(t *testing.T) {
	baseURL := start(t, Options{})

	payload := []byte(`{"model":"mock-llm","messages":[{"role":"system","content":"sys"},{"role":"user","content":"Hallo Person A"}]}`)
	resp, err := http.Post(baseURL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Role    string `json:"role"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.ID)
	require.NotEmpty(t, body.Choices)
	assert.Equal(t, "Hallo Person A", body.Choices[0].Message.Content)
}

func TestMockProviderHallucinatesThroughOpenAIClient(t *testing.T) {
	baseURL := start(t, Options{Hallucinate: "[PERSON_NAME_9]"})

	p := provider.NewOpenAI(baseURL+"/v1", "", "mock-llm", 2*time.Second, 0)
	out, err := provider.Complete(context.Background(), p, "Antwort an [PERSON_NAME_1]", inference.Params{})
	require.NoError(t, err)
	assert.Equal(t, "Antwort an [PERSON_NAME_1] [PERSON_NAME_9]", out)
}

func TestMockProviderRejectsBadJSON(t *testing.T) {
	baseURL := start(t, Options{})
	resp, err := http.Post(baseURL+"/chat/completions", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMockProviderNotFound(t *testing.T) {
	baseURL := start(t, Options{})
	resp, err := http.Get(baseURL + "/v1/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	models, err := http.Get(baseURL + "/v1/models")
	require.NoError(t, err)
	defer models.Body.Close()
	assert.Equal(t, http.StatusOK, models.StatusCode)
}

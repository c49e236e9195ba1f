package inference

import "time"

// Message is a normalized representation of a chat message.
type Message struct {
	Role    string
	Content string
}

// Params are the generation settings forwarded to the provider. Zero values
// leave the provider default in place.
type Params struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Request represents a normalized generation request. Message content must
// already be anonymized; providers never see originals.
type Request struct {
	RunID    string
	Model    string
	Params   Params
	Messages []Message
	// Timings captures per-stage latency for debugging/observability.
	Timings *Timings
}

// Usage holds token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response represents a normalized inference response.
type Response struct {
	Message Message
	Usage   Usage
}

// Timings holds latency measurements for the stages of a generate cycle.
type Timings struct {
	Anonymize  time.Duration
	Naturalize time.Duration
	Provider   time.Duration
	Rehydrate  time.Duration
}

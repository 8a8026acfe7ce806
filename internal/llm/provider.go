// Package llm abstracts the chat-completion providers used to judge
// scenario runs, plus decorators (rate limiting, fault injection) and a
// mock for tests.
package llm

import "context"

// Message is a single chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one chat completion call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// CompletionResponse holds a provider's reply plus usage accounting.
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	DurationMS   int64
}

// Provider is a chat-completion backend. Complete must honor ctx
// cancellation; the judge supplies the deadline.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the interface for chat/completion requests.
type LLMClient interface {
	// Chat sends a non-streaming chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openai").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"` // For vision models (sent as data URLs)
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     time.Duration
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	Content string `json:"content"`

	// RawResponse is the provider's response body, kept so usage can be
	// recovered from provider specific shapes.
	RawResponse json.RawMessage `json:"raw_response,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
}

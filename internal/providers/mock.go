package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	FailFirst    int // Fail the first N requests, then succeed
	Err          error
	ResponseText string

	// State
	requestCount atomic.Int64
	mu           sync.Mutex
	lastRequest  *ChatRequest
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Latency:      10 * time.Millisecond,
		ResponseText: "mock response",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Chat sends a mock chat request.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()

	if c.ShouldFail {
		return nil, c.failure("mock client configured to fail")
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		return nil, c.failure(fmt.Sprintf("mock client failed after %d requests", c.FailAfter))
	}
	if c.FailFirst > 0 && int(count) <= c.FailFirst {
		return nil, c.failure(fmt.Sprintf("mock client failing request %d of %d", count, c.FailFirst))
	}

	// Simulate latency
	select {
	case <-time.After(c.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Simulate token counting
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(m.Content)/4 + len(m.Images)*85
	}
	completionTokens := len(c.ResponseText) / 4

	raw := fmt.Sprintf(`{"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, promptTokens, completionTokens)
	return &ChatResult{
		Content:          c.ResponseText,
		RawResponse:      []byte(raw),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		ExecutionTime:    time.Since(start),
		Provider:         MockClientName,
		ModelUsed:        req.Model,
	}, nil
}

func (c *MockClient) failure(msg string) error {
	if c.Err != nil {
		return c.Err
	}
	return errors.New(msg)
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// LastRequest returns the most recent request, or nil.
func (c *MockClient) LastRequest() *ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

// Reset resets the request counter.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
}

var _ LLMClient = (*MockClient)(nil)

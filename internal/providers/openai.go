package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName        = "openai"
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat client.
// OpenRouter and other compatible gateways use the same client with a BaseURL.
type OpenAIConfig struct {
	Name       string // Registry name, defaults to "openai"
	APIKey     string
	Model      string        // Default model when a request names none
	BaseURL    string        // Optional (OpenRouter, tests)
	RateLimit  int           // Requests per minute
	MaxRetries int           // Retry attempts for SDK transport
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	cfg     OpenAIConfig
	limiter *RateLimiter
	client  openai.Client
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = OpenAIName
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
		client:  openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return c.cfg.Name
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.cfg.Model
}

// Limiter exposes the client's rate limiter.
func (c *OpenAIClient) Limiter() *RateLimiter {
	return c.limiter
}

// Chat sends a non-streaming chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("chat request has no messages")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.mapError(err)
	}

	result := &ChatResult{
		RawResponse:   json.RawMessage(resp.RawJSON()),
		ExecutionTime: time.Since(start),
		Provider:      c.cfg.Name,
		ModelUsed:     resp.Model,
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
	}

	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		// Some compatible gateways report usage in a different shape.
		u := UsageFromRaw(result.RawResponse)
		result.PromptTokens = u.InputTokens
		result.CompletionTokens = u.OutputTokens
		result.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return result, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, openai.TextContentPart(m.Content))
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: ImageDataURL(img),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

// ImageDataURL encodes an image as a base64 data URL, sniffing its MIME type.
func ImageDataURL(img []byte) string {
	mime := http.DetectContentType(img)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}

func (c *OpenAIClient) mapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s request failed: %w", c.cfg.Name, err)
	}

	// Quota exhaustion is also sent as 429 but will not clear up on retry.
	if apiErr.Code == "insufficient_quota" {
		return &APIError{Provider: c.cfg.Name, StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		c.limiter.Record429(retryAfter)
		return &RateLimitError{
			Message:    fmt.Sprintf("%s rate limited: %s", c.cfg.Name, apiErr.Message),
			RetryAfter: retryAfter,
			StatusCode: apiErr.StatusCode,
		}
	}
	return &APIError{Provider: c.cfg.Name, StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
}

var _ LLMClient = (*OpenAIClient)(nil)

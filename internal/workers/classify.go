package workers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/jackzampolin/folio/internal/providers"
)

// Category is the failure class of a page conversion.
type Category string

const (
	CategoryNetwork      Category = "network"
	CategoryRateLimit    Category = "rate_limit"
	CategoryQuota        Category = "quota_exceeded"
	CategoryConfig       Category = "config"
	CategoryFileNotFound Category = "file_not_found"
	CategoryTimeout      Category = "timeout"
	CategoryLLM          Category = "llm"
	CategoryUnknown      Category = "unknown"
)

// Retryable reports whether another attempt could succeed.
func (c Category) Retryable() bool {
	switch c {
	case CategoryQuota, CategoryConfig, CategoryFileNotFound:
		return false
	}
	return true
}

// Classifier maps a conversion error to a Category.
type Classifier func(error) Category

// ConversionError is a classified conversion failure.
type ConversionError struct {
	Category Category
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *ConversionError) Retryable() bool { return e.Category.Retryable() }

// DefaultClassifier inspects structured provider and system errors first and
// falls back to matching the error text.
func DefaultClassifier(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if c, ok := classifyStructured(err); ok {
		return c
	}
	return classifyMessage(err.Error())
}

func classifyStructured(err error) (Category, bool) {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == "insufficient_quota" || apiErr.StatusCode == http.StatusPaymentRequired:
			return CategoryQuota, true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return CategoryRateLimit, true
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden,
			apiErr.Code == "invalid_api_key" || apiErr.Code == "model_not_found",
			apiErr.StatusCode == http.StatusNotFound:
			return CategoryConfig, true
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return CategoryTimeout, true
		case apiErr.StatusCode >= 500:
			return CategoryLLM, true
		}
	}
	if _, ok := providers.IsRateLimitError(err); ok {
		return CategoryRateLimit, true
	}
	if errors.Is(err, providers.ErrProviderNotFound) {
		return CategoryConfig, true
	}
	if errors.Is(err, os.ErrNotExist) {
		return CategoryFileNotFound, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, true
		}
		return CategoryNetwork, true
	}
	if errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooLong) {
		return CategoryLLM, true
	}
	return "", false
}

// Narrow categories come first: quota errors usually also say 429, and
// almost every provider error mentions the model or the API. Words are
// matched on word boundaries so status codes do not hit inside token counts.
var messagePatterns = []struct {
	category Category
	needles  []string
	words    *regexp.Regexp
}{
	{CategoryQuota, []string{"insufficient_quota", "quota exceeded", "exceeded your current quota", "billing", "payment required", "insufficient credits"}, nil},
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "ratelimit", "too many requests"}, words("429")},
	{CategoryConfig, []string{"invalid_api_key", "invalid api key", "incorrect api key", "unauthorized", "forbidden", "authentication", "model_not_found", "model not found", "unknown model", "provider not found"}, words("401", "403")},
	{CategoryFileNotFound, []string{"no such file", "enoent", "file not found"}, nil},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded", "etimedout"}, nil},
	{CategoryNetwork, []string{"connection refused", "connection reset", "econnrefused", "econnreset", "no such host", "network", "broken pipe", "socket hang up", "tls handshake"}, words("eof")},
	{CategoryLLM, []string{"internal server error", "bad gateway", "service unavailable", "overloaded", "model", "completion", "api error"}, words("500", "502", "503", "504")},
}

func words(w ...string) *regexp.Regexp {
	return regexp.MustCompile(`\b(` + strings.Join(w, "|") + `)\b`)
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.category
			}
		}
		if p.words != nil && p.words.MatchString(msg) {
			return p.category
		}
	}
	return CategoryUnknown
}

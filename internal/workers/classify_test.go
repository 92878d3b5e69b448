package workers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/providers"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"429 text", errors.New("request failed: 429"), CategoryRateLimit},
		{"rate limit text", errors.New("Rate limit reached for requests"), CategoryRateLimit},
		{"quota text", errors.New("insufficient_quota"), CategoryQuota},
		{"quota wins over 429", errors.New("429: You exceeded your current quota"), CategoryQuota},
		{"auth text", errors.New("401 Unauthorized"), CategoryConfig},
		{"timeout text", errors.New("request timed out"), CategoryTimeout},
		{"network text", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"server text", errors.New("502 bad gateway"), CategoryLLM},
		{"unknown", errors.New("something odd"), CategoryUnknown},
		{"code inside token count", errors.New("request exceeds context: 14013 tokens"), CategoryUnknown},
		{"429 inside larger number", errors.New("code 4291 tokens"), CategoryUnknown},
		{"eof inside word", errors.New("the thereof clause"), CategoryUnknown},
		{"unexpected eof", errors.New("read body: unexpected EOF"), CategoryNetwork},
		{"status prefix", errors.New("status 429: slow down"), CategoryRateLimit},
		{"rate limited", errors.New("you are being rate limited"), CategoryRateLimit},
		{"503 with suffix", errors.New("upstream returned 503."), CategoryLLM},
		{"nil", nil, CategoryUnknown},

		{"rate limit error", &providers.RateLimitError{Message: "slow down", RetryAfter: time.Second}, CategoryRateLimit},
		{"api quota code", &providers.APIError{Provider: "openai", StatusCode: 429, Code: "insufficient_quota"}, CategoryQuota},
		{"api 401", &providers.APIError{Provider: "openai", StatusCode: 401}, CategoryConfig},
		{"api 500", &providers.APIError{Provider: "openai", StatusCode: 500}, CategoryLLM},
		{"provider not found", fmt.Errorf("lookup: %w", providers.ErrProviderNotFound), CategoryConfig},
		{"missing file", fmt.Errorf("read: %w", os.ErrNotExist), CategoryFileNotFound},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, CategoryTimeout},
		{"empty content", ErrEmptyContent, CategoryLLM},
		{"too long", fmt.Errorf("%w: 20 > 10", ErrContentTooLong), CategoryLLM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("DefaultClassifier(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategory_Retryable(t *testing.T) {
	retryable := []Category{CategoryNetwork, CategoryRateLimit, CategoryTimeout, CategoryLLM, CategoryUnknown}
	permanent := []Category{CategoryQuota, CategoryConfig, CategoryFileNotFound}

	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
	for _, c := range permanent {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestConversionError(t *testing.T) {
	cause := &providers.RateLimitError{Message: "slow down", RetryAfter: 2 * time.Second}
	err := &ConversionError{Category: CategoryRateLimit, Err: cause}

	if !strings.HasPrefix(err.Error(), "rate_limit: ") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if rle, ok := providers.IsRateLimitError(err); !ok || rle.RetryAfter != 2*time.Second {
		t.Errorf("expected wrapped rate limit error to unwrap")
	}
	if !err.Retryable() {
		t.Error("expected retryable")
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	tests := []struct {
		name        string
		attempt     int
		rateLimited bool
		jitter      float64
		want        time.Duration
	}{
		{"first attempt", 0, false, 0, time.Second},
		{"doubles", 2, false, 0, 4 * time.Second},
		{"rate limited doubles again", 1, true, 0, 4 * time.Second},
		{"jitter stretches", 0, false, 0.25, 1250 * time.Millisecond},
		{"capped", 10, false, 0, MaxBackoff},
		{"huge attempt", 5000, true, 0.2, MaxBackoff},
		{"negative attempt", -1, false, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(base, tt.attempt, tt.rateLimited, tt.jitter); got != tt.want {
				t.Errorf("Backoff = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConverter_RetryDelayHonorsRetryAfter(t *testing.T) {
	w := &ConverterWorker{cfg: ConverterConfig{RetryBase: time.Millisecond}}

	long := &ConversionError{Category: CategoryRateLimit, Err: &providers.RateLimitError{RetryAfter: 5 * time.Second}}
	if d := w.retryDelay(0, long); d != 5*time.Second {
		t.Errorf("expected Retry-After to win, got %v", d)
	}

	huge := &ConversionError{Category: CategoryRateLimit, Err: &providers.RateLimitError{RetryAfter: time.Hour}}
	if d := w.retryDelay(0, huge); d != MaxBackoff {
		t.Errorf("expected cap, got %v", d)
	}

	plain := &ConversionError{Category: CategoryNetwork, Err: errors.New("reset")}
	if d := w.retryDelay(0, plain); d < time.Millisecond || d >= 2*time.Millisecond {
		t.Errorf("expected base delay with jitter, got %v", d)
	}
}

func TestCleanContent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		maxLen  int
		want    string
		wantErr error
	}{
		{"plain", "# Title\n\nBody", 0, "# Title\n\nBody", nil},
		{"markdown fence", "```markdown\n# Title\n```", 0, "# Title", nil},
		{"bare fence", "```\nBody\n```\n", 0, "Body", nil},
		{"whitespace", " \n\t ", 0, "", ErrEmptyContent},
		{"only fences", "```markdown\n```", 0, "", ErrEmptyContent},
		{"too long", "abcdef", 5, "", ErrContentTooLong},
		{"limit counts runes", "héllo", 5, "héllo", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanContent(tt.raw, tt.maxLen)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("CleanContent = %q, want %q", got, tt.want)
			}
		})
	}
}

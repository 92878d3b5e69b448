package config

import "time"

// DefaultPrompt is the system prompt sent with every page image.
const DefaultPrompt = `Convert the provided document page image into clean Markdown.
Preserve headings, lists, tables, emphasis and reading order.
Render tables as GitHub-flavored Markdown tables and formulas as LaTeX.
Do not describe the page and do not wrap the output in code fences.
Return only the Markdown content of the page.`

// Config holds folio configuration.
// Stored at: ~/.folio/config.yaml
type Config struct {
	LogLevel   string                 `mapstructure:"log_level" yaml:"log_level"`
	Database   DatabaseCfg            `mapstructure:"database" yaml:"database"`
	Workers    WorkersCfg             `mapstructure:"workers" yaml:"workers"`
	Conversion ConversionCfg          `mapstructure:"conversion" yaml:"conversion"`
	Providers  map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Defaults   DefaultsCfg            `mapstructure:"defaults" yaml:"defaults"`
	Events     EventsCfg              `mapstructure:"events" yaml:"events"`
}

// DatabaseCfg selects the relational store.
type DatabaseCfg struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn" yaml:"dsn"`       // empty = ~/.folio/folio.db for sqlite3
}

// WorkersCfg sizes the worker pool and its polling cadence.
type WorkersCfg struct {
	Converters    int `mapstructure:"converters" yaml:"converters"`
	SplitPollMS   int `mapstructure:"split_poll_ms" yaml:"split_poll_ms"`
	ConvertPollMS int `mapstructure:"convert_poll_ms" yaml:"convert_poll_ms"`
	MergePollMS   int `mapstructure:"merge_poll_ms" yaml:"merge_poll_ms"`
	ClaimAttempts int `mapstructure:"claim_attempts" yaml:"claim_attempts"`
}

// ConversionCfg controls per-page conversion.
type ConversionCfg struct {
	MaxRetries       int    `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseMS      int    `mapstructure:"retry_base_ms" yaml:"retry_base_ms"`
	MaxContentLength int    `mapstructure:"max_content_length" yaml:"max_content_length"` // runes
	DPI              int    `mapstructure:"dpi" yaml:"dpi"`
	Prompt           string `mapstructure:"prompt" yaml:"prompt"`
}

// ProviderCfg configures an OpenAI-compatible vision provider.
type ProviderCfg struct {
	Type           string `mapstructure:"type" yaml:"type"`         // "openai", "openrouter", "mock"
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"` // optional override
	Model          string `mapstructure:"model" yaml:"model"`       // default model
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`   // supports ${ENV_VAR} syntax
	RateLimit      int    `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per minute
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"` // SDK transport retries
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg specifies what a submission uses when it names no provider.
type DefaultsCfg struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// EventsCfg configures the task event bus.
type EventsCfg struct {
	History     int    `mapstructure:"history" yaml:"history"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"` // empty disables forwarding
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseCfg{
			Driver: "sqlite3",
		},
		Workers: WorkersCfg{
			Converters:    4,
			SplitPollMS:   1000,
			ConvertPollMS: 500,
			MergePollMS:   1000,
			ClaimAttempts: 3,
		},
		Conversion: ConversionCfg{
			MaxRetries:       3,
			RetryBaseMS:      1000,
			MaxContentLength: 100000,
			DPI:              150,
			Prompt:           DefaultPrompt,
		},
		Providers: map[string]ProviderCfg{
			"openai": {
				Type:           "openai",
				Model:          "gpt-4o-mini",
				APIKey:         "${OPENAI_API_KEY}",
				RateLimit:      500,
				TimeoutSeconds: 300,
				MaxRetries:     2,
				Enabled:        true,
			},
			"openrouter": {
				Type:           "openrouter",
				Model:          "google/gemini-2.5-flash",
				APIKey:         "${OPENROUTER_API_KEY}",
				RateLimit:      150,
				TimeoutSeconds: 300,
				MaxRetries:     2,
				Enabled:        true,
			},
		},
		Defaults: DefaultsCfg{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Events: EventsCfg{
			History:     1000,
			RedisPrefix: "folio:",
		},
	}
}

// SplitPoll returns the splitter poll interval.
func (w WorkersCfg) SplitPoll() time.Duration { return time.Duration(w.SplitPollMS) * time.Millisecond }

// ConvertPoll returns the converter poll interval.
func (w WorkersCfg) ConvertPoll() time.Duration {
	return time.Duration(w.ConvertPollMS) * time.Millisecond
}

// MergePoll returns the merger poll interval.
func (w WorkersCfg) MergePoll() time.Duration { return time.Duration(w.MergePollMS) * time.Millisecond }

// RetryBase returns the base delay for page retry backoff.
func (c ConversionCfg) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled providers.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/folio/internal/providers"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// cfgFile may be empty, in which case ./config.yaml and homeDir/config.yaml
// are searched and a missing file is not an error.
func NewManager(cfgFile, homeDir string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	setDefaults(cm.v, DefaultConfig())

	// Environment variables with FOLIO_ prefix, e.g. FOLIO_WORKERS_CONVERTERS
	cm.v.SetEnvPrefix("FOLIO")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if homeDir != "" {
			cm.v.AddConfigPath(homeDir)
		} else {
			cm.v.AddConfigPath("$HOME/.folio")
		}
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("workers.converters", d.Workers.Converters)
	v.SetDefault("workers.split_poll_ms", d.Workers.SplitPollMS)
	v.SetDefault("workers.convert_poll_ms", d.Workers.ConvertPollMS)
	v.SetDefault("workers.merge_poll_ms", d.Workers.MergePollMS)
	v.SetDefault("workers.claim_attempts", d.Workers.ClaimAttempts)

	v.SetDefault("conversion.max_retries", d.Conversion.MaxRetries)
	v.SetDefault("conversion.retry_base_ms", d.Conversion.RetryBaseMS)
	v.SetDefault("conversion.max_content_length", d.Conversion.MaxContentLength)
	v.SetDefault("conversion.dpi", d.Conversion.DPI)
	v.SetDefault("conversion.prompt", d.Conversion.Prompt)

	// Nested maps rather than structs so file and env values merge per key.
	for name, p := range d.Providers {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"type", p.Type)
		v.SetDefault(prefix+"base_url", p.BaseURL)
		v.SetDefault(prefix+"model", p.Model)
		v.SetDefault(prefix+"api_key", p.APIKey)
		v.SetDefault(prefix+"rate_limit", p.RateLimit)
		v.SetDefault(prefix+"timeout_seconds", p.TimeoutSeconds)
		v.SetDefault(prefix+"max_retries", p.MaxRetries)
		v.SetDefault(prefix+"enabled", p.Enabled)
	}

	v.SetDefault("defaults.provider", d.Defaults.Provider)
	v.SetDefault("defaults.model", d.Defaults.Model)

	v.SetDefault("events.history", d.Events.History)
	v.SetDefault("events.redis_addr", d.Events.RedisAddr)
	v.SetDefault("events.redis_prefix", d.Events.RedisPrefix)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the worker pool cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	if c.Workers.Converters < 1 {
		return fmt.Errorf("workers.converters must be at least 1, got %d", c.Workers.Converters)
	}
	if c.Conversion.MaxRetries < 0 {
		return fmt.Errorf("conversion.max_retries must not be negative, got %d", c.Conversion.MaxRetries)
	}
	return nil
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
// Invalid edits are logged and the previous config stays active.
func (cm *Manager) WatchConfig(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		Providers: make(map[string]providers.ProviderConfig, len(c.Providers)),
	}
	for name, p := range c.Providers {
		cfg.Providers[name] = providers.ProviderConfig{
			Type:       p.Type,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			APIKey:     ResolveEnvVars(p.APIKey),
			RateLimit:  p.RateLimit,
			Timeout:    time.Duration(p.TimeoutSeconds) * time.Second,
			MaxRetries: p.MaxRetries,
			Enabled:    p.Enabled,
		}
	}
	return cfg
}

// ParseLogLevel maps a config string onto a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Folio configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx OPENROUTER_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

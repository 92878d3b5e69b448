package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the LLM clients available to the pipeline, keyed by provider id.
// It supports config-driven instantiation and hot-reload.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]LLMClient
	configs map[string]ProviderConfig
	logger  *slog.Logger
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	Providers map[string]ProviderConfig
}

// ProviderConfig is one provider entry with its API key already resolved.
type ProviderConfig struct {
	Type       string // "openai", "openrouter", "mock"
	BaseURL    string
	Model      string
	APIKey     string
	RateLimit  int // Requests per minute
	Timeout    time.Duration
	MaxRetries int
	Enabled    bool
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]LLMClient),
		configs: make(map[string]ProviderConfig),
		logger:  slog.Default(),
	}
}

// NewRegistryFromConfig creates a registry with every enabled, usable provider.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a client under name, replacing any existing one.
func (r *Registry) Register(name string, client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	delete(r.configs, name)
	r.logger.Info("registered LLM client", "name", name)
}

// Unregister removes a client.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
	delete(r.configs, name)
}

// Get returns the client for a provider id.
func (r *Registry) Get(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return client, nil
}

// Has reports whether a provider id is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// List returns the registered provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload brings the registry in line with cfg. Providers that are no longer
// configured are removed; providers whose settings changed are recreated.
// Clients registered directly with Register are left alone.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, pc := range cfg.Providers {
		if !pc.Enabled || (pc.APIKey == "" && pc.Type != MockClientName) {
			continue
		}
		want[name] = true

		prev, configured := r.configs[name]
		if configured && prev == pc {
			continue
		}
		client, err := createClient(name, pc)
		if err != nil {
			r.logger.Warn("skipping provider", "name", name, "error", err)
			delete(want, name)
			continue
		}
		r.clients[name] = client
		r.configs[name] = pc
		if configured {
			r.logger.Info("updated LLM client", "name", name, "type", pc.Type)
		} else {
			r.logger.Info("registered LLM client", "name", name, "type", pc.Type)
		}
	}

	for name := range r.configs {
		if !want[name] {
			delete(r.clients, name)
			delete(r.configs, name)
			r.logger.Info("unregistered LLM client", "name", name)
		}
	}
}

func createClient(name string, cfg ProviderConfig) (LLMClient, error) {
	switch cfg.Type {
	case OpenAIName, OpenRouterName:
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Type == OpenRouterName {
			baseURL = OpenRouterBaseURL
		}
		return NewOpenAIClient(OpenAIConfig{
			Name:       name,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    baseURL,
			RateLimit:  cfg.RateLimit,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout,
		}), nil
	case MockClientName:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

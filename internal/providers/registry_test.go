package providers

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()

		r.Register("test-llm", mock)

		client, err := r.Get("test-llm")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}
		if !r.Has("test-llm") {
			t.Error("Has() = false")
		}
	})

	t.Run("get nonexistent", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Get("nonexistent")
		if !errors.Is(err, ErrProviderNotFound) {
			t.Errorf("expected ErrProviderNotFound, got %v", err)
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register("b", NewMockClient())
		r.Register("a", NewMockClient())

		got := r.List()
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("List() = %v", got)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.Register("x", NewMockClient())
		r.Unregister("x")
		if r.Has("x") {
			t.Error("x should be gone")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.Register("m", NewMockClient())
			}()
			go func() {
				defer wg.Done()
				_ = r.List()
				_, _ = r.Get("m")
			}()
		}
		wg.Wait()
	})
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := RegistryConfig{Providers: map[string]ProviderConfig{
		"openai":     {Type: "openai", APIKey: "k1", Model: "gpt-4o-mini", RateLimit: 500, Enabled: true},
		"openrouter": {Type: "openrouter", APIKey: "k2", Model: "google/gemini-2.5-flash", Enabled: true},
		"nokey":      {Type: "openai", Enabled: true},
		"disabled":   {Type: "openai", APIKey: "k3", Enabled: false},
		"mock":       {Type: "mock", Enabled: true},
		"weird":      {Type: "carrier-pigeon", APIKey: "k4", Enabled: true},
	}}

	r := NewRegistryFromConfig(cfg)

	for _, name := range []string{"openai", "openrouter", "mock"} {
		if !r.Has(name) {
			t.Errorf("expected %s to be registered", name)
		}
	}
	for _, name := range []string{"nokey", "disabled", "weird"} {
		if r.Has(name) {
			t.Errorf("expected %s to be skipped", name)
		}
	}

	client, _ := r.Get("openrouter")
	oc, ok := client.(*OpenAIClient)
	if !ok {
		t.Fatalf("openrouter client is %T", client)
	}
	if oc.cfg.BaseURL != OpenRouterBaseURL {
		t.Errorf("openrouter BaseURL = %q", oc.cfg.BaseURL)
	}
	if oc.Name() != "openrouter" {
		t.Errorf("Name() = %q", oc.Name())
	}
}

func TestRegistryReload(t *testing.T) {
	base := ProviderConfig{Type: "openai", APIKey: "k1", Model: "gpt-4o-mini", Timeout: time.Minute, Enabled: true}
	r := NewRegistryFromConfig(RegistryConfig{Providers: map[string]ProviderConfig{"openai": base}})
	manual := NewMockClient()
	r.Register("manual", manual)

	before, _ := r.Get("openai")

	t.Run("unchanged config keeps client", func(t *testing.T) {
		r.Reload(RegistryConfig{Providers: map[string]ProviderConfig{"openai": base}})
		after, _ := r.Get("openai")
		if after != before {
			t.Error("client should not be recreated when config is unchanged")
		}
	})

	t.Run("changed config recreates client", func(t *testing.T) {
		changed := base
		changed.Model = "gpt-4o"
		r.Reload(RegistryConfig{Providers: map[string]ProviderConfig{"openai": changed}})
		after, _ := r.Get("openai")
		if after == before {
			t.Error("client should be recreated when config changes")
		}
		if after.(*OpenAIClient).Model() != "gpt-4o" {
			t.Errorf("Model() = %q", after.(*OpenAIClient).Model())
		}
	})

	t.Run("removed provider is unregistered", func(t *testing.T) {
		r.Reload(RegistryConfig{})
		if r.Has("openai") {
			t.Error("openai should be removed")
		}
		if !r.Has("manual") {
			t.Error("manually registered clients survive reload")
		}
	})
}

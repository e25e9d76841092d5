package llm

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/config"
)

// Target is a resolved model: the provider endpoint to call and the
// concrete model identifier to send it.
type Target struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKeyEnv string
}

// Provider hands out clients for resolved models. The production
// implementation is Factory; tests substitute scripted providers.
type Provider interface {
	ClientFor(model string) (Client, Target, error)
}

// Resolve maps a requested model name to a Target using the configured
// aliases and provider catalog. Resolution order: empty name takes the
// default model, aliases apply once, then an explicit "provider/model"
// prefix wins, then the first provider listing the model, then a lone
// "openai" provider as fallback.
func Resolve(cfg *config.LLMConfig, name string) (Target, error) {
	if name == "" {
		name = cfg.DefaultModel
	}
	if alias, ok := cfg.ModelAliases[name]; ok {
		name = alias
	}
	if name == "" {
		return Target{}, fmt.Errorf("no model requested and no default_model configured")
	}

	if provider, model, ok := strings.Cut(name, "/"); ok {
		pc, exists := cfg.Providers[provider]
		if !exists {
			return Target{}, fmt.Errorf("model %q names unknown provider %q", name, provider)
		}
		return Target{Provider: provider, Model: model, BaseURL: pc.BaseURL, APIKeyEnv: pc.APIKeyEnv}, nil
	}

	for provider, pc := range cfg.Providers {
		for _, m := range pc.Models {
			if m == name {
				return Target{Provider: provider, Model: name, BaseURL: pc.BaseURL, APIKeyEnv: pc.APIKeyEnv}, nil
			}
		}
	}
	if pc, ok := cfg.Providers["openai"]; ok {
		return Target{Provider: "openai", Model: name, BaseURL: pc.BaseURL, APIKeyEnv: pc.APIKeyEnv}, nil
	}
	return Target{}, fmt.Errorf("model %q matches no configured provider", name)
}

// Factory resolves models and caches one client per provider.
type Factory struct {
	cfg *config.LLMConfig

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a factory over the given LLM configuration.
func NewFactory(cfg *config.LLMConfig) *Factory {
	return &Factory{cfg: cfg, clients: make(map[string]Client)}
}

// ClientFor resolves the model and returns the provider's client. The
// provider's API key is read from the environment variable named in its
// config; a missing key is an error.
func (f *Factory) ClientFor(model string) (Client, Target, error) {
	target, err := Resolve(f.cfg, model)
	if err != nil {
		return nil, Target{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[target.Provider]; ok {
		return c, target, nil
	}

	apiKey := os.Getenv(target.APIKeyEnv)
	if apiKey == "" {
		return nil, Target{}, fmt.Errorf("provider %q: API key env %s is not set", target.Provider, target.APIKeyEnv)
	}
	c := NewOpenAIClient(target.Provider, target.BaseURL, apiKey)
	f.clients[target.Provider] = c
	return c, target, nil
}

// Close closes every cached provider client.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for provider, c := range f.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s client: %w", provider, err)
		}
	}
	f.clients = make(map[string]Client)
	return firstErr
}

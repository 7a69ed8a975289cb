package providers

import "strings"

// Config overrides driver base URLs, mainly for tests and self-hosted
// gateways. Zero values select the public endpoints.
type Config struct {
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	AnthropicBaseURL  string `yaml:"anthropic_base_url"`
	GoogleBaseURL     string `yaml:"google_base_url"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`
}

// Registry resolves provider selectors to drivers.
type Registry struct {
	drivers  map[string]Driver
	fallback Driver
}

// NewRegistry builds the four stock drivers.
func NewRegistry(cfg Config) *Registry {
	openRouter := NewOpenRouter(cfg.OpenRouterBaseURL)
	return &Registry{
		drivers: map[string]Driver{
			"openai":     NewOpenAI(cfg.OpenAIBaseURL),
			"anthropic":  NewAnthropic(cfg.AnthropicBaseURL),
			"google":     NewGoogle(cfg.GoogleBaseURL),
			"openrouter": openRouter,
		},
		fallback: openRouter,
	}
}

// ForName returns the driver for a provider selector. Unknown selectors and
// the empty string fall back to OpenRouter.
func (r *Registry) ForName(name string) Driver {
	if d, ok := r.drivers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return d
	}
	return r.fallback
}

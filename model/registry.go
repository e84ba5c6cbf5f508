package model

import (
	"sort"
	"sync"
	"time"
)

// Registry manages model selection based on capabilities and tracks the
// health of each endpoint it resolves to.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig

	healthCfg HealthConfig
	health    map[string]*EndpointHealth
	now       func() time.Time
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `json:"description"`

	// Preferred lists models in order of preference.
	Preferred []string `json:"preferred"`

	// Fallback lists backup models if all preferred fail.
	Fallback []string `json:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, ollama, openai).
	Provider string `json:"provider"`

	// URL is the API endpoint URL. Empty uses the provider default.
	URL string `json:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is used when a capability has no configuration.
	Model string `json:"model"`
}

// NewRegistry creates a registry with the given capabilities and endpoints.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return newRegistry(caps, endpoints, &DefaultsConfig{Model: "default"})
}

func newRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig, defaults *DefaultsConfig) *Registry {
	if caps == nil {
		caps = make(map[Capability]*CapabilityConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults:     defaults,
		healthCfg:    DefaultHealthConfig(),
		health:       make(map[string]*EndpointHealth),
		now:          time.Now,
	}
}

// NewDefaultRegistry creates a registry where mediation and critique resolve
// to different models, so the critic never grades with the mediator's model.
func NewDefaultRegistry() *Registry {
	return newRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityMediation: {
				Description: "Mediator pipeline under test",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityCritique: {
				Description: "Meta-analyst failure diagnosis",
				Preferred:   []string{"claude-opus"},
				Fallback:    []string{"claude-sonnet"},
			},
		},
		map[string]*EndpointConfig{
			"claude-opus": {
				Provider:  "anthropic",
				Model:     "claude-opus-4-5-20251101",
				MaxTokens: 200000,
			},
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:14b",
				MaxTokens: 128000,
			},
		},
		&DefaultsConfig{Model: "qwen"},
	)
}

// Resolve returns the preferred model for a capability.
func (r *Registry) Resolve(c Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// SharesModel reports whether two capabilities resolve to the same
// preferred endpoint model. A critic that shares the mediator's model grades
// its own output.
func (r *Registry) SharesModel(a, b Capability) bool {
	ea, eb := r.GetEndpoint(r.Resolve(a)), r.GetEndpoint(r.Resolve(b))
	if ea == nil || eb == nil {
		return r.Resolve(a) == r.Resolve(b)
	}
	return ea.Provider == eb.Provider && ea.Model == eb.Model
}

// GetFallbackChain returns all models for a capability in order of preference.
func (r *Registry) GetFallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// GetEndpoint returns the endpoint configuration for a model name, or nil.
func (r *Registry) GetEndpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[modelName]
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints[name] = cfg
}

// ListCapabilities returns all configured capabilities, sorted.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.capabilities))
	for c := range r.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RegistryConfig is the JSON form of a model registry. It is read from the
// file named by the harness config's model.registry_file.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty"`
}

// LoadFromFile loads a registry configuration from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data. It accepts either a document
// with a "model_registry" key or the registry config itself.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `json:"model_registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return fromConfig(wrapped.ModelRegistry)
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return fromConfig(&cfg)
}

func fromConfig(cfg *RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[Capability(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = &DefaultsConfig{Model: "default"}
	}
	return newRegistry(caps, endpoints, defaults), nil
}

// Validate checks that every model a capability names has an endpoint.
func (c *RegistryConfig) Validate() error {
	var missing []string
	for name, cc := range c.Capabilities {
		if cc == nil {
			continue
		}
		for _, m := range append(append([]string{}, cc.Preferred...), cc.Fallback...) {
			if _, ok := c.Endpoints[m]; !ok {
				missing = append(missing, fmt.Sprintf("%s→%s", name, m))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("model registry references undefined endpoints: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(r.endpoints))
	for k, v := range r.endpoints {
		endpoints[k] = v
	}
	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    endpoints,
		Defaults:     r.defaults,
	}
}

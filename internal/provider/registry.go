package provider

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry maps provider names to their configuration. It is populated once
// at startup and immutable afterwards.
type Registry struct {
	providers map[string]*Config
}

// NewRegistry validates the given provider configurations and builds a
// registry from them. Any invalid configuration is a construction error;
// callers are expected to treat it as fatal.
func NewRegistry(configs []Config) (*Registry, error) {
	providers := make(map[string]*Config, len(configs))
	for i := range configs {
		cfg := configs[i]
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("validating provider config: %w", err)
		}
		if _, exists := providers[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate provider %q", cfg.Name)
		}
		providers[cfg.Name] = &cfg
	}
	return &Registry{providers: providers}, nil
}

// LoadFile reads provider configurations from a YAML file and builds a
// registry from them.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}

	var doc struct {
		Providers []Config `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}
	if len(doc.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s defines no providers", path)
	}

	return NewRegistry(doc.Providers)
}

// Lookup returns the configuration for the named provider, or
// ErrUnknownProvider if it is not registered.
func (r *Registry) Lookup(name string) (*Config, error) {
	cfg, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return cfg, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

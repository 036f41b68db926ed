package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewSubSystemError("provider", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewSubSystemError("provider", "Registry.Get", domain.ErrNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewProvider constructs a single provider from its config entry.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "bedrock":
		return newBedrockProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", cfg.Name, cfg.Type)
	}
}

// BuildRegistry constructs every configured provider, wraps each in a
// circuit breaker when enabled and wires failover onto the default
// provider. It returns the registry and the default provider.
func BuildRegistry(cfg config.LLMConfig, logger *slog.Logger) (*Registry, domain.LLMProvider, error) {
	base := make(map[string]domain.LLMProvider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		base[pc.Name] = p
	}

	def, ok := base[cfg.DefaultProvider]
	if !ok {
		return nil, nil, domain.NewSubSystemError("provider", "BuildRegistry", domain.ErrNotFound, cfg.DefaultProvider)
	}

	if cfg.Failover.Enabled && len(cfg.Failover.Fallbacks) > 0 {
		fallbacks := make([]domain.LLMProvider, 0, len(cfg.Failover.Fallbacks))
		for _, name := range cfg.Failover.Fallbacks {
			fb, ok := base[name]
			if !ok {
				return nil, nil, domain.NewSubSystemError("provider", "BuildRegistry", domain.ErrNotFound, "fallback "+name)
			}
			if name != cfg.DefaultProvider {
				fallbacks = append(fallbacks, fb)
			}
		}
		def = NewFailoverProvider(def, fallbacks, logger)
		base[cfg.DefaultProvider] = def
	}

	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		if err := reg.Register(base[pc.Name]); err != nil {
			return nil, nil, err
		}
	}

	logger.Info("llm providers ready",
		"default", cfg.DefaultProvider,
		"providers", reg.List(),
		"failover", cfg.Failover.Enabled,
		"circuit_breaker", cfg.CircuitBreaker.Enabled,
	)
	return reg, def, nil
}

package llm

import (
	"fmt"
	"strings"

	"agentgate/internal/domain"
)

var _ domain.ModelRouter = (*PreferenceRouter)(nil)

// PreferenceRouter resolves an agent's model identifier to a provider.
//
// Identifiers are tried in order: empty or "default" selects the default
// provider; a preference label ("fast", "powerful") is mapped through the
// routing table; "provider/model" selects a registered provider by prefix.
// Anything else is treated as a model name for the default provider.
type PreferenceRouter struct {
	mapping  map[string]string // preference -> provider name
	registry *Registry
	fallback domain.LLMProvider
}

// NewPreferenceRouter creates a router from a mapping and a provider registry.
func NewPreferenceRouter(mapping map[string]string, registry *Registry, fallback domain.LLMProvider) *PreferenceRouter {
	return &PreferenceRouter{
		mapping:  mapping,
		registry: registry,
		fallback: fallback,
	}
}

// Route implements domain.ModelRouter.
func (r *PreferenceRouter) Route(model string) (domain.LLMProvider, string, error) {
	if model == "" || model == "default" {
		return r.defaultProvider(model, "")
	}

	if providerName, ok := r.mapping[model]; ok {
		if providerName == "" || providerName == "default" {
			return r.defaultProvider(model, "")
		}
		p, err := r.registry.Get(providerName)
		if err != nil {
			return nil, "", fmt.Errorf("model preference %q: %w", model, err)
		}
		return p, "", nil
	}

	if prefix, rest, ok := strings.Cut(model, "/"); ok && rest != "" {
		if p, err := r.registry.Get(prefix); err == nil {
			return p, rest, nil
		}
	}

	return r.defaultProvider(model, model)
}

func (r *PreferenceRouter) defaultProvider(label, model string) (domain.LLMProvider, string, error) {
	if r.fallback == nil {
		return nil, "", domain.NewSubSystemError("provider", "Router.Route", domain.ErrNotFound, fmt.Sprintf("no default provider for %q", label))
	}
	return r.fallback, model, nil
}

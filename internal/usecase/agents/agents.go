// Package agents holds the built-in agent catalog and seeds the registry
// with it at startup.
package agents

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/usecase/registry"
)

//go:embed catalog.yaml
var catalogYAML []byte

// entry mirrors a catalog item. The output schema is written as YAML in the
// catalog and converted to JSON on load.
type entry struct {
	domain.AgentDescriptor `yaml:",inline"`
	Schema                 any `yaml:"output_schema,omitempty"`
}

// Catalog parses the embedded built-in descriptors in registration order.
func Catalog() ([]domain.AgentDescriptor, error) {
	return parseCatalog(catalogYAML)
}

func parseCatalog(data []byte) ([]domain.AgentDescriptor, error) {
	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}

	out := make([]domain.AgentDescriptor, 0, len(entries))
	for _, e := range entries {
		d := e.AgentDescriptor
		if e.Schema != nil {
			raw, err := json.Marshal(e.Schema)
			if err != nil {
				return nil, fmt.Errorf("agent %q: encode output schema: %w", d.ID, err)
			}
			d.OutputSchema = raw
		}
		d.BuiltIn = true
		out = append(out, d)
	}
	return out, nil
}

// FromConfig converts config-declared instances into descriptors. They are
// marked built-in so a configured store never persists them.
func FromConfig(instances []config.AgentInstanceConfig) []domain.AgentDescriptor {
	return lo.Map(instances, func(ic config.AgentInstanceConfig, _ int) domain.AgentDescriptor {
		d := domain.AgentDescriptor{
			ID:           ic.ID,
			Name:         ic.Name,
			Description:  ic.Description,
			Instructions: ic.Instructions,
			Model:        ic.Model,
			Tools:        ic.Tools,
			Handoffs:     ic.Handoffs,
			BuiltIn:      true,
		}
		if ic.OutputSchema != "" {
			d.OutputSchema = json.RawMessage(ic.OutputSchema)
		}
		return d
	})
}

// Seed registers the built-in catalog followed by the config-declared
// instances. Tools a built-in agent names but the tool catalog does not
// provide are dropped with a warning; config instances are registered as
// written and fail on unknown tools.
func Seed(reg *registry.Registry, tools domain.ToolExecutor, cfg config.AgentsConfig, logger *slog.Logger) error {
	builtins, err := Catalog()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, d := range builtins {
		if tools != nil {
			d.Tools = availableTools(d, tools, logger)
		}
		d.CreatedAt = now
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("seed built-in agent %q: %w", d.ID, err)
		}
	}

	for _, d := range FromConfig(cfg.Instances) {
		d.CreatedAt = now
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("seed configured agent %q: %w", d.ID, err)
		}
	}

	logger.Info("agent catalog seeded", "built_in", len(builtins), "configured", len(cfg.Instances))
	return nil
}

func availableTools(d domain.AgentDescriptor, tools domain.ToolExecutor, logger *slog.Logger) []string {
	return lo.Filter(d.Tools, func(name string, _ int) bool {
		if _, err := tools.Get(name); err != nil {
			logger.Warn("built-in agent tool unavailable", "agent_id", d.ID, "tool", name)
			return false
		}
		return true
	})
}

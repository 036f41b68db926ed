package tool

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

var _ domain.ToolExecutor = (*Registry)(nil)

// Registry holds named tools. Every registered tool is wrapped with JSON
// Schema parameter validation.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// NewBuiltinRegistry creates a registry holding the built-in tools named
// in cfg.Enabled.
func NewBuiltinRegistry(cfg config.ToolsConfig, logger *slog.Logger) (*Registry, error) {
	builtins := map[string]func() domain.Tool{
		calculatorName:  func() domain.Tool { return NewCalculator(logger) },
		currentTimeName: func() domain.Tool { return NewCurrentTime(cfg.DefaultTimezone, logger) },
	}

	r := NewRegistry(logger)
	for _, name := range cfg.Enabled {
		build, ok := builtins[name]
		if !ok {
			return nil, domain.NewSubSystemError("tool", "NewBuiltinRegistry", domain.ErrNotFound, name)
		}
		if err := r.Register(build()); err != nil {
			return nil, err
		}
	}
	logger.Debug("tools registered", "tools", r.Names())
	return r, nil
}

// Register adds a tool. A schema that fails to compile rejects the tool.
func (r *Registry) Register(t domain.Tool) error {
	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		return fmt.Errorf("register tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewSubSystemError("tool", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.tools[name] = wrapped
	return nil
}

// Get implements domain.ToolExecutor.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewSubSystemError("tool", "Registry.Get", domain.ErrNotFound, name)
	}
	return t, nil
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schemas implements domain.ToolExecutor. Order is by name so prompts stay
// stable between calls.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

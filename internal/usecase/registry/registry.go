// Package registry owns the set of agent descriptors known to the gateway.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/samber/lo"

	"agentgate/internal/domain"
)

var _ domain.AgentLookup = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists custom (non built-in) descriptors on Register.
func WithStore(store domain.AgentStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithTools makes Register reject descriptors naming unknown tools.
func WithTools(tools domain.ToolExecutor) Option {
	return func(r *Registry) { r.tools = tools }
}

// Registry holds agent descriptors in registration order. Descriptors are
// copied on the way in and on the way out, so callers never share state.
type Registry struct {
	mu     sync.RWMutex
	agents  map[string]domain.AgentDescriptor
	pending map[string]struct{}
	order   []string
	store   domain.AgentStore
	tools   domain.ToolExecutor
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]domain.AgentDescriptor),
		pending: make(map[string]struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a descriptor.
func (r *Registry) Register(d domain.AgentDescriptor) error {
	return r.RegisterContext(context.Background(), d)
}

// RegisterContext adds a descriptor, bounding any store write by ctx.
// Handoff targets must already be registered. When a store is configured,
// custom descriptors are persisted before they become visible; a store
// failure releases the reserved ID.
func (r *Registry) RegisterContext(ctx context.Context, d domain.AgentDescriptor) error {
	return r.register(ctx, d, r.store != nil && !d.BuiltIn)
}

func (r *Registry) register(ctx context.Context, d domain.AgentDescriptor, persist bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := r.checkTools(d); err != nil {
		return err
	}
	if d.HasSchema() {
		if _, err := jsonschema.NewCompiler().Compile(d.OutputSchema); err != nil {
			return domain.NewFieldError("agent", "Registry.Register", domain.ErrInvalidInput,
				"invalid agent descriptor", map[string]string{"output_schema": "not a valid JSON Schema"})
		}
	}
	d = d.Clone()

	if err := r.reserve(d, persist); err != nil {
		return err
	}
	if persist {
		err := r.store.Save(ctx, d)
		r.mu.Lock()
		delete(r.pending, d.ID)
		if err == nil {
			r.insert(d)
		}
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("agent store write failed", "agent_id", d.ID, "error", err)
			var de *domain.DomainError
			if errors.As(err, &de) {
				return err
			}
			return domain.NewDomainError("Registry.Register", domain.ErrAgentStore, err.Error())
		}
	}

	r.logger.Info("agent registered", "agent_id", d.ID, "name", d.Name, "built_in", d.BuiltIn)
	return nil
}

// reserve checks the ID and handoffs under the lock. Descriptors that need
// persisting hold their ID in pending until the store write finishes, so
// lookups never wait on the store and never see an unsaved descriptor.
func (r *Registry) reserve(d domain.AgentDescriptor, persist bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.agents[d.ID]
	_, saving := r.pending[d.ID]
	if exists || saving {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, d.ID)
	}
	if missing := lo.Filter(d.Handoffs, func(id string, _ int) bool {
		_, ok := r.agents[id]
		return !ok
	}); len(missing) > 0 {
		return domain.NewFieldError("agent", "Registry.Register", domain.ErrInvalidInput,
			"invalid agent descriptor", map[string]string{"handoffs": fmt.Sprintf("unknown agents %v", missing)})
	}

	if persist {
		r.pending[d.ID] = struct{}{}
	} else {
		r.insert(d)
	}
	return nil
}

// insert requires r.mu held for writing.
func (r *Registry) insert(d domain.AgentDescriptor) {
	r.agents[d.ID] = d
	r.order = append(r.order, d.ID)
}

func (r *Registry) checkTools(d domain.AgentDescriptor) error {
	if r.tools == nil {
		return nil
	}
	fields := map[string]string{}
	for i, name := range d.Tools {
		if _, err := r.tools.Get(name); err != nil {
			fields[fmt.Sprintf("tools[%d]", i)] = fmt.Sprintf("unknown tool %q", name)
		}
	}
	if len(fields) > 0 {
		return domain.NewFieldError("agent", "Registry.Register", domain.ErrInvalidInput, "invalid agent descriptor", fields)
	}
	return nil
}

// Get returns a copy of the descriptor with the given ID.
func (r *Registry) Get(id string) (domain.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[id]
	if !ok {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, id)
	}
	return d.Clone(), nil
}

// All yields descriptors in registration order. Each iteration works on a
// fresh snapshot, so the sequence can be ranged over any number of times
// and concurrent registration is never observed mid-iteration.
func (r *Registry) All() iter.Seq[domain.AgentDescriptor] {
	return func(yield func(domain.AgentDescriptor) bool) {
		for _, d := range r.snapshot() {
			if !yield(d) {
				return
			}
		}
	}
}

// List returns all descriptors in registration order.
func (r *Registry) List() []domain.AgentDescriptor {
	return r.snapshot()
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) snapshot() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(id string, _ int) domain.AgentDescriptor {
		return r.agents[id].Clone()
	})
}

// Restore registers previously persisted descriptors without writing them
// back to the store. Entries that no longer validate are skipped and logged.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	stored, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range stored {
		if err := r.register(ctx, d, false); err != nil {
			r.logger.Warn("skipping stored agent", "agent_id", d.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

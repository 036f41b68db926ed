package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
)

func testLogger() *slog.Logger { return slog.Default() }

func agent(id string) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           id,
		Name:         "Agent " + id,
		Instructions: "Answer briefly.",
		Tools:        []string{"calculator"},
	}
}

type fakeStore struct {
	mu    sync.Mutex
	saved []domain.AgentDescriptor
	err   error
}

func (s *fakeStore) Save(_ context.Context, d domain.AgentDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, d)
	return nil
}

func (s *fakeStore) List(context.Context) ([]domain.AgentDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AgentDescriptor(nil), s.saved...), nil
}

func (s *fakeStore) Close() error { return nil }

type fakeTools map[string]bool

func (f fakeTools) Get(name string) (domain.Tool, error) {
	if f[name] {
		return nil, nil
	}
	return nil, domain.NewSubSystemError("tool", "fakeTools.Get", domain.ErrNotFound, name)
}

func (f fakeTools) Schemas() []domain.ToolSchema { return nil }

func TestRegistryRoundTrip(t *testing.T) {
	r := New(testLogger())
	d := agent("helper")
	d.OutputSchema = json.RawMessage(`{"type":"object"}`)
	require.NoError(t, r.Register(d))

	got, err := r.Get("helper")
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryCopiesDescriptors(t *testing.T) {
	r := New(testLogger())
	d := agent("helper")
	require.NoError(t, r.Register(d))

	d.Tools[0] = "mutated"
	got, _ := r.Get("helper")
	assert.Equal(t, "calculator", got.Tools[0], "caller mutation after Register leaks in")

	got.Tools[0] = "mutated"
	again, _ := r.Get("helper")
	assert.Equal(t, "calculator", again.Tools[0], "mutation of returned copy leaks in")
}

func TestRegistryDuplicate(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(agent("a")))

	err := r.Register(agent("a"))
	require.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, domain.CodeDuplicateAgent, domain.ErrorCodeOf(err))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetNotFound(t *testing.T) {
	_, err := New(testLogger()).Get("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestRegistryInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.AgentDescriptor)
		field  string
	}{
		{"blank name", func(d *domain.AgentDescriptor) { d.Name = "  " }, "name"},
		{"blank instructions", func(d *domain.AgentDescriptor) { d.Instructions = "" }, "instructions"},
		{"bad schema json", func(d *domain.AgentDescriptor) { d.OutputSchema = json.RawMessage(`{`) }, "output_schema"},
		{"bad schema", func(d *domain.AgentDescriptor) { d.OutputSchema = json.RawMessage(`{"properties": "nope"}`) }, "output_schema"},
		{"self handoff", func(d *domain.AgentDescriptor) { d.Handoffs = []string{"x"} }, "handoffs"},
		{"unknown handoff", func(d *domain.AgentDescriptor) { d.Handoffs = []string{"nobody"} }, "handoffs"},
		{"unknown tool", func(d *domain.AgentDescriptor) { d.Tools = []string{"calculator", "teleport"} }, "tools[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(testLogger(), WithTools(fakeTools{"calculator": true}))
			d := agent("x")
			tt.mutate(&d)

			err := r.Register(d)
			require.Error(t, err)
			assert.Equal(t, domain.CodeInvalidDescriptor, domain.ErrorCodeOf(err))
			assert.Contains(t, domain.FieldsOf(err), tt.field)
			assert.Zero(t, r.Len())
		})
	}
}

func TestRegistryHandoffToRegistered(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(agent("specialist")))

	coord := agent("coordinator")
	coord.Handoffs = []string{"specialist"}
	assert.NoError(t, r.Register(coord))
}

func TestRegistryAllIsRestartable(t *testing.T) {
	r := New(testLogger())
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(agent(id)))
	}

	collect := func() []string {
		var ids []string
		for d := range r.All() {
			ids = append(ids, d.ID)
		}
		return ids
	}
	assert.Equal(t, []string{"c", "a", "b"}, collect())
	assert.Equal(t, []string{"c", "a", "b"}, collect())

	var first string
	for d := range r.All() {
		first = d.ID
		break
	}
	assert.Equal(t, "c", first)
	assert.Len(t, r.List(), 3)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(agent(fmt.Sprintf("agent-%d", i)))
		}(i)
		go func() {
			defer wg.Done()
			for d := range r.All() {
				assert.NotEmpty(t, d.Name)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())
}

func TestRegistryStoreWriteThrough(t *testing.T) {
	store := &fakeStore{}
	r := New(testLogger(), WithStore(store))

	builtin := agent("builtin")
	builtin.BuiltIn = true
	require.NoError(t, r.Register(builtin))
	require.NoError(t, r.Register(agent("custom")))

	require.Len(t, store.saved, 1)
	assert.Equal(t, "custom", store.saved[0].ID)
}

func TestRegistryStoreFailureRollsBack(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	r := New(testLogger(), WithStore(store))

	err := r.Register(agent("custom"))
	require.ErrorIs(t, err, domain.ErrAgentStore)
	assert.Equal(t, domain.CodeAgentStore, domain.ErrorCodeOf(err))
	assert.Zero(t, r.Len())

	_, err = r.Get("custom")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryRestore(t *testing.T) {
	store := &fakeStore{saved: []domain.AgentDescriptor{agent("one"), {ID: "broken"}, agent("two")}}
	r := New(testLogger(), WithStore(store))

	n, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Len())
	assert.Len(t, store.saved, 3, "restored agents are not written back")
}

// blockingStore holds Save until release is closed.
type blockingStore struct {
	fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, d domain.AgentDescriptor) error {
	close(s.entered)
	<-s.release
	return s.fakeStore.Save(ctx, d)
}

func TestRegistryLookupsDoNotWaitOnStore(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	r := New(testLogger(), WithStore(store))
	builtin := agent("builtin")
	builtin.BuiltIn = true
	require.NoError(t, r.Register(builtin))

	done := make(chan error, 1)
	go func() { done <- r.Register(agent("custom")) }()
	<-store.entered

	// The store write is in flight: reads proceed and the ID stays reserved.
	_, err := r.Get("builtin")
	require.NoError(t, err)
	assert.Len(t, r.List(), 1)
	_, err = r.Get("custom")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, r.Register(agent("custom")), domain.ErrDuplicate)

	close(store.release)
	require.NoError(t, <-done)
	got, err := r.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", got.ID)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryStoreFailureReleasesID(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	r := New(testLogger(), WithStore(store))
	require.Error(t, r.Register(agent("custom")))

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, r.Register(agent("custom")))
	assert.Equal(t, 1, r.Len())
}

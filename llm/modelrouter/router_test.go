package modelrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/registry"
	"github.com/BaSui01/agentflow/types"
)

type fakeProvider struct {
	id   string
	pool string
	caps types.ProviderCapabilities
}

func (f *fakeProvider) ID() string      { return f.id }
func (f *fakeProvider) Version() string { return "1.0.0" }
func (f *fakeProvider) Descriptor() types.ProviderDescriptor {
	return types.ProviderDescriptor{ID: f.id, Version: "1.0.0", Pool: f.pool}
}
func (f *fakeProvider) Capabilities() types.ProviderCapabilities                    { return f.caps }
func (f *fakeProvider) Initialize(ctx context.Context, config map[string]any) error { return nil }
func (f *fakeProvider) Supports(modelID string, tenant types.TenantContext) bool    { return true }
func (f *fakeProvider) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	return types.InferenceResponse{}, nil
}
func (f *fakeProvider) Health(ctx context.Context) (types.ProviderHealth, error) {
	return types.ProviderHealth{Status: types.HealthHealthy}, nil
}
func (f *fakeProvider) Shutdown(ctx context.Context) error { return nil }

func newTestRegistry(providers ...*fakeProvider) *registry.Registry {
	reg := registry.New()
	for _, p := range providers {
		reg.Register(context.Background(), p)
	}
	return reg
}

func TestRouter_Select_NoCandidatesErrors(t *testing.T) {
	reg := newTestRegistry()
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers)

	_, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.Error(t, err)
	typedErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrAllProvidersUnavailable, typedErr.Code)
}

func TestRouter_Select_FailoverPicksAscendingID(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	reg := newTestRegistry(b, a)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(Failover))

	decision, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "a", decision.Primary.ID())
	require.Len(t, decision.Fallbacks, 1)
	assert.Equal(t, "b", decision.Fallbacks[0].ID())
}

func TestRouter_Select_PreferredProviderIsPinnedAsPrimary(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	reg := newTestRegistry(a, b)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(Failover))

	decision, err := r.Select(RoutingContext{ModelID: "gpt-4", PreferredProvider: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", decision.Primary.ID())
	require.Len(t, decision.Fallbacks, 1)
	assert.Equal(t, "a", decision.Fallbacks[0].ID())
}

func TestRouter_Select_OpenCircuitDemotedToTail(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	reg := newTestRegistry(a, b)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{FailureThreshold: 1, HalfOpenAfter: 0})
	breakers.RecordFailure("a", true)
	require.True(t, breakers.IsOpen("a"))

	r := New(reg, breakers, WithStrategy(Failover))
	decision, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "b", decision.Primary.ID())
}

func TestRouter_Select_PoolHintFiltersCandidates(t *testing.T) {
	local := &fakeProvider{id: "local", pool: "LOCAL"}
	cloud := &fakeProvider{id: "cloud", pool: "CLOUD"}
	reg := newTestRegistry(local, cloud)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(Failover))

	decision, err := r.Select(RoutingContext{ModelID: "gpt-4", PoolHint: "LOCAL"})
	require.NoError(t, err)
	assert.Equal(t, "local", decision.Primary.ID())
}

type fixedLoad struct{ loads map[string]int }

func (f fixedLoad) InFlight(providerID string) int { return f.loads[providerID] }

func TestRouter_Select_LeastLoadedPicksLowestInFlight(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	reg := newTestRegistry(a, b)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(LeastLoaded), WithInFlightCounter(fixedLoad{loads: map[string]int{"a": 5, "b": 1}}))

	decision, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "b", decision.Primary.ID())
}

func TestRouter_Select_RecordsDecisionForIntrospection(t *testing.T) {
	a := &fakeProvider{id: "a"}
	reg := newTestRegistry(a)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(Failover), WithHistorySize(4))

	_, err := r.Select(RoutingContext{ModelID: "gpt-4", Request: types.InferenceRequest{RequestID: "req-1"}})
	require.NoError(t, err)

	decision, ok := r.DecisionFor("req-1")
	require.True(t, ok)
	assert.Equal(t, "a", decision.Primary.ID())

	_, ok = r.DecisionFor("unknown")
	assert.False(t, ok)
}

func TestRouter_Select_RoundRobinCyclesThroughCandidates(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	reg := newTestRegistry(a, b)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	r := New(reg, breakers, WithStrategy(RoundRobin))

	first, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.NoError(t, err)
	second, err := r.Select(RoutingContext{ModelID: "gpt-4"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Primary.ID(), second.Primary.ID())
}

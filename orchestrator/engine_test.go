package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/modelrouter"
	"github.com/BaSui01/agentflow/llm/registry"
	"github.com/BaSui01/agentflow/orchestrator/plugin"
	"github.com/BaSui01/agentflow/types"
)

// fakeProvider is a minimal llm.InferenceProvider for exercising the phase
// pipeline without a real backend. infer is called for every Infer
// invocation and controls the outcome.
type fakeProvider struct {
	id    string
	delay time.Duration
	infer func(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error)

	calls atomic.Int64
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Version() string { return "1.0.0" }

func (f *fakeProvider) Descriptor() types.ProviderDescriptor {
	return types.ProviderDescriptor{ID: f.id, Version: "1.0.0", DisplayName: f.id}
}

func (f *fakeProvider) Capabilities() types.ProviderCapabilities { return types.ProviderCapabilities{} }

func (f *fakeProvider) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (f *fakeProvider) Supports(modelID string, tenant types.TenantContext) bool { return true }

func (f *fakeProvider) Health(ctx context.Context) (types.ProviderHealth, error) {
	return types.ProviderHealth{Status: types.HealthHealthy}, nil
}

func (f *fakeProvider) Shutdown(ctx context.Context) error { return nil }

func (f *fakeProvider) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.InferenceResponse{}, ctx.Err()
		}
	}
	return f.infer(ctx, req)
}

func alwaysSucceeds(id string) *fakeProvider {
	return &fakeProvider{
		id: id,
		infer: func(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
			return types.InferenceResponse{RequestID: req.RequestID, Content: "ok from " + id}, nil
		},
	}
}

func alwaysFails(id string, retryable bool) *fakeProvider {
	return &fakeProvider{
		id: id,
		infer: func(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
			return types.InferenceResponse{}, types.NewError(types.ErrUpstreamError, id+" failed").WithRetryable(retryable)
		},
	}
}

// testEngine wires a fresh Engine around the given providers, all
// registered under the same model id so the router's candidate set sees
// them all.
func testEngine(t *testing.T, cfg Config, providers ...*fakeProvider) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, p := range providers {
		reg.Register(context.Background(), p)
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	// Failover always picks candidates in ascending ID order, making
	// primary/fallback assignment deterministic for these tests.
	router := modelrouter.New(reg, breakers, modelrouter.WithStrategy(modelrouter.Failover))
	plugins := plugin.New(zap.NewNop())
	e := New(cfg, reg, router, breakers, plugins, nil, zap.NewNop())
	return e, reg
}

func baseRequest() types.InferenceRequest {
	return types.InferenceRequest{
		RequestID: "req-1",
		Model:     "gpt-4",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Timeout:   2 * time.Second,
	}
}

func TestEngine_Infer_SimpleSuccess(t *testing.T) {
	p := alwaysSucceeds("openai/gpt-4")
	e, _ := testEngine(t, Config{MaxAttempts: 3, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}, p)

	resp, err := e.Infer(context.Background(), baseRequest(), types.TenantContext{})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4", resp.ProviderID)
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestEngine_Infer_FallbackOnRetryableFailure(t *testing.T) {
	bad := alwaysFails("bad/provider", true)
	good := alwaysSucceeds("good/provider")
	cfg := Config{MaxAttempts: 3, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}
	e, _ := testEngine(t, cfg, bad, good)

	resp, err := e.Infer(context.Background(), baseRequest(), types.TenantContext{MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, "good/provider", resp.ProviderID)
	assert.Equal(t, int64(1), bad.calls.Load())
	assert.Equal(t, int64(1), good.calls.Load())
}

func TestEngine_Infer_NonRetryableFailureStopsChain(t *testing.T) {
	bad := alwaysFails("bad/provider", false)
	good := alwaysSucceeds("good/provider")
	cfg := Config{MaxAttempts: 3, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}
	e, _ := testEngine(t, cfg, bad, good)

	_, err := e.Infer(context.Background(), baseRequest(), types.TenantContext{MaxAttempts: 2})
	require.Error(t, err)
	assert.Equal(t, int64(0), good.calls.Load())
}

func TestEngine_Infer_CircuitOpensAfterThreshold(t *testing.T) {
	bad := alwaysFails("bad/provider", true)
	reg := registry.New()
	reg.Register(context.Background(), bad)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{FailureThreshold: 1, HalfOpenAfter: time.Hour})
	router := modelrouter.New(reg, breakers)
	plugins := plugin.New(zap.NewNop())
	e := New(Config{MaxAttempts: 1, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}, reg, router, breakers, plugins, nil, zap.NewNop())

	_, err := e.Infer(context.Background(), baseRequest(), types.TenantContext{MaxAttempts: 1})
	require.Error(t, err)
	assert.True(t, breakers.IsOpen("bad/provider"))

	// Second call: router still returns bad/provider (only candidate), but
	// Allow() now rejects it before Infer is invoked.
	_, err = e.Infer(context.Background(), baseRequest(), types.TenantContext{MaxAttempts: 1})
	require.Error(t, err)
	assert.Equal(t, int64(1), bad.calls.Load())
}

func TestEngine_Infer_TimeoutProducesRetryableError(t *testing.T) {
	slow := &fakeProvider{
		id:    "slow/provider",
		delay: 50 * time.Millisecond,
		infer: func(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
			return types.InferenceResponse{}, nil
		},
	}
	cfg := Config{MaxAttempts: 1, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}
	e, _ := testEngine(t, cfg, slow)

	req := baseRequest()
	req.Timeout = 5 * time.Millisecond
	_, err := e.Infer(context.Background(), req, types.TenantContext{MaxAttempts: 1})
	require.Error(t, err)
	typedErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrTimeout, typedErr.Code)
	assert.True(t, typedErr.Retryable)
}

func TestEngine_Infer_NoCandidateProvider(t *testing.T) {
	e, _ := testEngine(t, Config{})

	_, err := e.Infer(context.Background(), baseRequest(), types.TenantContext{})
	require.Error(t, err)
	typedErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrAllProvidersUnavailable, typedErr.Code)
}

func TestEngine_ListProviders(t *testing.T) {
	p := alwaysSucceeds("openai/gpt-4")
	e, _ := testEngine(t, Config{}, p)

	summaries := e.ListProviders()
	require.Len(t, summaries, 1)
	assert.Equal(t, "openai/gpt-4", summaries[0].Descriptor.ID)
}

func TestEngine_ResetCircuit(t *testing.T) {
	bad := alwaysFails("bad/provider", true)
	reg := registry.New()
	reg.Register(context.Background(), bad)
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{FailureThreshold: 1, HalfOpenAfter: time.Hour})
	router := modelrouter.New(reg, breakers)
	plugins := plugin.New(zap.NewNop())
	e := New(Config{MaxAttempts: 1, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}}, reg, router, breakers, plugins, nil, zap.NewNop())

	_, _ = e.Infer(context.Background(), baseRequest(), types.TenantContext{MaxAttempts: 1})
	require.True(t, breakers.IsOpen("bad/provider"))

	e.ResetCircuit("bad/provider")
	assert.False(t, breakers.IsOpen("bad/provider"))
}

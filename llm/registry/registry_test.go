package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

type fakeProvider struct {
	id          string
	version     string
	supports    bool
	streaming   bool
	health      types.ProviderHealth
	healthErr   error
	shutdownErr error
	shutdowns   int
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Version() string { return f.version }

func (f *fakeProvider) Descriptor() types.ProviderDescriptor {
	return types.ProviderDescriptor{ID: f.id, Version: f.version}
}

func (f *fakeProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{Streaming: f.streaming}
}

func (f *fakeProvider) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (f *fakeProvider) Supports(modelID string, tenant types.TenantContext) bool { return f.supports }
func (f *fakeProvider) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	return types.InferenceResponse{}, nil
}
func (f *fakeProvider) Health(ctx context.Context) (types.ProviderHealth, error) {
	return f.health, f.healthErr
}
func (f *fakeProvider) Shutdown(ctx context.Context) error {
	f.shutdowns++
	return f.shutdownErr
}

// fakeStreamingProvider additionally implements llm.StreamingProvider.
type fakeStreamingProvider struct{ fakeProvider }

func (f *fakeStreamingProvider) Stream(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk)
	close(ch)
	return ch, nil
}

var _ llm.StreamingProvider = (*fakeStreamingProvider)(nil)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	p := &fakeProvider{id: "openai", version: "1.0.0", supports: true}
	r.Register(context.Background(), p)

	got, ok := r.Get("openai")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterSetsUnknownHealth(t *testing.T) {
	r := New()
	p := &fakeProvider{id: "openai", version: "1.0.0"}
	r.Register(context.Background(), p)

	health, ok := r.Health("openai")
	require.True(t, ok)
	assert.Equal(t, types.HealthUnknown, health.Status)
}

func TestRegistry_RegisterNewerVersionReplacesAndShutsDownOld(t *testing.T) {
	r := New()
	old := &fakeProvider{id: "openai", version: "1.0.0"}
	newer := &fakeProvider{id: "openai", version: "2.0.0"}

	r.Register(context.Background(), old)
	r.Register(context.Background(), newer)

	got, ok := r.Get("openai")
	require.True(t, ok)
	assert.Same(t, newer, got)

	oldVersioned, ok := r.Get("openai", "1.0.0")
	require.True(t, ok)
	assert.Same(t, old, oldVersioned)
}

func TestRegistry_ForModelFiltersBySupports(t *testing.T) {
	r := New()
	yes := &fakeProvider{id: "openai", version: "1.0.0", supports: true}
	no := &fakeProvider{id: "azure", version: "1.0.0", supports: false}
	r.Register(context.Background(), yes)
	r.Register(context.Background(), no)

	out := r.ForModel("gpt-4", types.TenantContext{})
	require.Len(t, out, 1)
	assert.Equal(t, "openai", out[0].ID())
}

func TestRegistry_StreamingProvidersOnlyIncludesStreamingCapable(t *testing.T) {
	r := New()
	stream := &fakeStreamingProvider{fakeProvider{id: "openai", version: "1.0.0", streaming: true}}
	nonStream := &fakeProvider{id: "azure", version: "1.0.0", streaming: false}
	r.Register(context.Background(), stream)
	r.Register(context.Background(), nonStream)

	out := r.StreamingProviders()
	require.Len(t, out, 1)
	assert.Equal(t, "openai", out[0].ID())
}

func TestRegistry_List(t *testing.T) {
	r := New()
	r.Register(context.Background(), &fakeProvider{id: "b", version: "1.0.0"})
	r.Register(context.Background(), &fakeProvider{id: "a", version: "1.0.0"})

	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestRegistry_UnregisterAllVersionsShutsDownEach(t *testing.T) {
	r := New()
	v1 := &fakeProvider{id: "openai", version: "1.0.0"}
	v2 := &fakeProvider{id: "openai", version: "2.0.0"}
	r.Register(context.Background(), v1)
	r.Register(context.Background(), v2)

	err := r.Unregister(context.Background(), "openai", "")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.shutdowns)
	assert.Equal(t, 1, v2.shutdowns)

	_, ok := r.Get("openai")
	assert.False(t, ok)
}

func TestRegistry_UnregisterUnknownProviderErrors(t *testing.T) {
	r := New()
	err := r.Unregister(context.Background(), "missing", "")
	assert.Error(t, err)
}

type fakeSource struct {
	providers []llm.InferenceProvider
	err       error
}

func (s *fakeSource) Discover(ctx context.Context) ([]llm.InferenceProvider, error) {
	return s.providers, s.err
}

func TestRegistry_DiscoverRegistersEveryProvider(t *testing.T) {
	r := New()
	src := &fakeSource{providers: []llm.InferenceProvider{
		&fakeProvider{id: "a", version: "1.0.0"},
		&fakeProvider{id: "b", version: "1.0.0"},
	}}

	require.NoError(t, r.Discover(context.Background(), src))
	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestRegistry_DiscoverPropagatesSourceError(t *testing.T) {
	r := New()
	src := &fakeSource{err: errors.New("boom")}

	err := r.Discover(context.Background(), src)
	assert.Error(t, err)
}

func TestRegistry_PollAllUpdatesHealthCache(t *testing.T) {
	r := New()
	healthy := &fakeProvider{id: "openai", version: "1.0.0", health: types.ProviderHealth{Status: types.HealthHealthy}}
	failing := &fakeProvider{id: "azure", version: "1.0.0", healthErr: errors.New("down")}
	r.Register(context.Background(), healthy)
	r.Register(context.Background(), failing)

	r.pollAll(context.Background())

	h, ok := r.Health("openai")
	require.True(t, ok)
	assert.Equal(t, types.HealthHealthy, h.Status)

	h, ok = r.Health("azure")
	require.True(t, ok)
	assert.Equal(t, types.HealthUnhealthy, h.Status)
	assert.Equal(t, "down", h.Message)
}

func TestRegistry_HealthSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Register(context.Background(), &fakeProvider{id: "openai", version: "1.0.0"})

	snap := r.HealthSnapshot()
	require.Len(t, snap, 1)
	snap["openai"] = types.ProviderHealth{Status: types.HealthUnhealthy}

	h, _ := r.Health("openai")
	assert.Equal(t, types.HealthUnknown, h.Status)
}

func TestRegistry_StartHealthPollingAndStop(t *testing.T) {
	r := New(WithHealthInterval(5 * time.Millisecond))
	r.Register(context.Background(), &fakeProvider{id: "openai", version: "1.0.0", health: types.ProviderHealth{Status: types.HealthHealthy}})

	ctx, cancel := context.WithCancel(context.Background())
	r.StartHealthPolling(ctx)

	deadline := time.After(time.Second)
	for {
		h, _ := r.Health("openai")
		if h.Status == types.HealthHealthy && !h.Timestamp.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("health cache was never populated by the poller")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	r.Stop()
}

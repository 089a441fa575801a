package orchestrator

import (
	"context"
	"errors"
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

// fakeStreamingProvider layers a chunk sequence on top of fakeProvider so it
// also satisfies llm.StreamingProvider.
type fakeStreamingProvider struct {
	fakeProvider
	chunks     []types.StreamChunk
	streamErr  error
	delayFirst time.Duration
}

func (f *fakeStreamingProvider) Stream(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (<-chan types.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan types.StreamChunk, len(f.chunks))
	go func() {
		defer close(out)
		if f.delayFirst > 0 {
			select {
			case <-time.After(f.delayFirst):
			case <-ctx.Done():
				return
			}
		}
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func streamChunk(delta string, final bool) types.StreamChunk {
	return types.StreamChunk{Delta: delta, IsFinal: final}
}

func testEngineForStream(t *testing.T, cfg Config, providers ...fakeProviderish) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, p := range providers {
		reg.Register(context.Background(), p)
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{})
	router := modelrouter.New(reg, breakers, modelrouter.WithStrategy(modelrouter.Failover))
	plugins := plugin.New(zap.NewNop())
	e := New(cfg, reg, router, breakers, plugins, nil, zap.NewNop())
	return e, reg
}

// fakeProviderish is satisfied by both *fakeProvider and *fakeStreamingProvider.
type fakeProviderish interface {
	ID() string
	Version() string
	Descriptor() types.ProviderDescriptor
	Capabilities() types.ProviderCapabilities
	Initialize(ctx context.Context, config map[string]any) error
	Supports(modelID string, tenant types.TenantContext) bool
	Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error)
	Health(ctx context.Context) (types.ProviderHealth, error)
	Shutdown(ctx context.Context) error
}

func drainStream(out <-chan types.StreamChunk) []types.StreamChunk {
	var chunks []types.StreamChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestEngine_Stream_SimpleSuccess(t *testing.T) {
	p := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "openai/gpt-4"},
		chunks:       []types.StreamChunk{streamChunk("hel", false), streamChunk("lo", true)},
	}
	cfg := Config{FirstByteTimeout: 100 * time.Millisecond}
	e, _ := testEngineForStream(t, cfg, p)

	out, err := e.Stream(context.Background(), baseRequest(), types.TenantContext{})
	require.NoError(t, err)

	chunks := drainStream(out)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hel", chunks[0].Delta)
	assert.False(t, chunks[0].IsFinal)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.True(t, chunks[1].IsFinal)
}

func TestEngine_Stream_FirstByteTimeoutFailsOverToNextProvider(t *testing.T) {
	// IDs are chosen so Failover's ascending-ID ordering tries the slow
	// provider first, then falls over to the fast one.
	slow := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "a-slow/provider"},
		delayFirst:   50 * time.Millisecond,
		chunks:       []types.StreamChunk{streamChunk("too late", true)},
	}
	fast := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "b-fast/provider"},
		chunks:       []types.StreamChunk{streamChunk("hi", true)},
	}
	cfg := Config{
		FirstByteTimeout: 5 * time.Millisecond,
		Backoff:          BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond},
	}
	e, _ := testEngineForStream(t, cfg, slow, fast)

	out, err := e.Stream(context.Background(), baseRequest(), types.TenantContext{})
	require.NoError(t, err)

	chunks := drainStream(out)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hi", chunks[0].Delta)
}

func TestEngine_Stream_ChunkErrorTerminatesWithoutFallback(t *testing.T) {
	bad := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "bad/provider"},
		chunks:       []types.StreamChunk{{Err: errors.New("upstream broke")}},
	}
	good := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "good/provider"},
		chunks:       []types.StreamChunk{streamChunk("unreachable", true)},
	}
	cfg := Config{FirstByteTimeout: 100 * time.Millisecond}
	e, _ := testEngineForStream(t, cfg, bad, good)

	out, err := e.Stream(context.Background(), baseRequest(), types.TenantContext{})
	require.NoError(t, err)

	chunks := drainStream(out)
	assert.Len(t, chunks, 0)
}

func TestEngine_Stream_SkipsNonStreamingProviderInChain(t *testing.T) {
	nonStreaming := alwaysSucceeds("legacy/provider")
	streaming := &fakeStreamingProvider{
		fakeProvider: fakeProvider{id: "modern/provider"},
		chunks:       []types.StreamChunk{streamChunk("hi", true)},
	}
	cfg := Config{FirstByteTimeout: 100 * time.Millisecond}
	// "legacy/provider" sorts before "modern/provider" under Failover, so the
	// chain tries it first and must skip it for lacking Stream.
	e, _ := testEngineForStream(t, cfg, nonStreaming, streaming)

	out, err := e.Stream(context.Background(), baseRequest(), types.TenantContext{})
	require.NoError(t, err)

	chunks := drainStream(out)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hi", chunks[0].Delta)
}

func TestEngine_Stream_NoCandidateProviderErrorsBeforeStreaming(t *testing.T) {
	e, _ := testEngineForStream(t, Config{FirstByteTimeout: time.Second})

	_, err := e.Stream(context.Background(), baseRequest(), types.TenantContext{})
	require.Error(t, err)
	typedErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrAllProvidersUnavailable, typedErr.Code)
}

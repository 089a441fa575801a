package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

type fakeLegacy struct {
	name            string
	nativeFuncCalls bool

	lastCompletionReq *llm.ChatRequest
	completionResp    *llm.ChatResponse
	completionErr     error

	streamChunks []llm.StreamChunk
	streamErr    error

	health    *llm.HealthStatus
	healthErr error
}

func (f *fakeLegacy) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastCompletionReq = req
	return f.completionResp, f.completionErr
}

func (f *fakeLegacy) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamChunk, len(f.streamChunks))
	for _, c := range f.streamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeLegacy) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return f.health, f.healthErr
}

func (f *fakeLegacy) Name() string { return f.name }

func (f *fakeLegacy) SupportsNativeFunctionCalling() bool { return f.nativeFuncCalls }

func (f *fakeLegacy) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func TestProvider_New_DerivesCapabilities(t *testing.T) {
	legacy := &fakeLegacy{name: "openai", nativeFuncCalls: true}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{})

	caps := p.Capabilities()
	assert.True(t, caps.Streaming)
	assert.True(t, caps.FunctionCalling)
}

func TestProvider_Descriptor_IncludesVendor(t *testing.T) {
	legacy := &fakeLegacy{name: "openai"}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{}).WithVendor("openai")

	d := p.Descriptor()
	assert.Equal(t, "openai/gpt-4", d.ID)
	assert.Equal(t, "openai", d.Vendor)
	assert.Equal(t, "openai", d.DisplayName)
}

func TestProvider_Supports_OpenModelUniverse(t *testing.T) {
	legacy := &fakeLegacy{name: "openai"}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{OpenModelUniverse: true})

	assert.True(t, p.Supports("anything", types.TenantContext{}))
}

func TestProvider_Supports_ExplicitModelList(t *testing.T) {
	legacy := &fakeLegacy{name: "openai"}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{SupportedModels: []string{"gpt-4"}})

	assert.True(t, p.Supports("gpt-4", types.TenantContext{}))
	assert.False(t, p.Supports("gpt-3.5", types.TenantContext{}))
}

func TestProvider_Infer_ConvertsRequestAndResponse(t *testing.T) {
	legacy := &fakeLegacy{
		name: "openai",
		completionResp: &llm.ChatResponse{
			Provider: "openai",
			Model:    "gpt-4",
			Choices: []llm.ChatChoice{
				{Message: types.Message{Role: types.RoleAssistant, Content: "hi"}, FinishReason: "stop"},
			},
			Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{})

	req := types.InferenceRequest{
		RequestID: "req-1",
		Model:     "gpt-4",
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Parameters: map[string]any{
			"temperature": 0.7,
			"maxTokens":   100,
		},
	}
	resp, err := p.Infer(context.Background(), req, types.TenantContext{TenantID: "tenant-1"})
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 15, resp.TokensUsed)

	require.NotNil(t, legacy.lastCompletionReq)
	assert.Equal(t, "tenant-1", legacy.lastCompletionReq.TenantID)
	assert.Equal(t, float32(0.7), legacy.lastCompletionReq.Temperature)
	assert.Equal(t, 100, legacy.lastCompletionReq.MaxTokens)
}

func TestProvider_Infer_PropagatesLegacyError(t *testing.T) {
	legacy := &fakeLegacy{name: "openai", completionErr: assert.AnError}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{})

	_, err := p.Infer(context.Background(), types.InferenceRequest{}, types.TenantContext{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestProvider_Stream_ConvertsChunksAndMarksFinal(t *testing.T) {
	legacy := &fakeLegacy{
		name: "openai",
		streamChunks: []llm.StreamChunk{
			{Delta: types.Message{Content: "hel"}},
			{Delta: types.Message{Content: "lo"}, FinishReason: "stop"},
		},
	}
	p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{})

	ch, err := p.Stream(context.Background(), types.InferenceRequest{RequestID: "req-1"}, types.TenantContext{})
	require.NoError(t, err)

	var chunks []types.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.False(t, chunks[0].IsFinal)
	assert.Equal(t, 1, chunks[1].Index)
	assert.True(t, chunks[1].IsFinal)
}

func TestProvider_Health_MapsStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status *llm.HealthStatus
		err    error
		want   types.HealthStatus
	}{
		{"healthy", &llm.HealthStatus{Healthy: true, ErrorRate: 0.01}, nil, types.HealthHealthy},
		{"degraded", &llm.HealthStatus{Healthy: true, ErrorRate: 0.5}, nil, types.HealthDegraded},
		{"unhealthy", &llm.HealthStatus{Healthy: false}, nil, types.HealthUnhealthy},
		{"errored", nil, assert.AnError, types.HealthUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			legacy := &fakeLegacy{name: "openai", health: c.status, healthErr: c.err}
			p := New(legacy, "openai/gpt-4", "1.0.0", types.ProviderCapabilities{})

			h, err := p.Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.want, h.Status)
		})
	}
}

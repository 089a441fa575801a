// Package bridge adapts the teacher's existing llm.Provider vendor
// adapters (ChatRequest/ChatResponse-shaped) to the orchestration
// subsystem's llm.InferenceProvider/StreamingProvider contract, so every
// vendor under llm/providers/* is reachable from the new orchestrator
// without rewriting each adapter.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

// Provider wraps a legacy llm.Provider as an llm.InferenceProvider (and,
// when the wrapped provider supports streaming, an
// llm.StreamingProvider). The underlying provider is always assumed
// streaming-capable here; Stream simply calls through to the wrapped
// Provider.Stream, which every teacher vendor adapter implements.
type Provider struct {
	legacy  llm.Provider
	id      string
	version string
	caps    types.ProviderCapabilities
	vendor  string
}

// WithVendor sets the vendor label surfaced in Descriptor(); New defaults
// it to empty.
func (p *Provider) WithVendor(vendor string) *Provider {
	p.vendor = vendor
	return p
}

// New wraps legacy under id/version, with the given capability set
// (callers supply this once per vendor; it cannot be derived from the
// legacy Provider interface, which has no capability-description method
// beyond SupportsNativeFunctionCalling).
func New(legacy llm.Provider, id, version string, caps types.ProviderCapabilities) *Provider {
	caps.Streaming = true
	caps.FunctionCalling = legacy.SupportsNativeFunctionCalling() || caps.FunctionCalling
	return &Provider{legacy: legacy, id: id, version: version, caps: caps}
}

func (p *Provider) ID() string      { return p.id }
func (p *Provider) Version() string { return p.version }

func (p *Provider) Descriptor() types.ProviderDescriptor {
	return types.ProviderDescriptor{
		ID:           p.id,
		Version:      p.version,
		DisplayName:  p.legacy.Name(),
		Capabilities: p.caps,
		Vendor:       p.vendor,
	}
}

func (p *Provider) Capabilities() types.ProviderCapabilities { return p.caps }

// Initialize is a no-op: legacy providers are constructed fully
// configured by llm/factory and handed to New already initialized.
func (p *Provider) Initialize(ctx context.Context, config map[string]any) error { return nil }

func (p *Provider) Supports(modelID string, tenant types.TenantContext) bool {
	if len(p.caps.SupportedModels) == 0 {
		return p.caps.OpenModelUniverse
	}
	for _, m := range p.caps.SupportedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	chatReq := toChatRequest(req, tenant)
	resp, err := p.legacy.Completion(ctx, chatReq)
	if err != nil {
		return types.InferenceResponse{}, err
	}
	return fromChatResponse(req, resp), nil
}

func (p *Provider) Stream(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (<-chan types.StreamChunk, error) {
	chatReq := toChatRequest(req, tenant)
	legacyChunks, err := p.legacy.Stream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamChunk, 8)
	go func() {
		defer close(out)
		index := 0
		for chunk := range legacyChunks {
			sc := types.StreamChunk{
				RequestID: req.RequestID,
				Index:     index,
				Delta:     chunk.Delta.Content,
				ToolCalls: chunk.Delta.ToolCalls,
				IsFinal:   chunk.FinishReason != "" || chunk.Err != nil,
			}
			if chunk.Err != nil {
				sc.Err = chunk.Err
			}
			if chunk.Usage != nil {
				sc.Usage = &types.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			index++
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
			if sc.IsFinal {
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) Health(ctx context.Context) (types.ProviderHealth, error) {
	status, err := p.legacy.HealthCheck(ctx)
	if err != nil {
		return types.ProviderHealth{Status: types.HealthUnknown, Message: err.Error(), Timestamp: time.Now()}, nil
	}
	health := types.ProviderHealth{Timestamp: time.Now()}
	switch {
	case status.Healthy && status.ErrorRate < 0.1:
		health.Status = types.HealthHealthy
	case status.Healthy:
		health.Status = types.HealthDegraded
	default:
		health.Status = types.HealthUnhealthy
	}
	health.Message = fmt.Sprintf("latency=%s errorRate=%.3f", status.Latency, status.ErrorRate)
	return health, nil
}

// Shutdown is a no-op: legacy providers do not expose a Close/Shutdown
// method; lifetime is managed by whatever constructed them via
// llm/factory.
func (p *Provider) Shutdown(ctx context.Context) error { return nil }

func toChatRequest(req types.InferenceRequest, tenant types.TenantContext) *llm.ChatRequest {
	cr := &llm.ChatRequest{
		TraceID:   tenant.TraceID,
		TenantID:  tenant.TenantID,
		UserID:    tenant.UserID,
		Model:     req.Model,
		Messages:  req.Messages,
		Tools:     req.Tools,
		Timeout:   req.Timeout,
		ToolChoice: string(req.ToolChoice.Mode),
	}
	if req.ToolChoice.Mode == types.ToolChoiceSpecific {
		cr.ToolChoice = req.ToolChoice.Name
	}
	if v, ok := req.Parameters["temperature"].(float64); ok {
		cr.Temperature = float32(v)
	}
	if v, ok := req.Parameters["topP"].(float64); ok {
		cr.TopP = float32(v)
	}
	if v, ok := req.Parameters["maxTokens"].(float64); ok {
		cr.MaxTokens = int(v)
	} else if v, ok := req.Parameters["maxTokens"].(int); ok {
		cr.MaxTokens = v
	}
	if v, ok := req.Parameters["stop"].([]string); ok {
		cr.Stop = v
	}
	return cr
}

func fromChatResponse(req types.InferenceRequest, resp *llm.ChatResponse) types.InferenceResponse {
	out := types.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        resp.Model,
		ProviderID:   resp.Provider,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TokensUsed:   resp.Usage.TotalTokens,
		Timestamp:    resp.CreatedAt,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.ToolCalls = choice.Message.ToolCalls
		out.StopReason = choice.FinishReason
	}
	return out
}

package api

import "time"

// =============================================================================
// Inference Completion Types (Execution Orchestrator)
// =============================================================================

// InferenceRequest represents a provider-agnostic completion request routed
// through the Model Router and Execution Orchestrator.
// @Description Inference completion request structure
type InferenceRequest struct {
	// Trace ID for request tracking
	TraceID string `json:"trace_id,omitempty" example:"trace-123"`
	// Tenant ID for multi-tenancy
	TenantID string `json:"tenant_id,omitempty" example:"tenant-1"`
	// User ID
	UserID string `json:"user_id,omitempty" example:"user-1"`
	// Model name (e.g., gpt-4, claude-3-opus)
	Model string `json:"model" example:"gpt-4" binding:"required"`
	// Conversation messages
	Messages []Message `json:"messages" binding:"required"`
	// Provider-specific sampling parameters (temperature, top_p, max_tokens, stop)
	Parameters map[string]any `json:"parameters,omitempty"`
	// Available tools for function calling
	Tools []ToolSchema `json:"tools,omitempty"`
	// Tool choice mode (auto, none, specific)
	ToolChoice string `json:"tool_choice,omitempty" example:"auto"`
	// Preferred provider ID; the router tries it first when healthy
	PreferredProvider string `json:"preferred_provider,omitempty" example:"openai"`
	// Request timeout duration
	Timeout string `json:"timeout,omitempty" example:"30s"`
	// Priority used by the async queue (1-10, higher runs first)
	Priority int `json:"priority,omitempty" example:"5"`
	// Pool hint narrows candidate selection to a provider pool
	PoolHint string `json:"pool_hint,omitempty"`
	// Marks the request as cost-sensitive for scoring
	CostSensitive bool `json:"cost_sensitive,omitempty"`
}

// InferenceResponse represents a completed inference result.
// @Description Inference completion response structure
type InferenceResponse struct {
	RequestID    string         `json:"request_id"`
	Model        string         `json:"model"`
	ProviderID   string         `json:"provider_id"`
	Content      string         `json:"content"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TokensUsed   int            `json:"tokens_used"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
	StopReason   string         `json:"stop_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// InferenceStreamChunk represents one SSE chunk of a streaming inference.
// @Description Streaming inference chunk structure
type InferenceStreamChunk struct {
	RequestID string      `json:"request_id"`
	Index     int         `json:"index"`
	Delta     string      `json:"delta"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	IsFinal   bool        `json:"is_final"`
	Usage     *ChatUsage  `json:"usage,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// AsyncSubmitResponse is returned immediately after an async job is queued.
// @Description Async job submission response
type AsyncSubmitResponse struct {
	JobID string `json:"job_id" example:"b3f1..."`
}

// AsyncJobResponse reports the current state of a submitted async job.
// @Description Async job status response
type AsyncJobResponse struct {
	JobID       string              `json:"job_id"`
	State       string              `json:"state" example:"PROCESSING"`
	SubmittedAt time.Time           `json:"submitted_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Response    *InferenceResponse  `json:"response,omitempty"`
	Error       *ErrorDetail        `json:"error,omitempty"`
}

// =============================================================================
// Provider Registry / Circuit Breaker / Plugin Registry Types
// =============================================================================

// InferenceProviderSummary describes one registered provider's descriptor,
// health, and circuit breaker state.
// @Description Inference provider summary structure
type InferenceProviderSummary struct {
	ID                  string `json:"id"`
	Version             string `json:"version"`
	DisplayName         string `json:"display_name"`
	Vendor              string `json:"vendor,omitempty"`
	HealthStatus        string `json:"health_status"`
	HealthMessage       string `json:"health_message,omitempty"`
	CircuitState        string `json:"circuit_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// InferenceProviderListResponse lists every registered inference provider.
// @Description Inference provider list response
type InferenceProviderListResponse struct {
	Providers []InferenceProviderSummary `json:"providers"`
}

// PluginSummary describes one registered orchestrator plugin.
// @Description Orchestrator plugin summary structure
type PluginSummary struct {
	ID    string `json:"id"`
	Phase string `json:"phase"`
	Order int    `json:"order"`
	State string `json:"state"`
}

// PluginListResponse lists every registered orchestrator plugin.
// @Description Orchestrator plugin list response
type PluginListResponse struct {
	Plugins []PluginSummary `json:"plugins"`
}

// PluginReloadRequest carries new configuration for an atomic plugin reload.
// @Description Plugin reload request structure
type PluginReloadRequest struct {
	Config map[string]any `json:"config,omitempty"`
}

package types

import "time"

// ToolSchema is defined in tool.go (shared with the llm package's provider
// adapters, which need the raw JSON schema rather than a decoded map).

// ToolChoiceMode selects how a model should use the tools on a request.
type ToolChoiceMode string

const (
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice pins tool usage. When Mode is ToolChoiceSpecific, Name
// identifies the required tool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// InferenceRequest is the normalized request accepted by the orchestrator.
// Callers construct it once; the orchestrator and its plugins never mutate
// the copy they were handed (providers receive it by value semantics).
type InferenceRequest struct {
	RequestID         string         `json:"requestId"`
	Model             string         `json:"model"`
	Messages          []Message      `json:"messages"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Tools             []ToolSchema   `json:"tools,omitempty"`
	ToolChoice        ToolChoice     `json:"toolChoice,omitempty"`
	Streaming         bool           `json:"streaming"`
	PreferredProvider string         `json:"preferredProvider,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty"`
	Priority          int            `json:"priority,omitempty"`
}

// DefaultRequestTimeout is applied when InferenceRequest.Timeout is zero.
const DefaultRequestTimeout = 60 * time.Second

// DefaultPriority is applied when InferenceRequest.Priority is zero.
const DefaultPriority = 5

// Normalize fills zero-value defaults and returns the effective request.
// It does not mutate r.
func (r InferenceRequest) Normalize() InferenceRequest {
	if r.Timeout <= 0 {
		r.Timeout = DefaultRequestTimeout
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	return r
}

// LastMessageValid reports whether the invariant "exactly one user or
// assistant message is last; system messages only lead" holds.
func (r InferenceRequest) LastMessageValid() bool {
	if len(r.Messages) == 0 {
		return false
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser && last.Role != RoleAssistant {
		return false
	}
	seenNonSystem := false
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if seenNonSystem {
				return false
			}
			continue
		}
		seenNonSystem = true
	}
	return true
}

// InferenceResponse is the result of a completed, non-streaming inference.
type InferenceResponse struct {
	RequestID   string         `json:"requestId"`
	Model       string         `json:"model"`
	ProviderID  string         `json:"providerId"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"toolCalls,omitempty"`
	InputTokens int            `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	TokensUsed  int            `json:"tokensUsed"`
	DurationMs  int64          `json:"durationMs"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StopReason  string         `json:"stopReason,omitempty"`
}

// StreamChunk is one element of a streaming inference response.
type StreamChunk struct {
	RequestID string         `json:"requestId"`
	Index     int            `json:"index"`
	Delta     string         `json:"delta"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	IsFinal   bool           `json:"isFinal"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Usage     *TokenUsage    `json:"usage,omitempty"`
	Err       error          `json:"-"`
}

// ArtifactLocation describes where a model format's weights live.
type ArtifactLocation struct {
	URI       string `json:"uri"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	MIME      string `json:"mime,omitempty"`
}

// ModelManifest describes a loadable model artifact. It is consumed
// read-only by the router; the orchestration subsystem never fetches or
// probes hardware for it.
type ModelManifest struct {
	ID                  string                      `json:"id"`
	SupportedFormats    []string                    `json:"supportedFormats"`
	Artifacts           map[string]ArtifactLocation `json:"artifacts"`
	SupportedDevices    []string                    `json:"supportedDevices"`
	ResourceRequirements map[string]any             `json:"resourceRequirements,omitempty"`
	TenantID            string                      `json:"tenantId,omitempty"`
	CreatedAt           time.Time                   `json:"createdAt"`
	UpdatedAt           time.Time                   `json:"updatedAt"`
}

// TenantContext is the per-request identity/policy envelope threaded
// through the orchestrator.
type TenantContext struct {
	TenantID         string        `json:"tenantId"`
	UserID           string        `json:"userId,omitempty"`
	SessionID        string        `json:"sessionId,omitempty"`
	TraceID          string        `json:"traceId,omitempty"`
	Attempt          int           `json:"attempt"`
	MaxAttempts      int           `json:"maxAttempts"`
	PreferredDevice  string        `json:"preferredDevice,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	CostSensitive    bool          `json:"costSensitive"`
	PoolHint         string        `json:"poolHint,omitempty"`
}

// DefaultMaxAttempts is used when TenantContext.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// EffectiveMaxAttempts returns MaxAttempts with the default applied.
func (t TenantContext) EffectiveMaxAttempts() int {
	if t.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return t.MaxAttempts
}

// ProviderCapabilities describes what a provider can do; used for filtering
// and scoring in the router.
type ProviderCapabilities struct {
	Streaming          bool     `json:"streaming"`
	Embeddings         bool     `json:"embeddings"`
	Multimodal         bool     `json:"multimodal"`
	FunctionCalling    bool     `json:"functionCalling"`
	ToolCalling        bool     `json:"toolCalling"`
	StructuredOutputs  bool     `json:"structuredOutputs"`
	SupportedFormats   []string `json:"supportedFormats,omitempty"`
	SupportedDevices   []string `json:"supportedDevices,omitempty"`
	MaxContextTokens   int      `json:"maxContextTokens,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
	SupportedModels    []string `json:"supportedModels,omitempty"`
	OpenModelUniverse  bool     `json:"openModelUniverse,omitempty"`
}

// ProviderDescriptor identifies a provider instance.
type ProviderDescriptor struct {
	ID          string               `json:"id"`
	Version     string               `json:"version"`
	DisplayName string               `json:"displayName"`
	Capabilities ProviderCapabilities `json:"capabilities"`
	Vendor      string               `json:"vendor,omitempty"`
	Homepage    string               `json:"homepage,omitempty"`
	Pool        string               `json:"pool,omitempty"`
}

// HealthStatus is the coarse health state of a provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// ProviderHealth is the last observed health of a provider, as stored in
// the registry's HEALTH_CACHE.
type ProviderHealth struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CircuitState is the coarse state of a per-provider circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitSnapshot is a read-only view of a circuit breaker's state,
// suitable for router scoring and introspection endpoints.
type CircuitSnapshot struct {
	ProviderID            string       `json:"providerId"`
	State                 CircuitState `json:"state"`
	ConsecutiveFailures   int          `json:"consecutiveFailures"`
	LastFailureAt         time.Time    `json:"lastFailureAt,omitempty"`
	OpenedAt              time.Time    `json:"openedAt,omitempty"`
	HalfOpenProbeInFlight bool         `json:"halfOpenProbeInFlight"`
}

// AsyncJobState is the lifecycle state of an AsyncJob.
type AsyncJobState string

const (
	AsyncJobPending    AsyncJobState = "PENDING"
	AsyncJobProcessing AsyncJobState = "PROCESSING"
	AsyncJobCompleted  AsyncJobState = "COMPLETED"
	AsyncJobFailed     AsyncJobState = "FAILED"
	AsyncJobCancelled  AsyncJobState = "CANCELLED"
)

// AsyncJobTTL is the time after reaching a terminal state that a job
// remains in the JobStore before the periodic sweep removes it.
const AsyncJobTTL = 24 * time.Hour

// AsyncJob is a unit of deferred inference work tracked by the async job
// manager and persisted through a JobStore.
type AsyncJob struct {
	JobID       string             `json:"jobId"`
	Request     InferenceRequest   `json:"request"`
	Tenant      TenantContext      `json:"tenant"`
	Priority    int                `json:"priority"`
	SubmittedAt time.Time          `json:"submittedAt"`
	State       AsyncJobState      `json:"state"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Response    *InferenceResponse `json:"response,omitempty"`
	Error       *Error             `json:"error,omitempty"`
	cancelRequested bool
}

// RequestCancel marks the job for cancellation. If the job is still
// PENDING the caller should transition it to CANCELLED directly; if
// PROCESSING, the worker observes this flag after the current provider
// call returns.
func (j *AsyncJob) RequestCancel() { j.cancelRequested = true }

// CancelRequested reports whether RequestCancel has been called.
func (j *AsyncJob) CancelRequested() bool { return j.cancelRequested }

// IsTerminal reports whether the job has reached a terminal state.
func (j *AsyncJob) IsTerminal() bool {
	switch j.State {
	case AsyncJobCompleted, AsyncJobFailed, AsyncJobCancelled:
		return true
	default:
		return false
	}
}

// PluginPhase identifies which stage of the execution pipeline a plugin
// contributes to.
type PluginPhase string

const (
	PhaseValidate PluginPhase = "VALIDATE"
	PhaseRoute    PluginPhase = "ROUTE"
	PhasePreInfer PluginPhase = "PRE_INFER"
	PhaseInfer    PluginPhase = "INFER"
	PhasePostInfer PluginPhase = "POST_INFER"
	PhaseAudit    PluginPhase = "AUDIT"
)

// PluginLifecycleState is the lifecycle state of a registered plugin.
type PluginLifecycleState string

const (
	PluginRegistered  PluginLifecycleState = "REGISTERED"
	PluginInitialized PluginLifecycleState = "INITIALIZED"
	PluginActive      PluginLifecycleState = "ACTIVE"
	PluginFailed      PluginLifecycleState = "FAILED"
	PluginStopped     PluginLifecycleState = "STOPPED"
)

// DefaultPluginOrder is used when a plugin does not specify an order.
const DefaultPluginOrder = 100

// AuditEventType enumerates the terminal audit events the orchestrator
// emits. Exactly one fires per request/stream per §7.
type AuditEventType string

const (
	AuditInferenceStarted   AuditEventType = "INFERENCE_STARTED"
	AuditInferenceCompleted AuditEventType = "INFERENCE_COMPLETED"
	AuditInferenceFailed    AuditEventType = "INFERENCE_FAILED"
	AuditInferenceCancelled AuditEventType = "INFERENCE_CANCELLED"
	AuditStreamStarted      AuditEventType = "STREAM_STARTED"
	AuditStreamCompleted    AuditEventType = "STREAM_COMPLETED"
	AuditStreamFailed       AuditEventType = "STREAM_FAILED"
)

// AuditEvent is the payload delivered to an AuditSink.
type AuditEvent struct {
	Type       AuditEventType `json:"type"`
	RunID      string         `json:"runId"`
	TenantID   string         `json:"tenantId,omitempty"`
	Model      string         `json:"model"`
	ProviderID string         `json:"providerId,omitempty"`
	DurationMs int64          `json:"durationMs"`
	TokensUsed int            `json:"tokensUsed,omitempty"`
	ErrorKind  ErrorCode      `json:"errorKind,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

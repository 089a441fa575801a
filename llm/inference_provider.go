package llm

import (
	"context"

	"github.com/BaSui01/agentflow/types"
)

// InferenceProvider is the canonical provider contract consumed by the
// orchestration subsystem (registry, router, circuit breaker, orchestrator).
// It generalizes the older ChatRequest/ChatResponse-shaped Provider
// interface above into the normalized request/response types the rest of
// the orchestration core operates on.
//
// Implementations MUST NOT mutate the request passed to Infer/Stream, and
// MUST be safe for concurrent use: the orchestrator may call Infer/Stream
// on the same instance from many goroutines at once.
type InferenceProvider interface {
	// ID returns the provider's namespace/name identifier, stable across
	// versions (e.g. "anthropic/claude").
	ID() string

	// Version returns this instance's semver.
	Version() string

	// Descriptor returns static identity/capability metadata.
	Descriptor() types.ProviderDescriptor

	// Capabilities returns the provider's capability set. Pure,
	// side-effect-free.
	Capabilities() types.ProviderCapabilities

	// Initialize configures the provider from an opaque config map. Called
	// once before the provider is registered.
	Initialize(ctx context.Context, config map[string]any) error

	// Supports reports whether this provider can serve modelID for tenant.
	// Pure and side-effect-free; used by the registry/router for filtering
	// and must never perform network I/O.
	Supports(modelID string, tenant types.TenantContext) bool

	// Infer executes a single request and returns within req.Timeout,
	// raising a TIMEOUT error on expiry. May suspend the calling goroutine
	// on I/O.
	Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error)

	// Health reports the provider's current health. May suspend on I/O;
	// the orchestrator never calls this on the hot path, only the
	// registry's background poller does.
	Health(ctx context.Context) (types.ProviderHealth, error)

	// Shutdown releases provider resources. Safe to call once; further
	// calls to Infer/Stream after Shutdown must fail.
	Shutdown(ctx context.Context) error
}

// StreamingProvider is implemented by InferenceProvider instances whose
// capabilities.streaming is true. It is a separate interface (composition,
// not an inheritance hierarchy) so non-streaming providers need not
// implement a no-op Stream.
type StreamingProvider interface {
	InferenceProvider

	// Stream returns a channel of chunks with strictly monotonic Index,
	// exactly one IsFinal=true chunk, then closes. Cancelling ctx must
	// free provider-side resources promptly; the stream is not
	// restartable.
	Stream(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (<-chan types.StreamChunk, error)
}

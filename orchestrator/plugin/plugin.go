// Package plugin implements the Plugin Registry & Lifecycle: ordered,
// phase-bound extensions run by the execution orchestrator. It
// generalizes agent/plugins' flat REGISTERED/INITIALIZED/FAILED/SHUTDOWN
// registry to phase+order bound plugins with an ACTIVE state and atomic
// reload, per the orchestration spec.
package plugin

import (
	"context"

	"github.com/BaSui01/agentflow/types"
)

// Phase re-exports types.PluginPhase for callers that only import this
// package.
type Phase = types.PluginPhase

const (
	Validate  = types.PhaseValidate
	Route     = types.PhaseRoute
	PreInfer  = types.PhasePreInfer
	Infer     = types.PhaseInfer
	PostInfer = types.PhasePostInfer
	Audit     = types.PhaseAudit
)

// Plugin is a single extension point. It declares exactly one phase and
// an order (ascending; DefaultOrder when unspecified). Run mutates ctx or
// short-circuits the pipeline by returning a non-nil error.
type Plugin interface {
	ID() string
	Version() string
	Phase() Phase
	Order() int

	Initialize(ctx context.Context, config map[string]any) error
	Activate(ctx context.Context) error
	Run(ctx context.Context, ec *ExecutionContext) error
	Shutdown(ctx context.Context) error
}

// ExecutionContext is the shared, per-request scope mutated by plugins
// within a single call. It is never shared across requests (spec §5).
type ExecutionContext struct {
	Request  types.InferenceRequest
	Tenant   types.TenantContext
	Response *types.InferenceResponse
	Err      error

	// Routing is populated by the ROUTE phase and consumed by INFER.
	Routing any

	// Attrs is a free-form bag plugins use to pass data between phases
	// (e.g. the quota plugin records an estimated token count PRE_INFER,
	// the tokencount plugin reconciles it POST_INFER).
	Attrs map[string]any
}

// NewExecutionContext creates a fresh per-request scope.
func NewExecutionContext(req types.InferenceRequest, tenant types.TenantContext) *ExecutionContext {
	return &ExecutionContext{Request: req, Tenant: tenant, Attrs: make(map[string]any)}
}

// ShortCircuit reports whether a prior phase has already set an error;
// callers use this to skip straight to AUDIT per spec §7 Propagation.
func (ec *ExecutionContext) ShortCircuit() bool { return ec.Err != nil }

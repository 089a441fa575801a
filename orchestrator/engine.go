// Package orchestrator implements the Execution Orchestrator: the phase
// pipeline (VALIDATE -> ROUTE -> PRE_INFER -> INFER -> POST_INFER ->
// AUDIT) that turns a normalized InferenceRequest into a concrete
// provider invocation with retry, fallback, circuit breaking, and
// cancellation. It generalizes the teacher's llm.ResilientProvider
// decorator (retry -> idempotency -> circuit-breaker layering) into the
// full pipeline described by the orchestration spec, replacing the
// teacher's two conflicting ResilientProvider definitions
// (llm/resilience.go, llm/resilient_provider.go) with this one canonical
// implementation.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/modelrouter"
	"github.com/BaSui01/agentflow/llm/registry"
	"github.com/BaSui01/agentflow/orchestrator/plugin"
	"github.com/BaSui01/agentflow/types"
)

// MetricsSink receives counters/timers from the orchestrator. Persistence
// and transport of metrics is an external collaborator; this is the only
// interface the orchestrator depends on.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveDuration(name string, d time.Duration, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

// nopMetrics is used when no MetricsSink is supplied.
type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string)                 {}
func (nopMetrics) ObserveDuration(string, time.Duration, map[string]string) {}
func (nopMetrics) SetGauge(string, float64, map[string]string)          {}

// Config tunes orchestrator-wide behavior; see config.OrchestratorConfig
// for the YAML-facing mirror of these fields.
type Config struct {
	MaxAttempts      int
	FirstByteTimeout time.Duration
	Backoff          BackoffPolicy
}

// DefaultConfig returns the spec-pinned defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		FirstByteTimeout: 10 * time.Second,
		Backoff:          DefaultBackoffPolicy(),
	}
}

// Engine is the single owning struct built once at startup (per spec §9
// Design Notes: no DI container, no singletons — collaborators are
// explicit fields, tests build fresh engines).
type Engine struct {
	cfg Config

	Registry  *registry.Registry
	Router    *modelrouter.Router
	Breakers  *circuitbreaker.Manager
	Plugins   *plugin.Registry

	metrics MetricsSink
	logger  *zap.Logger

	inflightMu sync.RWMutex
	inflight   map[string]*atomic.Int64
}

// New builds an Engine from its collaborators. reg, router, and breakers
// are required; metrics and logger default to no-ops when nil.
func New(cfg Config, reg *registry.Registry, router *modelrouter.Router, breakers *circuitbreaker.Manager, plugins *plugin.Registry, metrics MetricsSink, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = DefaultConfig().FirstByteTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		Registry: reg,
		Router:   router,
		Breakers: breakers,
		Plugins:  plugins,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "orchestrator")),
		inflight: make(map[string]*atomic.Int64),
	}
}

// InFlight implements modelrouter.InFlightCounter.
func (e *Engine) InFlight(providerID string) int {
	e.inflightMu.RLock()
	c, ok := e.inflight[providerID]
	e.inflightMu.RUnlock()
	if !ok {
		return 0
	}
	return int(c.Load())
}

func (e *Engine) inflightCounter(providerID string) *atomic.Int64 {
	e.inflightMu.RLock()
	c, ok := e.inflight[providerID]
	e.inflightMu.RUnlock()
	if ok {
		return c
	}
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if c, ok := e.inflight[providerID]; ok {
		return c
	}
	c = &atomic.Int64{}
	e.inflight[providerID] = c
	return c
}

func (e *Engine) beginCall(providerID string) {
	e.inflightCounter(providerID).Add(1)
	e.metrics.SetGauge("orchestrator_inflight", float64(e.InFlight(providerID)), map[string]string{"provider": providerID})
}

func (e *Engine) endCall(providerID string) {
	e.inflightCounter(providerID).Add(-1)
	e.metrics.SetGauge("orchestrator_inflight", float64(e.InFlight(providerID)), map[string]string{"provider": providerID})
}

// runPrePhases runs VALIDATE, ROUTE, and PRE_INFER in order and returns
// early if any plugin short-circuits.
func (e *Engine) runPrePhases(ctx context.Context, ec *plugin.ExecutionContext) {
	for _, phase := range []plugin.Phase{plugin.Validate, plugin.Route, plugin.PreInfer} {
		plugin.RunPhase(ctx, e.Plugins, phase, ec)
		if ec.ShortCircuit() {
			return
		}
	}
}

func (e *Engine) runPostPhases(ctx context.Context, ec *plugin.ExecutionContext) {
	for _, phase := range []plugin.Phase{plugin.PostInfer, plugin.Audit} {
		plugin.RunPhase(ctx, e.Plugins, phase, ec)
	}
}

// Infer executes a single, non-streaming request through the full phase
// pipeline, per spec §4.6.
func (e *Engine) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	req = req.Normalize()
	if tenant.Timeout <= 0 {
		tenant.Timeout = req.Timeout
	}

	deadline := time.Now().Add(req.Timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ec := plugin.NewExecutionContext(req, tenant)
	start := time.Now()

	e.runPrePhases(callCtx, ec)
	if ec.ShortCircuit() {
		e.runPostPhases(callCtx, ec)
		return types.InferenceResponse{}, ec.Err
	}

	decision, err := e.Router.Select(e.routingContext(req, tenant))
	if err != nil {
		ec.Err = err
		e.runPostPhases(callCtx, ec)
		return types.InferenceResponse{}, err
	}

	resp, err := e.attemptChain(callCtx, decision, req, tenant, start)
	ec.Response = resp
	ec.Err = err
	e.runPostPhases(callCtx, ec)

	if err != nil {
		return types.InferenceResponse{}, err
	}
	if ec.Response != nil {
		resp = *ec.Response
	}
	return resp, nil
}

func (e *Engine) routingContext(req types.InferenceRequest, tenant types.TenantContext) modelrouter.RoutingContext {
	return modelrouter.RoutingContext{
		ModelID:           req.Model,
		Request:           req,
		Tenant:            tenant,
		PreferredProvider: req.PreferredProvider,
		PreferredDevice:   tenant.PreferredDevice,
		CostSensitive:     tenant.CostSensitive,
		PoolHint:          tenant.PoolHint,
	}
}

// providerChain returns the ordered provider attempts, capped at
// tenant.maxAttempts and 1+|fallbacks|.
func providerChain(d modelrouter.RoutingDecision) []llm.InferenceProvider {
	chain := make([]llm.InferenceProvider, 0, 1+len(d.Fallbacks))
	chain = append(chain, d.Primary)
	chain = append(chain, d.Fallbacks...)
	return chain
}

func (e *Engine) attemptChain(ctx context.Context, decision modelrouter.RoutingDecision, req types.InferenceRequest, tenant types.TenantContext, start time.Time) (*types.InferenceResponse, error) {
	chain := providerChain(decision)
	maxAttempts := tenant.EffectiveMaxAttempts()
	if len(chain) < maxAttempts {
		maxAttempts = len(chain)
	}
	if maxAttempts == 0 {
		return nil, types.NewError(types.ErrAllProvidersUnavailable, "no provider in routing decision").WithRetryable(false)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, timeoutOrCancelled(ctx)
		}

		provider := chain[attempt]
		providerID := provider.ID()

		if attempt > 0 {
			if !e.skipBackoff(providerID, chain, attempt) {
				select {
				case <-time.After(e.cfg.Backoff.Delay(attempt - 1)):
				case <-ctx.Done():
					return nil, timeoutOrCancelled(ctx)
				}
			}
		}

		allowed, breakerErr := e.Breakers.Allow(providerID)
		if !allowed {
			lastErr = breakerErr
			e.metrics.IncCounter("orchestrator_circuit_open", map[string]string{"provider": providerID})
			continue
		}

		resp, err := e.callProvider(ctx, provider, req, tenant)
		if err == nil {
			e.Breakers.RecordSuccess(providerID)
			e.metrics.ObserveDuration("orchestrator_infer_duration", time.Since(start), map[string]string{"provider": providerID, "outcome": "success"})
			return &resp, nil
		}

		lastErr = err
		retryable := types.IsRetryable(err)
		e.Breakers.RecordFailure(providerID, retryable)
		e.metrics.IncCounter("orchestrator_infer_failure", map[string]string{"provider": providerID})

		if !retryable {
			break
		}
	}
	return nil, lastErr
}

// skipBackoff implements "Backoff is skipped for CIRCUIT_OPEN primary
// when a healthy fallback exists": if the previous provider's circuit is
// open and there is a non-open fallback, proceed immediately.
func (e *Engine) skipBackoff(nextProviderID string, chain []llm.InferenceProvider, attempt int) bool {
	prev := chain[attempt-1]
	if !e.Breakers.IsOpen(prev.ID()) {
		return false
	}
	return !e.Breakers.IsOpen(nextProviderID)
}

func (e *Engine) callProvider(ctx context.Context, provider llm.InferenceProvider, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	providerID := provider.ID()
	e.beginCall(providerID)
	defer e.endCall(providerID)

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	resp, err := provider.Infer(callCtx, req, tenant)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return types.InferenceResponse{}, types.NewError(types.ErrTimeout, "provider infer exceeded timeout").
				WithCause(err).WithRetryable(true).WithProvider(providerID)
		}
		return types.InferenceResponse{}, err
	}
	resp.ProviderID = providerID
	return resp, nil
}

func timeoutOrCancelled(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewError(types.ErrTimeout, "request deadline exceeded").WithRetryable(true)
	}
	return types.NewError(types.ErrCancelled, "request cancelled").WithRetryable(false)
}

// ListProviders returns every registered provider's descriptor and
// current health/circuit snapshot, for the listProviders boundary
// operation.
type ProviderSummary struct {
	Descriptor types.ProviderDescriptor
	Health     types.ProviderHealth
	Circuit    types.CircuitSnapshot
}

// ListProviders implements the listProviders() boundary operation.
func (e *Engine) ListProviders() []ProviderSummary {
	ids := e.Registry.List()
	out := make([]ProviderSummary, 0, len(ids))
	for _, id := range ids {
		p, ok := e.Registry.Get(id)
		if !ok {
			continue
		}
		health, _ := e.Registry.Health(id)
		out = append(out, ProviderSummary{
			Descriptor: p.Descriptor(),
			Health:     health,
			Circuit:    e.Breakers.Snapshot(id),
		})
	}
	return out
}

// ResetCircuit implements the resetCircuit(providerId) boundary
// operation.
func (e *Engine) ResetCircuit(providerID string) {
	e.Breakers.Reset(providerID)
}

// ListPlugins implements the listPlugins() boundary operation.
func (e *Engine) ListPlugins() []*plugin.Info {
	return e.Plugins.List()
}

// ReloadPlugin implements the reloadPlugin(id) boundary operation.
func (e *Engine) ReloadPlugin(ctx context.Context, id string, config map[string]any) error {
	return e.Plugins.Reload(ctx, id, config)
}

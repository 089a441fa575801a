package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/modelrouter"
	"github.com/BaSui01/agentflow/llm/registry"
	"github.com/BaSui01/agentflow/orchestrator/plugin"
)

// BootstrapConfig mirrors config.OrchestratorConfig field-for-field; it
// exists so this package does not import the config package (which would
// create an import cycle through cmd/agentflow).
type BootstrapConfig struct {
	MaxAttempts      int
	FirstByteTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffMult      float64
	BackoffJitter    bool

	CircuitFailureThreshold    int
	CircuitHalfOpenAfter       time.Duration
	CircuitHalfOpenConcurrency int
	CircuitResetOnSuccess      bool

	HealthInterval   time.Duration
	HealthProbeTimeout time.Duration

	RouterStrategy modelrouter.Strategy
}

// Bootstrap bundles the collaborators New needs plus the Async Job
// Manager's Inferrer, built in the leaves-first dependency order the
// spec's component table describes: registry -> circuit breaker ->
// plugin registry -> router -> engine.
type Bootstrap struct {
	Registry *registry.Registry
	Breakers *circuitbreaker.Manager
	Plugins  *plugin.Registry
	Router   *modelrouter.Router
	Engine   *Engine
}

// Build wires a fresh Bootstrap from cfg. Callers still call
// Registry.StartHealthPolling, Plugins.InitAndActivateAll, and register
// providers/plugins before serving traffic.
func Build(ctx context.Context, cfg BootstrapConfig, metrics MetricsSink, logger *zap.Logger) *Bootstrap {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithHealthInterval(orDefault(cfg.HealthInterval, registry.DefaultHealthInterval)),
		registry.WithProbeTimeout(orDefault(cfg.HealthProbeTimeout, registry.DefaultProbeTimeout)),
	)

	breakerCfg := circuitbreaker.DefaultManagerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitHalfOpenAfter > 0 {
		breakerCfg.HalfOpenAfter = cfg.CircuitHalfOpenAfter
	}
	if cfg.CircuitHalfOpenConcurrency > 0 {
		breakerCfg.HalfOpenConcurrency = cfg.CircuitHalfOpenConcurrency
	}
	breakerCfg.ResetOnSuccess = cfg.CircuitResetOnSuccess
	breakers := circuitbreaker.NewManager(breakerCfg)

	plugins := plugin.New(logger)

	strategy := cfg.RouterStrategy
	if strategy == "" {
		strategy = modelrouter.RoundRobin
	}

	engCfg := DefaultConfig()
	if cfg.MaxAttempts > 0 {
		engCfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.FirstByteTimeout > 0 {
		engCfg.FirstByteTimeout = cfg.FirstByteTimeout
	}
	if cfg.BackoffInitial > 0 {
		engCfg.Backoff = BackoffPolicy{
			Initial:    cfg.BackoffInitial,
			Max:        orDefault(cfg.BackoffMax, DefaultBackoffPolicy().Max),
			Multiplier: cfg.BackoffMult,
			Jitter:     cfg.BackoffJitter,
		}
		if engCfg.Backoff.Multiplier == 0 {
			engCfg.Backoff.Multiplier = DefaultBackoffPolicy().Multiplier
		}
	}

	engine := New(engCfg, reg, nil, breakers, plugins, metrics, logger)

	router := modelrouter.New(reg, breakers,
		modelrouter.WithStrategy(strategy),
		modelrouter.WithInFlightCounter(engine),
	)
	engine.Router = router

	return &Bootstrap{
		Registry: reg,
		Breakers: breakers,
		Plugins:  plugins,
		Router:   router,
		Engine:   engine,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

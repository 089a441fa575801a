package main

import (
	"time"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/llm/modelrouter"
	"github.com/BaSui01/agentflow/orchestrator"
	"github.com/BaSui01/agentflow/orchestrator/asyncjob"
)

// toBootstrapConfig translates the YAML-facing config.OrchestratorConfig
// (millisecond/hour ints, a plain strategy string) into the
// orchestrator package's own BootstrapConfig (time.Duration fields, a
// typed modelrouter.Strategy). The orchestrator package cannot import
// config without creating an import cycle through this package, so the
// conversion lives here instead.
func toBootstrapConfig(cfg config.OrchestratorConfig) orchestrator.BootstrapConfig {
	return orchestrator.BootstrapConfig{
		MaxAttempts:      cfg.MaxAttempts,
		FirstByteTimeout: cfg.FirstByteTimeout,

		BackoffInitial: time.Duration(cfg.Backoff.InitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Backoff.MaxMs) * time.Millisecond,
		BackoffMult:    cfg.Backoff.Multiplier,
		BackoffJitter:  cfg.Backoff.Jitter,

		CircuitFailureThreshold:    cfg.Circuit.FailureThreshold,
		CircuitHalfOpenAfter:       time.Duration(cfg.Circuit.HalfOpenAfterMs) * time.Millisecond,
		CircuitHalfOpenConcurrency: cfg.Circuit.HalfOpenConcurrency,
		CircuitResetOnSuccess:      cfg.Circuit.ResetOnSuccess,

		HealthInterval:     time.Duration(cfg.Health.IntervalMs) * time.Millisecond,
		HealthProbeTimeout: time.Duration(cfg.Health.ProbeTimeoutMs) * time.Millisecond,

		RouterStrategy: toRouterStrategy(cfg.Router.Strategy),
	}
}

func toRouterStrategy(s string) modelrouter.Strategy {
	switch s {
	case "weighted_random":
		return modelrouter.WeightedRandom
	case "least_loaded":
		return modelrouter.LeastLoaded
	case "failover":
		return modelrouter.Failover
	case "round_robin", "":
		return modelrouter.RoundRobin
	default:
		return modelrouter.RoundRobin
	}
}

// toAsyncConfig translates config.AsyncConfig into asyncjob.Config.
func toAsyncConfig(cfg config.AsyncConfig) asyncjob.Config {
	return asyncjob.Config{
		QueueCapacity: cfg.QueueCapacity,
		Workers:       cfg.Workers,
		SweepInterval: time.Duration(cfg.SweepIntervalH) * time.Hour,
		JobTTL:        time.Duration(cfg.JobTTLHours) * time.Hour,
	}
}

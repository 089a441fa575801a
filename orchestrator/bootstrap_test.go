package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/modelrouter"
)

func TestBuild_WiresAllCollaborators(t *testing.T) {
	b := Build(context.Background(), BootstrapConfig{}, nil, zap.NewNop())

	require.NotNil(t, b.Registry)
	require.NotNil(t, b.Breakers)
	require.NotNil(t, b.Plugins)
	require.NotNil(t, b.Router)
	require.NotNil(t, b.Engine)
	assert.Same(t, b.Router, b.Engine.Router)
}

func TestBuild_DefaultsWhenZeroValue(t *testing.T) {
	b := Build(context.Background(), BootstrapConfig{}, nil, nil)

	assert.Equal(t, DefaultConfig().MaxAttempts, b.Engine.cfg.MaxAttempts)
}

func TestBuild_OverridesApplied(t *testing.T) {
	cfg := BootstrapConfig{
		MaxAttempts:                7,
		FirstByteTimeout:           5 * time.Second,
		BackoffInitial:             50 * time.Millisecond,
		BackoffMax:                 2 * time.Second,
		BackoffMult:                1.5,
		BackoffJitter:              true,
		CircuitFailureThreshold:    3,
		CircuitHalfOpenAfter:       10 * time.Second,
		CircuitHalfOpenConcurrency: 2,
		CircuitResetOnSuccess:      true,
		RouterStrategy:             modelrouter.LeastLoaded,
	}
	b := Build(context.Background(), cfg, nil, zap.NewNop())

	got := b.Engine.cfg
	assert.Equal(t, 7, got.MaxAttempts)
	assert.Equal(t, 5*time.Second, got.FirstByteTimeout)
	assert.Equal(t, 50*time.Millisecond, got.Backoff.Initial)
	assert.Equal(t, 2*time.Second, got.Backoff.Max)
	assert.Equal(t, 1.5, got.Backoff.Multiplier)
	assert.True(t, got.Backoff.Jitter)
}

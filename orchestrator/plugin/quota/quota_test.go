package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

func TestMemoryStore_ReserveUnlimitedWhenNoLimit(t *testing.T) {
	s := NewMemoryStore(0)
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 1_000_000))
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 1_000_000))
}

func TestMemoryStore_ReserveExhaustsBudget(t *testing.T) {
	s := NewMemoryStore(100)
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 60))

	err := s.Reserve(context.Background(), "tenant-a", 50)
	require.Error(t, err)
	e, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrQuotaExceeded, e.Code)
	assert.False(t, e.Retryable)
}

func TestMemoryStore_ReserveIsolatesTenants(t *testing.T) {
	s := NewMemoryStore(100)
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 90))
	require.NoError(t, s.Reserve(context.Background(), "tenant-b", 90))
}

func TestMemoryStore_ReconcileAdjustsUsage(t *testing.T) {
	s := NewMemoryStore(100)
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 80))

	// Actual usage came in lower than estimated; frees budget for more.
	require.NoError(t, s.Reconcile(context.Background(), "tenant-a", 80, 20))
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 70))
}

func TestMemoryStore_ReconcileClampsAtZero(t *testing.T) {
	s := NewMemoryStore(100)
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 10))

	// A reconcile with actual < estimated by more than total used should
	// clamp at zero rather than go negative.
	require.NoError(t, s.Reconcile(context.Background(), "tenant-a", 50, 0))
	require.NoError(t, s.Reserve(context.Background(), "tenant-a", 100))
}

func TestLogSink_RecordNeverErrors(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	event := types.AuditEvent{
		Type:       types.AuditEventType("inference_completed"),
		RunID:      "run-1",
		TenantID:   "tenant-a",
		Model:      "gpt-4",
		ProviderID: "openai",
		DurationMs: 120,
		TokensUsed: 42,
	}
	require.NoError(t, sink.Record(context.Background(), event))
}

func TestNewLogSink_NilLoggerDefaultsToNop(t *testing.T) {
	sink := NewLogSink(nil)
	require.NotNil(t, sink.logger)
	require.NoError(t, sink.Record(context.Background(), types.AuditEvent{}))
}

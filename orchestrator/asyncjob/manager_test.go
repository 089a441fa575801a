package asyncjob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/types"
)

// fakeInferrer is a controllable Inferrer stand-in: it blocks on a
// channel until released, optionally returning a canned error.
type fakeInferrer struct {
	mu       sync.Mutex
	calls    []types.InferenceRequest
	release  chan struct{}
	blocking bool
	err      error
}

func newFakeInferrer() *fakeInferrer {
	return &fakeInferrer{release: make(chan struct{})}
}

func (f *fakeInferrer) Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	blocking := f.blocking
	release := f.release
	f.mu.Unlock()

	if blocking {
		select {
		case <-release:
		case <-ctx.Done():
			return types.InferenceResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return types.InferenceResponse{}, f.err
	}
	return types.InferenceResponse{RequestID: req.RequestID, Model: req.Model, Content: "ok"}, nil
}

func (f *fakeInferrer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testReq(model string, priority int) types.InferenceRequest {
	return types.InferenceRequest{
		RequestID: model,
		Model:     model,
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
		Priority:  priority,
		Timeout:   time.Second,
	}.Normalize()
}

func TestManager_SubmitAndComplete(t *testing.T) {
	infer := newFakeInferrer()
	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), infer, zap.NewNop())
	t.Cleanup(m.Stop)

	jobID, err := m.Submit(context.Background(), testReq("gpt-4", 5), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		job, err := m.Status(context.Background(), jobID)
		return err == nil && job.State == types.AsyncJobCompleted
	}, time.Second, 5*time.Millisecond)

	job, err := m.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job.Response)
	assert.Equal(t, "ok", job.Response.Content)
}

func TestManager_SubmitDedupesOnIdempotencyKey(t *testing.T) {
	infer := newFakeInferrer()
	cfg := Config{
		QueueCapacity: 10,
		Workers:       1,
		SweepInterval: time.Hour,
		JobTTL:        time.Hour,
		Idempotency:   idempotency.NewMemoryManager(zap.NewNop()),
	}
	m := New(cfg, NewMemoryStore(), infer, zap.NewNop())
	t.Cleanup(m.Stop)

	tenant := types.TenantContext{TenantID: "t1"}
	first, err := m.Submit(context.Background(), testReq("dedupe", 5), tenant, "client-key-1")
	require.NoError(t, err)

	second, err := m.Submit(context.Background(), testReq("dedupe", 5), tenant, "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeat submission with the same idempotency key must return the original job id")

	// A different tenant using the same key is a distinct submission.
	other, err := m.Submit(context.Background(), testReq("dedupe", 5), types.TenantContext{TenantID: "t2"}, "client-key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestManager_StatusUnknownJob(t *testing.T) {
	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), newFakeInferrer(), zap.NewNop())
	t.Cleanup(m.Stop)

	_, err := m.Status(context.Background(), "does-not-exist")
	require.Error(t, err)
	e, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrJobNotFound, e.Code)
}

func TestManager_CancelPendingJob(t *testing.T) {
	infer := newFakeInferrer()
	infer.blocking = true
	// Single worker kept busy on a first job so the second stays PENDING.
	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), infer, zap.NewNop())
	t.Cleanup(func() {
		close(infer.release)
		m.Stop()
	})

	_, err := m.Submit(context.Background(), testReq("busy", 5), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return infer.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	pendingID, err := m.Submit(context.Background(), testReq("pending", 5), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), pendingID))

	job, err := m.Status(context.Background(), pendingID)
	require.NoError(t, err)
	assert.Equal(t, types.AsyncJobCancelled, job.State)
}

func TestManager_PriorityOrdering(t *testing.T) {
	infer := newFakeInferrer()
	infer.blocking = true
	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), infer, zap.NewNop())

	_, err := m.Submit(context.Background(), testReq("first", 1), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return infer.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	lowID, err := m.Submit(context.Background(), testReq("low", 1), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)
	highID, err := m.Submit(context.Background(), testReq("high", 9), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)

	infer.mu.Lock()
	close(infer.release)
	infer.mu.Unlock()

	require.Eventually(t, func() bool {
		hi, err1 := m.Status(context.Background(), highID)
		lo, err2 := m.Status(context.Background(), lowID)
		return err1 == nil && err2 == nil && hi.State == types.AsyncJobCompleted && lo.State == types.AsyncJobCompleted
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	infer.mu.Lock()
	defer infer.mu.Unlock()
	require.Len(t, infer.calls, 3)
	assert.Equal(t, "first", infer.calls[0].Model)
	assert.Equal(t, "high", infer.calls[1].Model)
	assert.Equal(t, "low", infer.calls[2].Model)
}

func TestManager_QueueFull(t *testing.T) {
	infer := newFakeInferrer()
	infer.blocking = true
	m := New(Config{QueueCapacity: 1, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), infer, zap.NewNop())
	t.Cleanup(func() {
		close(infer.release)
		m.Stop()
	})

	_, err := m.Submit(context.Background(), testReq("first", 5), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return infer.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	_, err = m.Submit(context.Background(), testReq("second", 5), types.TenantContext{TenantID: "t1"}, "")
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), testReq("third", 5), types.TenantContext{TenantID: "t1"}, "")
	require.Error(t, err)
	e, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrQueueFull, e.Code)
	assert.True(t, e.Retryable)
}

func TestManager_Stats(t *testing.T) {
	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: time.Hour}, NewMemoryStore(), newFakeInferrer(), zap.NewNop())
	t.Cleanup(m.Stop)

	stats := m.Stats()
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 0, stats.ProcessingCount)
}

func TestManager_DefaultsApplied(t *testing.T) {
	m := New(Config{}, nil, newFakeInferrer(), nil)
	t.Cleanup(m.Stop)

	assert.Equal(t, DefaultQueueCapacity, m.cfg.QueueCapacity)
	assert.Equal(t, defaultWorkerCount(), m.cfg.Workers)
	assert.Equal(t, DefaultSweepInterval, m.cfg.SweepInterval)
	assert.Equal(t, types.AsyncJobTTL, m.cfg.JobTTL)
}

func TestManager_SweepUsesConfiguredTTL(t *testing.T) {
	store := NewMemoryStore()
	old := types.AsyncJob{
		JobID: "old-job",
		State: types.AsyncJobCompleted,
	}
	completed := time.Now().Add(-2 * time.Hour)
	old.CompletedAt = &completed
	require.NoError(t, store.Put(context.Background(), old))

	m := New(Config{QueueCapacity: 10, Workers: 1, SweepInterval: 10 * time.Millisecond, JobTTL: time.Hour}, store, newFakeInferrer(), zap.NewNop())
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		_, ok, err := store.Get(context.Background(), "old-job")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}

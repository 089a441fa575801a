package asyncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/types"
)

// Inferrer is the orchestrator collaborator the manager invokes for each
// dequeued job; orchestrator.Engine satisfies it.
type Inferrer interface {
	Infer(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (types.InferenceResponse, error)
}

// DefaultSweepInterval is how often terminal jobs older than
// types.AsyncJobTTL are purged from the store.
const DefaultSweepInterval = time.Hour

// Config tunes the manager; zero values take spec defaults.
type Config struct {
	QueueCapacity int
	Workers       int
	SweepInterval time.Duration
	// JobTTL is how long a terminal job survives in the store before the
	// sweep purges it. Defaults to types.AsyncJobTTL.
	JobTTL time.Duration
	// Idempotency, if set, backs Submit's submission-key dedupe. Nil
	// disables dedupe (every Submit creates a new job).
	Idempotency idempotency.Manager
}

// DefaultConfig returns the spec-pinned defaults: capacity 1000, workers
// = min(CPU, 4), hourly sweep, types.AsyncJobTTL retention.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		Workers:       defaultWorkerCount(),
		SweepInterval: DefaultSweepInterval,
		JobTTL:        types.AsyncJobTTL,
	}
}

func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}

// QueueStats is the getQueueStats() introspection result.
type QueueStats struct {
	QueueSize       int
	PendingCount    int
	ProcessingCount int
}

// Manager is the Async Job Manager: a bounded priority queue plus a fixed
// worker pool that runs jobs through an Inferrer, storing outcomes in a
// JobStore: fixed workers with priority dequeue and durable job records
// instead of a bare task channel.
type Manager struct {
	cfg   Config
	queue *boundedQueue
	store JobStore
	infer Inferrer

	logger *zap.Logger

	mu         sync.Mutex
	processing map[string]*types.AsyncJob // in-flight jobs, for cancel-flag + stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager with cfg and starts its worker pool and sweep
// loop. Call Stop to shut both down.
func New(cfg Config, store JobStore, infer Inferrer, logger *zap.Logger) *Manager {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = types.AsyncJobTTL
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:        cfg,
		queue:      newBoundedQueue(cfg.QueueCapacity),
		store:      store,
		infer:      infer,
		logger:     logger.With(zap.String("component", "async_job_manager")),
		processing: make(map[string]*types.AsyncJob),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// Submit enqueues req as a new async job, returning its job id. Fails
// with QUEUE_FULL (retryable) if the queue is at capacity.
//
// If idempotencyKey is non-empty and an Idempotency manager is
// configured, Submit dedupes on (idempotencyKey, tenant): a repeat
// submission of the same key before Config.JobTTL (default
// types.AsyncJobTTL) elapses returns
// the original job id instead of enqueueing a second job.
func (m *Manager) Submit(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext, idempotencyKey string) (string, error) {
	req = req.Normalize()

	var dedupeKey string
	if idempotencyKey != "" && m.cfg.Idempotency != nil {
		var err error
		dedupeKey, err = m.cfg.Idempotency.GenerateKey(idempotencyKey, tenant.TenantID)
		if err != nil {
			return "", fmt.Errorf("generate idempotency key: %w", err)
		}
		if cached, found, err := m.cfg.Idempotency.Get(ctx, dedupeKey); err == nil && found {
			var existingJobID string
			if err := json.Unmarshal(cached, &existingJobID); err == nil {
				m.logger.Debug("async submit deduped", zap.String("jobId", existingJobID))
				return existingJobID, nil
			}
		}
	}

	jobID := uuid.New().String()
	job := types.AsyncJob{
		JobID:       jobID,
		Request:     req,
		Tenant:      tenant,
		Priority:    req.Priority,
		SubmittedAt: time.Now(),
		State:       types.AsyncJobPending,
	}
	if err := m.store.Put(ctx, job); err != nil {
		return "", err
	}
	if err := m.queue.push(jobID, job.Priority); err != nil {
		_ = m.store.Delete(ctx, jobID)
		return "", err
	}

	if dedupeKey != "" {
		if err := m.cfg.Idempotency.Set(ctx, dedupeKey, jobID, m.cfg.JobTTL); err != nil {
			m.logger.Warn("failed to store idempotency key", zap.String("jobId", jobID), zap.Error(err))
		}
	}

	return jobID, nil
}

// Status implements getStatus(jobId).
func (m *Manager) Status(ctx context.Context, jobID string) (types.AsyncJob, error) {
	job, ok, err := m.store.Get(ctx, jobID)
	if err != nil {
		return types.AsyncJob{}, err
	}
	if !ok {
		return types.AsyncJob{}, types.NewError(types.ErrJobNotFound, "async job not found").WithRetryable(false)
	}
	return job, nil
}

// Cancel implements cancel(jobId): if PENDING it is removed from the
// queue and marked CANCELLED immediately; if PROCESSING a cancel flag is
// set for the worker to observe after its current provider call.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	if m.queue.remove(jobID) {
		job, ok, err := m.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return types.NewError(types.ErrJobNotFound, "async job not found").WithRetryable(false)
		}
		now := time.Now()
		job.State = types.AsyncJobCancelled
		job.CompletedAt = &now
		return m.store.Put(ctx, job)
	}

	m.mu.Lock()
	job, inFlight := m.processing[jobID]
	if inFlight {
		job.RequestCancel()
	}
	m.mu.Unlock()
	if inFlight {
		return nil
	}
	return types.NewError(types.ErrJobNotFound, "async job not found").WithRetryable(false)
}

// Stats implements getQueueStats().
func (m *Manager) Stats() QueueStats {
	m.mu.Lock()
	processing := len(m.processing)
	m.mu.Unlock()
	return QueueStats{
		QueueSize:       m.queue.len(),
		PendingCount:    m.queue.len(),
		ProcessingCount: processing,
	}
}

// Stop drains the worker pool and sweep loop. It does not wait for
// in-flight jobs beyond their own context deadlines.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		jobID, ok := m.queue.pop()
		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-m.queue.notify:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		m.runJob(jobID)

		select {
		case <-m.stopCh:
			return
		default:
		}
	}
}

func (m *Manager) runJob(jobID string) {
	ctx := context.Background()
	job, ok, err := m.store.Get(ctx, jobID)
	if err != nil || !ok {
		m.logger.Warn("dequeued job missing from store", zap.String("jobId", jobID), zap.Error(err))
		return
	}

	now := time.Now()
	job.StartedAt = &now
	job.State = types.AsyncJobProcessing
	if err := m.store.Put(ctx, job); err != nil {
		m.logger.Error("failed to mark job processing", zap.String("jobId", jobID), zap.Error(err))
	}

	m.mu.Lock()
	m.processing[jobID] = &job
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, job.Request.Timeout)
	resp, inferErr := m.infer.Infer(callCtx, job.Request, job.Tenant)
	cancel()

	m.mu.Lock()
	cancelled := job.CancelRequested()
	delete(m.processing, jobID)
	m.mu.Unlock()

	completed := time.Now()
	job.CompletedAt = &completed
	switch {
	case cancelled:
		job.State = types.AsyncJobCancelled
	case inferErr != nil:
		job.State = types.AsyncJobFailed
		if e, ok := inferErr.(*types.Error); ok {
			job.Error = e
		} else {
			job.Error = types.NewError(types.ErrInternalError, inferErr.Error())
		}
	default:
		job.State = types.AsyncJobCompleted
		job.Response = &resp
	}

	if err := m.store.Put(ctx, job); err != nil {
		m.logger.Error("failed to store job outcome", zap.String("jobId", jobID), zap.Error(err))
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.JobTTL)
			n, err := m.store.SweepExpired(context.Background(), cutoff)
			if err != nil {
				m.logger.Warn("async job sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("swept expired async jobs", zap.Int("count", n))
			}
		}
	}
}

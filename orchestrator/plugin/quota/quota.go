// Package quota provides the QuotaStore and AuditSink implementations
// the bootstrap wires into the built-in quota, token count, and audit
// log plugins: a process-local MemoryStore for single-instance
// deployments, and a RedisStore for multi-instance ones, following the
// same key-prefix idiom as llm/idempotency's redisManager.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// MemoryStore is a process-local token budget tracker keyed by tenant ID.
// It is not durable across restarts or shared across instances; use
// RedisStore for those deployments.
type MemoryStore struct {
	mu    sync.Mutex
	used  map[string]int
	limit int
}

// NewMemoryStore creates a store where every tenant shares the same
// per-window token limit. A limit of 0 disables enforcement.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		used:  make(map[string]int),
		limit: limit,
	}
}

// Reserve implements plugin.QuotaStore.
func (s *MemoryStore) Reserve(ctx context.Context, tenantID string, estimatedTokens int) error {
	if s.limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used[tenantID]
	if used+estimatedTokens > s.limit {
		return types.NewError(types.ErrQuotaExceeded, "tenant token budget exhausted").
			WithRetryable(false)
	}
	s.used[tenantID] = used + estimatedTokens
	return nil
}

// Reconcile implements plugin.QuotaStore, adjusting a reservation to the
// tokens actually consumed once the provider responds.
func (s *MemoryStore) Reconcile(ctx context.Context, tenantID string, estimatedTokens, actualTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := actualTokens - estimatedTokens
	s.used[tenantID] += delta
	if s.used[tenantID] < 0 {
		s.used[tenantID] = 0
	}
	return nil
}

// RedisStore is a durable, multi-instance-safe QuotaStore backed by
// Redis INCRBY, grounded on llm/idempotency's redisManager key-prefix
// idiom. Budgets reset when the window TTL (set on first reservation
// each period) expires rather than on a rolling basis.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisStore creates a RedisStore. A limit of 0 disables enforcement
// (Reserve always succeeds). window is the quota period after which a
// tenant's usage counter resets; it defaults to one hour.
func NewRedisStore(client *redis.Client, prefix string, limit int, window time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "quota:"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, limit: limit, window: window}
}

func (s *RedisStore) key(tenantID string) string { return s.prefix + tenantID }

// Reserve implements plugin.QuotaStore.
func (s *RedisStore) Reserve(ctx context.Context, tenantID string, estimatedTokens int) error {
	if s.limit <= 0 {
		return nil
	}
	key := s.key(tenantID)
	used, err := s.client.IncrBy(ctx, key, int64(estimatedTokens)).Result()
	if err != nil {
		return fmt.Errorf("quota reserve: %w", err)
	}
	if used == int64(estimatedTokens) {
		// First reservation of the window; arm the TTL.
		s.client.Expire(ctx, key, s.window)
	}
	if used > int64(s.limit) {
		s.client.DecrBy(ctx, key, int64(estimatedTokens))
		return types.NewError(types.ErrQuotaExceeded, "tenant token budget exhausted").
			WithRetryable(false)
	}
	return nil
}

// Reconcile implements plugin.QuotaStore, adjusting a reservation to the
// tokens actually consumed once the provider responds.
func (s *RedisStore) Reconcile(ctx context.Context, tenantID string, estimatedTokens, actualTokens int) error {
	delta := actualTokens - estimatedTokens
	if delta == 0 {
		return nil
	}
	if err := s.client.IncrBy(ctx, s.key(tenantID), int64(delta)).Err(); err != nil {
		return fmt.Errorf("quota reconcile: %w", err)
	}
	return nil
}

// LogSink is an AuditSink that writes every audit event to a zap logger;
// it stands in for a durable sink (database, message queue) in deployments
// that need a queryable audit trail.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates an audit sink backed by logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Record implements plugin.AuditSink.
func (s *LogSink) Record(ctx context.Context, event types.AuditEvent) error {
	s.logger.Info("audit event",
		zap.String("type", string(event.Type)),
		zap.String("runId", event.RunID),
		zap.String("tenantId", event.TenantID),
		zap.String("model", event.Model),
		zap.String("providerId", event.ProviderID),
		zap.Int64("durationMs", event.DurationMs),
		zap.Int("tokensUsed", event.TokensUsed),
		zap.Time("timestamp", event.Timestamp),
	)
	return nil
}

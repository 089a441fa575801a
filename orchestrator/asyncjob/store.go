package asyncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/agentflow/types"
)

// JobStore persists AsyncJob records. Job records are immutable except
// for state transitions (copy-on-write): callers always pass a full
// snapshot to Put, never a partial update.
type JobStore interface {
	Put(ctx context.Context, job types.AsyncJob) error
	Get(ctx context.Context, jobID string) (types.AsyncJob, bool, error)
	Delete(ctx context.Context, jobID string) error
	// SweepExpired deletes every terminal-state job whose CompletedAt is
	// older than olderThan, returning the count removed.
	SweepExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// memoryStore is the always-available in-memory JobStore, grounded on
// llm/idempotency's memoryManager. It is the required fallback per spec;
// RedisStore and MongoStore are optional durable backends.
type memoryStore struct {
	mu   sync.RWMutex
	jobs map[string]types.AsyncJob
}

// NewMemoryStore creates the in-memory JobStore.
func NewMemoryStore() JobStore {
	return &memoryStore{jobs: make(map[string]types.AsyncJob)}
}

func (s *memoryStore) Put(_ context.Context, job types.AsyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	return nil
}

func (s *memoryStore) Get(_ context.Context, jobID string) (types.AsyncJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok, nil
}

func (s *memoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *memoryStore) SweepExpired(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// redisStore is a durable JobStore backed by Redis, grounded on
// llm/idempotency's redisManager (key prefix + JSON marshalling).
type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed JobStore. ttl bounds how long a
// job key survives after Put; it should be >= types.AsyncJobTTL so the
// manager's own sweep, not Redis expiry, is the primary cleanup path for
// jobs still visible to getStatus.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) JobStore {
	if prefix == "" {
		prefix = "asyncjob:"
	}
	if ttl <= 0 {
		ttl = types.AsyncJobTTL + time.Hour
	}
	return &redisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *redisStore) key(jobID string) string { return s.prefix + jobID }

func (s *redisStore) Put(ctx context.Context, job types.AsyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal async job: %w", err)
	}
	if err := s.client.Set(ctx, s.key(job.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put async job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, jobID string) (types.AsyncJob, bool, error) {
	data, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return types.AsyncJob{}, false, nil
		}
		return types.AsyncJob{}, false, fmt.Errorf("get async job %s: %w", jobID, err)
	}
	var job types.AsyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return types.AsyncJob{}, false, fmt.Errorf("unmarshal async job %s: %w", jobID, err)
	}
	return job, true, nil
}

func (s *redisStore) Delete(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.key(jobID)).Err()
}

// SweepExpired is a no-op for Redis: the per-key TTL already expires
// records. The manager still calls it on an hourly timer for
// implementations (memory, Mongo) that need an explicit sweep.
func (s *redisStore) SweepExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// mongoStore is a durable JobStore backed by MongoDB.
type mongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed JobStore using coll, keyed on
// the "_id" field holding the job id.
func NewMongoStore(coll *mongo.Collection) JobStore {
	return &mongoStore{coll: coll}
}

type mongoJob struct {
	ID  string         `bson:"_id"`
	Job types.AsyncJob `bson:"job"`
}

func (s *mongoStore) Put(ctx context.Context, job types.AsyncJob) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": job.JobID}, mongoJob{ID: job.JobID, Job: job}, opts)
	if err != nil {
		return fmt.Errorf("put async job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *mongoStore) Get(ctx context.Context, jobID string) (types.AsyncJob, bool, error) {
	var doc mongoJob
	err := s.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return types.AsyncJob{}, false, nil
		}
		return types.AsyncJob{}, false, fmt.Errorf("get async job %s: %w", jobID, err)
	}
	return doc.Job, true, nil
}

func (s *mongoStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": jobID})
	return err
}

func (s *mongoStore) SweepExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"job.state":       bson.M{"$in": []types.AsyncJobState{types.AsyncJobCompleted, types.AsyncJobFailed, types.AsyncJobCancelled}},
		"job.completedAt": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, fmt.Errorf("sweep expired async jobs: %w", err)
	}
	return int(res.DeletedCount), nil
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/expense-core/internal/apperr"
)

// Job is one unit of orchestrator work in flight on the local queue.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt"`
}

// RedisQueueConfig configures RedisQueue.
type RedisQueueConfig struct {
	URL    string
	Prefix string
}

// RedisQueue is the per-worker job queue: one Redis list per job name plus a
// sorted-set of jobs currently being processed, adapted from the teacher's
// queue/redis/queue.go (same RPush/BLPop/ZAdd idiom, generalized from a
// single fixed Job shape to named orchestrator jobs). Unlike the teacher's
// version this does not pin a context.Context on the struct: every method
// takes its own, which is the idiomatic shape and avoids a stale ctx
// outliving the call that built the queue.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue dials cfg.URL (defaulting to redis://localhost:6379/0) and
// verifies connectivity with a PING.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid redis url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "redis ping failed", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orchestrator:"
	}
	return &RedisQueue{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) queueKey(jobName string) string { return fmt.Sprintf("%s%s", q.prefix, jobName) }

func (q *RedisQueue) processingKey() string { return q.prefix + "processing" }

// Enqueue pushes job onto its named queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "job marshal failed", err)
	}
	if err := q.client.RPush(ctx, q.queueKey(job.Name), string(body)).Err(); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "enqueue failed", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job on jobName's queue. Returns
// (nil, false, nil) on timeout, not an error: an empty queue is expected,
// ordinary steady-state.
func (q *RedisQueue) Dequeue(ctx context.Context, jobName string, timeout time.Duration) (*Job, bool, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	result, err := q.client.BLPop(dctx, timeout, q.queueKey(jobName)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.UpstreamUnavailable, "dequeue failed", err)
	}
	if len(result) < 2 {
		return nil, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "job unmarshal failed", err)
	}
	return &job, true, nil
}

// MarkProcessing records job.ID in the processing set with deadline as its
// score, so a crashed worker's in-flight jobs are visible to an operator.
func (q *RedisQueue) MarkProcessing(ctx context.Context, jobID string, deadline time.Time) error {
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: jobID}).Err()
}

// CompleteJob removes jobID from the processing set.
func (q *RedisQueue) CompleteJob(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.processingKey(), jobID).Err()
}

// FailJob removes job from the processing set and, if requeue is set,
// re-enqueues it with Attempt incremented.
func (q *RedisQueue) FailJob(ctx context.Context, job Job, requeue bool) error {
	if err := q.CompleteJob(ctx, job.ID); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	job.Attempt++
	job.EnqueuedAt = time.Now()
	return q.Enqueue(ctx, job)
}

// QueueDepth reports how many jobs are waiting on jobName's queue.
func (q *RedisQueue) QueueDepth(ctx context.Context, jobName string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(jobName)).Result()
}

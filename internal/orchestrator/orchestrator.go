// Package orchestrator implements the Background Orchestrator (spec §4.14):
// a small named-job work queue fed from both a durable AMQP fan-out
// (internal/queue, adapted from the teacher's queue/rabbit.go) and a local
// Redis-backed worker queue (adapted from the teacher's queue/redis). Each
// job records its own success or failure; a failed job is retried with
// exponential backoff up to maxAttempts and then moved to a dead-letter
// table for manual review.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/queue"
)

// The seven named jobs spec §4.14 enumerates.
const (
	JobWriteChangeLog           = "write_change_log"
	JobWriteStatusLog           = "write_status_log"
	JobTriggerAutoAuth          = "trigger_auto_auth"
	JobRefreshAffinity          = "refresh_affinity"
	JobInvalidateCacheForVendor = "invalidate_cache_for_vendor"
	JobSendChatDigest           = "send_chat_digest"
	JobCleanupCacheTombstones   = "cleanup_cache_tombstones"
)

const defaultMaxAttempts = 3

// Handler executes one job's payload. Large inputs (file bytes) must arrive
// as a blob key inside payload, never inlined, so the queue never pins
// memory (spec §4.14).
type Handler func(ctx context.Context, payload json.RawMessage) error

// publisher is the durable, cross-process fan-out side; satisfied by
// *queue.Publisher.
type publisher interface {
	Publish(job queue.Job) error
}

// localQueue is the single-process worker-loop side; satisfied by
// *RedisQueue.
type localQueue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context, jobName string, timeout time.Duration) (*Job, bool, error)
	MarkProcessing(ctx context.Context, jobID string, deadline time.Time) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, job Job, requeue bool) error
}

// recorder persists job outcomes; satisfied by *gormRecorder in production
// and a fake in tests, so the retry/dead-letter control flow in process is
// testable without a live database.
type recorder interface {
	RecordRun(ctx context.Context, run JobRun) error
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

type gormRecorder struct{ db *gorm.DB }

func (r *gormRecorder) RecordRun(ctx context.Context, run JobRun) error {
	return r.db.WithContext(ctx).Create(&run).Error
}

func (r *gormRecorder) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	return r.db.WithContext(ctx).Create(&dl).Error
}

func (r *gormRecorder) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var rows []DeadLetter
	err := r.db.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// JobRun is one append-only record of a job's final outcome.
type JobRun struct {
	ID         string `gorm:"primaryKey"`
	JobName    string `gorm:"index"`
	Succeeded  bool
	Attempts   int
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (JobRun) TableName() string { return "orchestrator_job_runs" }

// DeadLetter is a job that exhausted its retry budget, held for manual
// review (spec §4.14).
type DeadLetter struct {
	ID        string `gorm:"primaryKey"`
	JobName   string `gorm:"index"`
	Payload   []byte `gorm:"type:jsonb"`
	LastError string
	Attempts  int
	FailedAt  time.Time
}

func (DeadLetter) TableName() string { return "orchestrator_dead_letters" }

// Orchestrator dispatches named jobs and drives the local worker loop.
type Orchestrator struct {
	rec         recorder
	publisher   publisher // nil is valid: cross-process fan-out is optional
	local       localQueue
	handlers    map[string]Handler
	maxAttempts int
	log         *obs.Log
}

// New builds an Orchestrator, running AutoMigrate for JobRun and DeadLetter.
// publisher may be nil if this process never needs cross-process fan-out
// (e.g. a single-binary deployment or a test).
func New(db *gorm.DB, pub publisher, local localQueue, log *obs.Log) (*Orchestrator, error) {
	if err := db.AutoMigrate(&JobRun{}, &DeadLetter{}); err != nil {
		return nil, err
	}
	return &Orchestrator{
		rec: &gormRecorder{db: db}, publisher: pub, local: local,
		handlers: make(map[string]Handler), maxAttempts: defaultMaxAttempts, log: log,
	}, nil
}

// Register binds a Handler to a job name. Call once per name in
// {JobWriteChangeLog, JobWriteStatusLog, JobTriggerAutoAuth,
// JobRefreshAffinity, JobInvalidateCacheForVendor, JobSendChatDigest,
// JobCleanupCacheTombstones} during startup.
func (o *Orchestrator) Register(jobName string, h Handler) {
	o.handlers[jobName] = h
}

// Dispatch marshals payload, publishes it to the durable AMQP fan-out (if
// configured) for other processes, and enqueues it on the local worker
// queue for this process to pick up.
func (o *Orchestrator) Dispatch(ctx context.Context, jobName string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "job payload marshal failed", err)
	}
	now := time.Now()

	if o.publisher != nil {
		if err := o.publisher.Publish(queue.Job{Name: jobName, Payload: body, EnqueuedAt: now}); err != nil {
			o.log.WithError(err).Warn("durable job fan-out failed, continuing with local enqueue only")
		}
	}

	job := Job{ID: uuid.NewString(), Name: jobName, Payload: body, EnqueuedAt: now}
	if err := o.local.Enqueue(ctx, job); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "local job enqueue failed", err)
	}
	return nil
}

// RunOnce dequeues at most one job named jobName (waiting up to pollTimeout)
// and processes it. Returns false, nil when the queue was empty.
func (o *Orchestrator) RunOnce(ctx context.Context, jobName string, pollTimeout time.Duration) (bool, error) {
	job, ok, err := o.local.Dequeue(ctx, jobName, pollTimeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	o.process(ctx, *job)
	return true, nil
}

// RunWorker polls jobName's queue until ctx is cancelled, processing jobs as
// they arrive. Intended to run as a goroutine per registered job name.
func (o *Orchestrator) RunWorker(ctx context.Context, jobName string, pollTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := o.RunOnce(ctx, jobName, pollTimeout); err != nil {
			o.log.WithError(err).Warn("orchestrator worker poll failed")
		}
	}
}

// DeadLetters returns the most recent dead-lettered jobs, newest first, for
// the /jobs/dead_letter review surface.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.rec.DeadLetters(ctx, limit)
}

func (o *Orchestrator) process(ctx context.Context, job Job) {
	started := time.Now()
	deadline := started.Add(5 * time.Minute)
	if err := o.local.MarkProcessing(ctx, job.ID, deadline); err != nil {
		o.log.WithError(err).Warn("mark-processing failed")
	}

	handler, ok := o.handlers[job.Name]
	if !ok {
		detail := "no handler registered for job " + job.Name
		o.finish(ctx, job, started, false, 0, detail)
		_ = o.local.FailJob(ctx, job, false)
		o.deadLetter(ctx, job, 0, apperr.New(apperr.Internal, detail))
		return
	}

	attempts := 0
	op := func() error {
		attempts++
		return handler(ctx, job.Payload)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.maxAttempts-1)), ctx)
	err := backoff.Retry(op, bo)

	if err == nil {
		o.finish(ctx, job, started, true, attempts, "")
		_ = o.local.CompleteJob(ctx, job.ID)
		return
	}

	o.finish(ctx, job, started, false, attempts, err.Error())
	_ = o.local.FailJob(ctx, job, false)
	o.deadLetter(ctx, job, attempts, err)
}

func (o *Orchestrator) finish(ctx context.Context, job Job, started time.Time, ok bool, attempts int, detail string) {
	run := JobRun{
		ID: uuid.NewString(), JobName: job.Name, Succeeded: ok, Attempts: attempts,
		Detail: detail, StartedAt: started, FinishedAt: time.Now(),
	}
	if err := o.rec.RecordRun(ctx, run); err != nil {
		o.log.WithError(err).Warn("job-run record failed")
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, job Job, attempts int, cause error) {
	row := DeadLetter{
		ID: uuid.NewString(), JobName: job.Name, Payload: job.Payload,
		LastError: cause.Error(), Attempts: attempts, FailedAt: time.Now(),
	}
	if err := o.rec.RecordDeadLetter(ctx, row); err != nil {
		o.log.WithError(err).Warn("dead-letter record failed")
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/queue"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.Job
	err       error
}

func (f *fakePublisher) Publish(job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, job)
	return nil
}

type fakeLocalQueue struct {
	mu       sync.Mutex
	queues   map[string][]Job
	failed   []Job
	requeued []Job
}

func newFakeLocalQueue() *fakeLocalQueue {
	return &fakeLocalQueue{queues: make(map[string][]Job)}
}

func (f *fakeLocalQueue) Enqueue(ctx context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[job.Name] = append(f.queues[job.Name], job)
	return nil
}

func (f *fakeLocalQueue) Dequeue(ctx context.Context, jobName string, timeout time.Duration) (*Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[jobName]
	if len(q) == 0 {
		return nil, false, nil
	}
	job := q[0]
	f.queues[jobName] = q[1:]
	return &job, true, nil
}

func (f *fakeLocalQueue) MarkProcessing(ctx context.Context, jobID string, deadline time.Time) error {
	return nil
}

func (f *fakeLocalQueue) CompleteJob(ctx context.Context, jobID string) error { return nil }

func (f *fakeLocalQueue) FailJob(ctx context.Context, job Job, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job)
	if requeue {
		f.requeued = append(f.requeued, job)
	}
	return nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	runs        []JobRun
	deadLetters []DeadLetter
}

func (f *fakeRecorder) RecordRun(ctx context.Context, run JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRecorder) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, dl)
	return nil
}

func (f *fakeRecorder) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadLetters, nil
}

func testOrchestrator(pub *fakePublisher, local *fakeLocalQueue, rec *fakeRecorder) *Orchestrator {
	return &Orchestrator{
		rec: rec, publisher: pub, local: local,
		handlers: make(map[string]Handler), maxAttempts: defaultMaxAttempts, log: obs.NewLog(nil, nil),
	}
}

func TestDispatchPublishesAndEnqueues(t *testing.T) {
	pub := &fakePublisher{}
	local := newFakeLocalQueue()
	o := testOrchestrator(pub, local, &fakeRecorder{})

	err := o.Dispatch(context.Background(), JobTriggerAutoAuth, TriggerAutoAuthPayload{Project: "P-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].Name != JobTriggerAutoAuth {
		t.Fatalf("expected one published job, got %+v", pub.published)
	}
	if len(local.queues[JobTriggerAutoAuth]) != 1 {
		t.Fatalf("expected one locally enqueued job, got %+v", local.queues)
	}
}

func TestDispatchToleratesPublisherFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	local := newFakeLocalQueue()
	o := testOrchestrator(pub, local, &fakeRecorder{})

	if err := o.Dispatch(context.Background(), JobRefreshAffinity, RefreshAffinityPayload{Vendor: "Acme"}); err != nil {
		t.Fatalf("expected local enqueue to succeed despite publisher failure, got %v", err)
	}
	if len(local.queues[JobRefreshAffinity]) != 1 {
		t.Fatal("expected local enqueue to still happen")
	}
}

func TestProcessRecordsSuccessAndCompletesJob(t *testing.T) {
	pub := &fakePublisher{}
	local := newFakeLocalQueue()
	rec := &fakeRecorder{}
	o := testOrchestrator(pub, local, rec)
	calls := 0
	o.Register(JobCleanupCacheTombstones, func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return nil
	})

	o.process(context.Background(), Job{ID: "j1", Name: JobCleanupCacheTombstones, Payload: json.RawMessage(`{}`)})

	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}
	if len(rec.runs) != 1 || !rec.runs[0].Succeeded {
		t.Fatalf("expected one successful run record, got %+v", rec.runs)
	}
	if len(local.failed) != 0 {
		t.Fatal("did not expect FailJob to be called on success")
	}
}

func TestProcessDeadLettersAfterExhaustingRetries(t *testing.T) {
	pub := &fakePublisher{}
	local := newFakeLocalQueue()
	rec := &fakeRecorder{}
	o := testOrchestrator(pub, local, rec)
	o.maxAttempts = 2
	attempts := 0
	o.Register(JobSendChatDigest, func(ctx context.Context, payload json.RawMessage) error {
		attempts++
		return errors.New("blob fetch failed")
	})

	o.process(context.Background(), Job{ID: "j2", Name: JobSendChatDigest, Payload: json.RawMessage(`{}`)})

	if attempts != 2 {
		t.Fatalf("expected exactly maxAttempts=2 attempts, got %d", attempts)
	}
	if len(rec.deadLetters) != 1 {
		t.Fatalf("expected one dead-lettered job, got %+v", rec.deadLetters)
	}
	if rec.deadLetters[0].Attempts != 2 {
		t.Fatalf("expected dead letter to record 2 attempts, got %d", rec.deadLetters[0].Attempts)
	}
	if len(rec.runs) != 1 || rec.runs[0].Succeeded {
		t.Fatalf("expected one failed run record, got %+v", rec.runs)
	}
}

func TestProcessUnregisteredJobDeadLettersImmediately(t *testing.T) {
	pub := &fakePublisher{}
	local := newFakeLocalQueue()
	rec := &fakeRecorder{}
	o := testOrchestrator(pub, local, rec)

	o.process(context.Background(), Job{ID: "j3", Name: "not_a_real_job", Payload: json.RawMessage(`{}`)})

	if len(local.failed) != 1 {
		t.Fatalf("expected FailJob to be called for an unregistered job, got %+v", local.failed)
	}
	if len(rec.runs) != 1 || rec.runs[0].Succeeded {
		t.Fatalf("expected one failed run record, got %+v", rec.runs)
	}
}

func TestRunOnceReturnsFalseOnEmptyQueue(t *testing.T) {
	o := testOrchestrator(&fakePublisher{}, newFakeLocalQueue(), &fakeRecorder{})
	ok, err := o.RunOnce(context.Background(), JobWriteChangeLog, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no job to be processed on an empty queue")
	}
}

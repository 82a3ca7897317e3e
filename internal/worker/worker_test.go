package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/memstore"
	"github.com/shaiso/Rollout/internal/mq"
)

type fakeExecutor struct {
	mu   sync.Mutex
	jobs []uuid.UUID
	err  error
}

func (e *fakeExecutor) ExecuteJob(_ context.Context, jobID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, jobID)
	return e.err
}

func (e *fakeExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func delivery(msg *mq.Message) *mq.Delivery {
	return &mq.Delivery{Message: *msg}
}

// --- handleJobDue ---

func TestHandleJobDue_Executes(t *testing.T) {
	exec := &fakeExecutor{}
	w := New(Config{Executor: exec})
	jobID := uuid.New()

	err := w.handleJobDue(context.Background(), delivery(mq.NewMessage(mq.MessageTypeJobDue, mq.JobDuePayload{JobID: jobID})))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.calls() != 1 || exec.jobs[0] != jobID {
		t.Errorf("expected job %s to be executed, got %v", jobID, exec.jobs)
	}
}

func TestHandleJobDue_InfrastructureErrorIsRetried(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("%w: db down", domain.ErrInfrastructure)}
	w := New(Config{Executor: exec})

	err := w.handleJobDue(context.Background(), delivery(mq.NewMessage(mq.MessageTypeJobDue, mq.JobDuePayload{JobID: uuid.New()})))
	if !errors.Is(err, domain.ErrInfrastructure) {
		t.Errorf("expected infrastructure error to be returned, got %v", err)
	}
}

func TestHandleJobDue_JobErrorIsAcked(t *testing.T) {
	exec := &fakeExecutor{err: domain.ErrNotFound}
	w := New(Config{Executor: exec})

	err := w.handleJobDue(context.Background(), delivery(mq.NewMessage(mq.MessageTypeJobDue, mq.JobDuePayload{JobID: uuid.New()})))
	if err != nil {
		t.Errorf("job-level error must not requeue, got %v", err)
	}
}

func TestHandleJobDue_Malformed(t *testing.T) {
	exec := &fakeExecutor{}
	w := New(Config{Executor: exec})

	cases := []*mq.Message{
		mq.NewMessage(mq.MessageTypeJobDue, "garbage"),
		mq.NewMessage(mq.MessageTypeJobDue, mq.JobDuePayload{}),
		mq.NewMessage(mq.MessageTypeNotification, mq.JobDuePayload{JobID: uuid.New()}),
	}
	for _, msg := range cases {
		if err := w.handleJobDue(context.Background(), delivery(msg)); err != nil {
			t.Errorf("malformed message must be acked, got %v", err)
		}
	}
	if exec.calls() != 0 {
		t.Errorf("expected no executions, got %d", exec.calls())
	}
}

// --- Polling ---

func TestPoll_ExecutesOverdueScheduledJobs(t *testing.T) {
	cp := memstore.New()
	ctx := context.Background()

	overdue := domain.NewJob(domain.JobKindDeploy, "1.0.0", "alice", nil)
	overdue.ScheduledAt = time.Now().UTC().Add(-time.Hour)
	fresh := domain.NewJob(domain.JobKindDeploy, "1.0.1", "alice", nil)
	done := domain.NewJob(domain.JobKindDeploy, "0.9.0", "alice", nil)
	done.ScheduledAt = time.Now().UTC().Add(-2 * time.Hour)
	done.Status = domain.JobStatusCompleted
	for _, j := range []*domain.Job{overdue, fresh, done} {
		if err := cp.Jobs.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	exec := &fakeExecutor{}
	w := New(Config{Executor: exec, Jobs: cp.Jobs})
	w.poll(ctx)

	if exec.calls() != 1 || exec.jobs[0] != overdue.ID {
		t.Errorf("expected only overdue job, got %v", exec.jobs)
	}
}

func TestPoll_PicksUpAbandonedJobs(t *testing.T) {
	cp := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()

	abandoned := domain.NewJob(domain.JobKindDeploy, "1.0.0", "alice", nil)
	running := domain.NewJob(domain.JobKindDeploy, "1.0.1", "alice", nil)
	for _, j := range []*domain.Job{abandoned, running} {
		if err := cp.Jobs.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := cp.Jobs.Claim(ctx, abandoned.ID, "crashed", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := cp.Jobs.Claim(ctx, running.ID, "alive", now); err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{}
	w := New(Config{Executor: exec, Jobs: cp.Jobs, Lease: 10 * time.Minute})
	w.poll(ctx)

	if exec.calls() != 1 || exec.jobs[0] != abandoned.ID {
		t.Errorf("expected only abandoned job, got %v", exec.jobs)
	}
}

// --- Lifecycle ---

func TestStartStop_PollOnly(t *testing.T) {
	cp := memstore.New()
	w := New(Config{Executor: &fakeExecutor{}, Jobs: cp.Jobs, PollInterval: 10 * time.Millisecond})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	if !w.IsStopped() {
		t.Error("expected worker to be stopped")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped on restart, got %v", err)
	}
}

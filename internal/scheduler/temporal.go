package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/shaiso/Rollout/internal/domain"
)

// Имена, под которыми workflow и activity регистрируются в Temporal.
const (
	JobWorkflowName    = "RolloutJobWorkflow"
	ExecuteJobActivity = "ExecuteJob"

	// DefaultTaskQueue — task queue, если TEMPORAL_TASK_QUEUE не задан.
	DefaultTaskQueue = "rollout-jobs"
)

// Temporal — планировщик на Temporal: один workflow на задание.
//
// Отложенный запуск — StartDelay workflow, отмена — CancelWorkflow.
// ID workflow выводится из ID задания, поэтому повторный Submit
// не создаёт второй запуск.
type Temporal struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
	now       func() time.Time
}

// NewTemporal создаёт Temporal поверх готового клиента.
func NewTemporal(c client.Client, taskQueue string, logger *slog.Logger) *Temporal {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Temporal{client: c, taskQueue: taskQueue, logger: logger, now: time.Now}
}

// WorkflowID возвращает ID workflow для задания.
func WorkflowID(jobID uuid.UUID) string {
	return "rollout-job-" + jobID.String()
}

func (t *Temporal) SubmitNow(ctx context.Context, jobID uuid.UUID) (string, error) {
	return t.start(ctx, jobID, 0)
}

func (t *Temporal) SubmitAt(ctx context.Context, jobID uuid.UUID, at time.Time) (string, error) {
	return t.start(ctx, jobID, max(at.Sub(t.now()), 0))
}

func (t *Temporal) start(ctx context.Context, jobID uuid.UUID, delay time.Duration) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:         WorkflowID(jobID),
		TaskQueue:  t.taskQueue,
		StartDelay: delay,
	}
	run, err := t.client.ExecuteWorkflow(ctx, opts, JobWorkflowName, jobID.String())
	if err != nil {
		return "", fmt.Errorf("start workflow: %w", err)
	}
	t.logger.Debug("job workflow started", "job_id", jobID, "workflow_id", run.GetID(), "delay", delay)
	return run.GetID(), nil
}

// Cancel отменяет workflow. Сработавший workflow отменяет и activity,
// но задание в IN_PROGRESS остаётся под контролем оркестратора.
func (t *Temporal) Cancel(ctx context.Context, ref string) error {
	if err := t.client.CancelWorkflow(ctx, ref, ""); err != nil {
		return fmt.Errorf("cancel workflow: %w", err)
	}
	return nil
}

// JobWorkflow ждёт StartDelay (его выдерживает сервер Temporal)
// и выполняет activity ExecuteJob.
func JobWorkflow(ctx workflow.Context, jobID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 6 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			MaximumInterval:    time.Minute,
			BackoffCoefficient: 2.0,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	return workflow.ExecuteActivity(ctx, ExecuteJobActivity, jobID).Get(ctx, nil)
}

// Activities — activity, вызывающие оркестратор.
type Activities struct {
	exec Executor
}

// NewActivities создаёт Activities.
func NewActivities(exec Executor) *Activities {
	return &Activities{exec: exec}
}

// ExecuteJob вызывает Orchestrator.ExecuteJob.
//
// Ошибки валидации и отсутствующее задание не повторяются.
func (a *Activities) ExecuteJob(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("invalid job id", "ValidationError", err)
	}
	err = a.exec.ExecuteJob(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "JobError", err)
	}
	return err
}

// Registry — часть worker.Worker, нужная для регистрации.
type Registry interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

// Register регистрирует JobWorkflow и ExecuteJob в воркере Temporal.
func Register(r Registry, exec Executor) {
	r.RegisterWorkflowWithOptions(JobWorkflow, workflow.RegisterOptions{Name: JobWorkflowName})
	r.RegisterActivityWithOptions(NewActivities(exec).ExecuteJob, activity.RegisterOptions{Name: ExecuteJobActivity})
}

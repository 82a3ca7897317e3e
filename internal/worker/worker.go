package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval = 30 * time.Second
	defaultPollGrace    = time.Minute
	defaultBatchSize    = 20
	defaultLease        = 5 * time.Minute
	defaultPrefetch     = 1
)

// Executor выполняет задание.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID uuid.UUID) error
}

// JobLister находит просроченные задания для polling.
type JobLister interface {
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// Worker получает задания из RabbitMQ и выполняет их.
type Worker struct {
	exec Executor
	jobs JobLister
	conn *mq.Connection

	consumer *mq.Consumer

	pollInterval time.Duration
	pollGrace    time.Duration
	batchSize    int
	lease        time.Duration

	logger     *slog.Logger
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Executor Executor

	// Jobs — для polling fallback; nil отключает polling.
	Jobs JobLister

	// Conn — соединение RabbitMQ; nil отключает consumer.
	Conn *mq.Connection

	PollInterval time.Duration // интервал polling (default: 30s)
	PollGrace    time.Duration // насколько задание должно быть просрочено (default: 1m)
	BatchSize    int           // заданий за один poll (default: 20)

	// Lease — аренда задания; IN_PROGRESS задание без heartbeat дольше
	// Lease считается брошенным и выполняется заново (default: 5m).
	// Должна совпадать с арендой оркестратора.
	Lease time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollGrace := cfg.PollGrace
	if pollGrace <= 0 {
		pollGrace = defaultPollGrace
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		exec:         cfg.Executor,
		jobs:         cfg.Jobs,
		conn:         cfg.Conn,
		pollInterval: pollInterval,
		pollGrace:    pollGrace,
		batchSize:    batchSize,
		lease:        lease,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает consumer jobs.due и polling.
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueJobsDue,
			Handler:  w.handleJobDue,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("job consumer error", "error", err)
			}
		}()
	}

	if w.jobs != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(ctx)
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт текущее задание.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// handleJobDue обрабатывает сообщение job.due.
func (w *Worker) handleJobDue(ctx context.Context, d *mq.Delivery) error {
	if d.Message.Type != mq.MessageTypeJobDue {
		w.logger.Warn("unexpected message type, skipping", "type", d.Message.Type, "message_id", d.Message.ID)
		return nil
	}
	payload, err := mq.ParsePayload[mq.JobDuePayload](&d.Message)
	if err != nil || payload.JobID == uuid.Nil {
		// Повтор не поможет; сообщение подтверждается и логируется.
		w.logger.Error("malformed job.due", "message_id", d.Message.ID, "error", errors.Join(ErrMalformedMessage, err))
		return nil
	}
	return w.execute(ctx, payload.JobID)
}

// execute вызывает ExecuteJob. Возвращает ошибку только для
// инфраструктурных сбоев, которые имеет смысл повторить.
func (w *Worker) execute(ctx context.Context, jobID uuid.UUID) error {
	log := w.logger.With("job_id", jobID)
	start := time.Now()

	err := w.exec.ExecuteJob(ctx, jobID)
	switch {
	case err == nil:
		log.Debug("job handled", "duration", time.Since(start))
		return nil
	case errors.Is(err, domain.ErrInfrastructure):
		return fmt.Errorf("execute job %s: %w", jobID, err)
	default:
		log.Warn("job failed", "error", err)
		return nil
	}
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет SCHEDULED задания, просроченные больше чем на pollGrace,
// и IN_PROGRESS задания с истёкшей арендой.
func (w *Worker) poll(ctx context.Context) {
	now := w.now()
	status := domain.JobStatusScheduled
	cutoff := now.Add(-w.pollGrace)
	overdue, err := w.jobs.List(ctx, domain.JobFilter{Status: &status, To: &cutoff, Limit: w.batchSize})
	if err != nil {
		w.logger.Error("failed to list overdue jobs", "error", err)
		return
	}

	staleBefore := now.Add(-w.lease)
	abandoned, err := w.jobs.List(ctx, domain.JobFilter{LeaseExpiredBefore: &staleBefore, Limit: w.batchSize})
	if err != nil {
		w.logger.Error("failed to list abandoned jobs", "error", err)
	}

	if len(overdue) > 0 {
		w.logger.Info("poll found overdue jobs", "count", len(overdue))
	}
	if len(abandoned) > 0 {
		w.logger.Warn("poll found abandoned jobs", "count", len(abandoned))
	}

	for _, job := range append(overdue, abandoned...) {
		if ctx.Err() != nil {
			return
		}
		if err := w.execute(ctx, job.ID); err != nil {
			w.logger.Error("failed to execute job from poll", "job_id", job.ID, "error", err)
		}
	}
}

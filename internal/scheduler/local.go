package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
)

// Executor выполняет задание в момент срабатывания.
type Executor interface {
	ExecuteJob(ctx context.Context, jobID uuid.UUID) error
}

// Local — планировщик на таймерах процесса.
//
// Отложенные задания не переживают рестарт; для production
// используется Durable или Temporal.
type Local struct {
	exec   Executor
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewLocal создаёт Local. Задания выполняются с ctx, отмена ctx
// останавливает выполнение.
func NewLocal(ctx context.Context, exec Executor, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		exec:   exec,
		ctx:    ctx,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// SubmitNow запускает задание в отдельной горутине.
func (l *Local) SubmitNow(ctx context.Context, jobID uuid.UUID) (string, error) {
	return l.SubmitAt(ctx, jobID, time.Time{})
}

// SubmitAt запускает задание в момент at.
func (l *Local) SubmitAt(_ context.Context, jobID uuid.UUID, at time.Time) (string, error) {
	if l.exec == nil {
		return "", fmt.Errorf("%w: local scheduler has no executor", domain.ErrInfrastructure)
	}
	ref := "local:" + jobID.String()
	delay := max(time.Until(at), 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[ref]; ok {
		return ref, nil
	}
	l.wg.Add(1)
	l.timers[ref] = time.AfterFunc(delay, func() {
		defer l.wg.Done()
		l.forget(ref)
		if err := l.exec.ExecuteJob(l.ctx, jobID); err != nil {
			l.logger.Error("local job execution failed", "job_id", jobID, "error", err)
		}
	})
	return ref, nil
}

// Cancel останавливает таймер, если он ещё не сработал.
func (l *Local) Cancel(_ context.Context, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timers[ref]
	if !ok {
		return nil
	}
	if t.Stop() {
		l.wg.Done()
	}
	delete(l.timers, ref)
	return nil
}

// Pending возвращает число несработавших таймеров.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Wait ждёт завершения всех сработавших и ожидающих заданий.
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) forget(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, ref)
}

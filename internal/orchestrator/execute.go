package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/telemetry"
	"github.com/shaiso/Rollout/internal/versioning"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecuteJob выполняет задание. Точка входа для планировщика.
//
// Алгоритм:
//  1. Атомарно захватывает задание SCHEDULED → IN_PROGRESS. Если оно уже
//     IN_PROGRESS, но аренда истекла (воркер упал), забирает его через
//     Reclaim и продолжает. Иначе ничего не делает
//  2. Определяет тенантов (для глобального задания — на момент выполнения);
//     при продолжении пропускает тенантов с уже записанным исходом
//  3. Обрабатывает тенантов, сохраняя прогресс после каждого и продлевая аренду
//  4. Один раз вычисляет и записывает терминальный статус
//
// Ошибки отдельных тенантов не возвращаются: они попадают в
// FailedTenants. Возвращается только ошибка задания целиком.
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := telemetry.Tracer().Start(ctx, "job.execute",
		trace.WithAttributes(attribute.String("job.id", jobID.String())))
	defer span.End()

	log := telemetry.WithJobID(o.logger, jobID.String())

	claimed, resumed, err := o.claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: claim job %s: %w", domain.ErrInfrastructure, jobID, err)
	}
	if !claimed {
		log.Info("job is not scheduled, skipping")
		return nil
	}

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: load claimed job %s: %w", domain.ErrInfrastructure, jobID, err)
	}
	span.SetAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.Bool("job.resumed", resumed),
	)
	log = log.With("kind", job.Kind, "version", job.Version)
	if resumed {
		log.Warn("resuming abandoned job", "processed", job.Processed(), "total", job.TotalTenants)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopLease := o.keepLease(runCtx, cancelRun, job.ID, log)
	defer stopLease()

	state := newJobState(job, o.jobs, o.metrics, log)
	state.resumed = resumed
	o.addActiveJob(state)
	defer o.removeActiveJob(job.ID)

	tenants, err := o.resolveTenants(ctx, job)
	if err == nil {
		if resumed {
			tenants = slices.DeleteFunc(tenants, func(t domain.Tenant) bool { return job.HasOutcome(t.ID) })
			err = state.SetTotal(ctx, job.Processed()+len(tenants))
		} else {
			err = state.SetTotal(ctx, len(tenants))
		}
	}
	if err != nil {
		log.Error("job failed before fan-out", "error", err)
		span.SetStatus(codes.Error, err.Error())
		stopLease()
		job.MarkFailed(err.Error())
		o.finish(ctx, job)
		return err
	}

	log.Info("executing job", "tenants", len(tenants), "parallelism", o.parallelism)
	o.fanOut(runCtx, state, tenants)
	stopLease()

	job.Finalize()
	o.finish(ctx, job)
	span.SetAttributes(
		attribute.Int("job.completed", job.CompletedTenants),
		attribute.Int("job.failed", len(job.FailedTenants)),
	)
	return nil
}

// claim захватывает SCHEDULED задание или забирает брошенное IN_PROGRESS.
func (o *Orchestrator) claim(ctx context.Context, jobID uuid.UUID) (claimed, resumed bool, err error) {
	claimed, err = o.jobs.Claim(ctx, jobID, o.executorID, o.now())
	if err != nil || claimed {
		return claimed, false, err
	}
	now := o.now()
	resumed, err = o.jobs.Reclaim(ctx, jobID, o.executorID, now, now.Add(-o.lease))
	return resumed, resumed, err
}

// keepLease продлевает аренду задания каждые lease/3, пока не вызван stop.
// Потеря аренды отменяет выполнение через cancel: задание уже забрал
// другой воркер.
func (o *Orchestrator) keepLease(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID, log *slog.Logger) (stop func()) {
	leaseCtx, stopLease := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}
			err := o.jobs.Heartbeat(leaseCtx, jobID, o.executorID, o.now())
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrState):
				log.Error("job lease lost, stopping execution", "error", err)
				cancel()
				return
			case leaseCtx.Err() != nil:
				return
			default:
				log.Warn("job heartbeat failed", "error", err)
			}
		}
	}()

	return func() {
		stopLease()
		<-done
	}
}

// resolveTenants определяет тенантов задания.
func (o *Orchestrator) resolveTenants(ctx context.Context, job *domain.Job) ([]domain.Tenant, error) {
	switch job.Kind {
	case domain.JobKindRollback:
		if job.IsGlobal() || job.TargetVersionID == nil {
			return nil, domain.Validationf("rollback job %s needs a tenant and a target version", job.ID)
		}
	case domain.JobKindTemplateSync:
		if o.syncer == nil {
			return nil, fmt.Errorf("template sync: %w", ErrNotConfigured)
		}
	}

	if !job.IsGlobal() {
		t, err := o.tenants.Get(ctx, *job.TenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve tenant %s: %w", *job.TenantID, err)
		}
		return []domain.Tenant{*t}, nil
	}

	tenants, err := o.tenants.ListActive(ctx, domain.FilterFor(job.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: list tenants: %w", domain.ErrInfrastructure, err)
	}
	return tenants, nil
}

// fanOut обрабатывает тенантов последовательно или ограниченным пулом.
//
// Между тенантами проверяется ctx: при остановке воркера оставшиеся
// тенанты записываются как interrupted.
func (o *Orchestrator) fanOut(ctx context.Context, state *JobState, tenants []domain.Tenant) {
	if o.parallelism <= 1 || len(tenants) <= 1 {
		for i, t := range tenants {
			if ctx.Err() != nil {
				state.Interrupt(ctx, tenants[i:])
				return
			}
			state.Record(ctx, t.ID, o.runTenant(ctx, state.job, t, state.resumed))
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for i, t := range tenants {
		if ctx.Err() != nil {
			state.Interrupt(ctx, tenants[i:])
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				state.Record(ctx, t.ID, errInterrupted)
				return nil
			}
			state.Record(ctx, t.ID, o.runTenant(ctx, state.job, t, state.resumed))
			return nil
		})
	}
	_ = g.Wait()
}

// runTenant выполняет задание для одного тенанта.
//
// Хранилище тенанта открывается и закрывается здесь же на любом пути выхода.
// job читается только по неизменяемым полям, поэтому вызов безопасен
// из нескольких горутин.
func (o *Orchestrator) runTenant(ctx context.Context, job *domain.Job, tenant domain.Tenant, resumed bool) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "job.tenant",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("tenant.id", tenant.ID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := telemetry.WithTenantID(o.logger, tenant.ID).With("job_id", job.ID)

	store, err := o.stores.Open(ctx, tenant)
	if err != nil {
		log.Warn("tenant store unavailable", "error", err)
		return err
	}
	defer store.Close()

	switch job.Kind {
	case domain.JobKindDeploy, domain.JobKindRollback:
		v, err := runVersioning(ctx, log, versioning.New(store, log), job, resumed)
		if err != nil {
			return err
		}
		o.recordDeployment(ctx, log, tenant.ID, v)

	case domain.JobKindTemplateSync:
		if _, err := o.syncer.Sync(ctx, tenant, store, job.Version, job.Resolutions, job.ScheduledBy); err != nil {
			return err
		}
		if err := o.tenants.RecordSync(context.WithoutCancel(ctx), tenant.ID, job.Version, o.now()); err != nil {
			log.Warn("failed to update tenant template version", "error", err)
		}

	default:
		return domain.Validationf("unknown job kind %q", job.Kind)
	}

	log.Info("tenant processed")
	return nil
}

// runVersioning выполняет deploy или rollback на движке версий тенанта.
//
// При продолжении брошенного задания тенант, которому прерванный запуск
// успел применить версию, считается обработанным без повторного выполнения.
func runVersioning(ctx context.Context, log *slog.Logger, eng *versioning.Engine, job *domain.Job, resumed bool) (*domain.DeploymentVersion, error) {
	if resumed {
		v, err := appliedBefore(ctx, eng, job)
		if err != nil {
			return nil, err
		}
		if v != nil {
			log.Info("tenant already updated by interrupted run", "version_id", v.ID)
			return v, nil
		}
	}

	if job.Kind == domain.JobKindRollback {
		return eng.Rollback(ctx, *job.TargetVersionID, job.ScheduledBy)
	}
	v, err := eng.CreateVersion(ctx, job.Version, job.Notes, job.Payload)
	if err != nil {
		return nil, err
	}
	return eng.Deploy(ctx, v.ID, job.ScheduledBy)
}

// appliedBefore возвращает текущую версию тенанта, если её применил
// прерванный запуск этого задания: она развёрнута после старта задания,
// тем же автором и соответствует ему по метке. Иначе nil.
func appliedBefore(ctx context.Context, eng *versioning.Engine, job *domain.Job) (*domain.DeploymentVersion, error) {
	current, err := eng.CurrentVersion(ctx)
	if err != nil || current == nil || current.DeployedAt == nil || job.StartedAt == nil {
		return nil, err
	}
	if current.DeployedAt.Before(*job.StartedAt) || current.DeployedBy != job.ScheduledBy {
		return nil, nil
	}

	switch job.Kind {
	case domain.JobKindDeploy:
		if !current.IsRollback && current.Version == job.Version {
			return current, nil
		}
	case domain.JobKindRollback:
		target, err := eng.Version(ctx, *job.TargetVersionID)
		if err != nil {
			return nil, err
		}
		if current.IsRollback && current.Version == target.Version {
			return current, nil
		}
	}
	return nil, nil
}

// recordDeployment обновляет кэш версии в реестре.
// Ошибка не валит тенанта: источник истины — хранилище тенанта.
func (o *Orchestrator) recordDeployment(ctx context.Context, log *slog.Logger, tenantID string, v *domain.DeploymentVersion) {
	at := o.now()
	if v.DeployedAt != nil {
		at = *v.DeployedAt
	}
	if err := o.tenants.RecordDeployment(context.WithoutCancel(ctx), tenantID, v.Version, at); err != nil {
		log.Warn("failed to update tenant current version", "error", err)
	}
}

// finish записывает терминальный статус, метрики и уведомление.
func (o *Orchestrator) finish(ctx context.Context, job *domain.Job) {
	if err := o.jobs.Finish(context.WithoutCancel(ctx), job); err != nil {
		o.logger.Error("failed to finish job", "job_id", job.ID, "status", job.Status, "error", err)
		return
	}

	o.metrics.JobFinished(string(job.Kind), string(job.Status), job.Duration())
	o.notifyFinished(ctx, job)

	o.logger.Info("job finished",
		"job_id", job.ID,
		"kind", job.Kind,
		"status", job.Status,
		"total", job.TotalTenants,
		"completed", job.CompletedTenants,
		"failed", len(job.FailedTenants),
		"duration", job.Duration(),
	)
}

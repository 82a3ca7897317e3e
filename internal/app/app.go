// Package app собирает зависимости процессов Rollout из Config.
//
// Все три сервиса (api, scheduler, worker) строят один и тот же граф:
// control plane, резолвер хранилищ тенантов, источник шаблонов,
// оркестратор и workflow proposals. Сервис отличается только тем,
// что он запускает поверх этого графа.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/shaiso/Rollout/internal/config"
	"github.com/shaiso/Rollout/internal/conflict"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/memstore"
	"github.com/shaiso/Rollout/internal/mq"
	"github.com/shaiso/Rollout/internal/notify"
	"github.com/shaiso/Rollout/internal/orchestrator"
	"github.com/shaiso/Rollout/internal/proposal"
	"github.com/shaiso/Rollout/internal/repo"
	"github.com/shaiso/Rollout/internal/scheduler"
	"github.com/shaiso/Rollout/internal/telemetry"
	"github.com/shaiso/Rollout/internal/templates"
	"github.com/shaiso/Rollout/internal/tenantstore"
	"github.com/shaiso/Rollout/internal/versioning"
)

// Tenants — реестр тенантов, общий для всех компонентов.
type Tenants interface {
	orchestrator.TenantRegistry
	Upsert(ctx context.Context, t domain.Tenant) error
	List(ctx context.Context) ([]domain.Tenant, error)
}

// App — собранный граф зависимостей одного процесса.
type App struct {
	Config  *config.Config
	Service string
	Logger  *slog.Logger

	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics

	// Pool — nil при STORAGE=memory.
	Pool *pgxpool.Pool
	// MQ — nil, если RabbitMQ не нужен или недоступен.
	MQ        *mq.Connection
	Publisher *mq.Publisher
	// Temporal — клиент, только для SCHEDULER_BACKEND=temporal.
	Temporal client.Client

	Tenants   Tenants
	Jobs      orchestrator.JobStore
	Proposals proposal.Store
	Stores    tenantstore.Resolver

	Analyzer     *conflict.Analyzer
	Orchestrator *orchestrator.Orchestrator
	Workflow     *proposal.Workflow
	Versions     *versioning.Inspector

	// Durable — только для SCHEDULER_BACKEND=durable; Tick вызывает лидер.
	Durable *scheduler.Durable

	startedAt time.Time
	closers   []func()
}

// New собирает App для сервиса service. ctx ограничивает время жизни
// фоновых компонентов (Local-планировщик, переподключения).
// При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(service); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config:    cfg,
		Service:   service,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = telemetry.NewMetrics(a.Registry)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if err := a.openStorage(ctx); err != nil {
		return err
	}

	source, err := a.templateSource()
	if err != nil {
		return err
	}

	if err := a.openBroker(ctx); err != nil {
		return err
	}

	var notifier orchestrator.Notifier = notify.NewLog(a.Logger)
	if a.Publisher != nil {
		notifier = notify.NewAMQP(a.Publisher, 0, a.Logger)
	}

	a.Analyzer = conflict.New(conflict.Config{
		Source:      source,
		Tenants:     a.Tenants,
		Stores:      a.Stores,
		Parallelism: cfg.FanoutParallelism,
		Logger:      a.Logger,
	})

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		Jobs:        a.Jobs,
		Tenants:     a.Tenants,
		Stores:      a.Stores,
		Syncer:      a.Analyzer,
		Notifier:    notifier,
		Metrics:     a.Metrics,
		Parallelism: cfg.FanoutParallelism,
		Lease:       cfg.JobLease,
		Logger:      a.Logger,
	})

	jobScheduler, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	a.Orchestrator.SetScheduler(jobScheduler)

	a.Workflow = proposal.New(proposal.Config{
		Proposals: a.Proposals,
		Tenants:   a.Tenants,
		Submitter: a.Orchestrator,
		Templates: a.Analyzer,
		Notifier:  notifier,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	})
	a.Versions = versioning.NewInspector(a.Tenants, a.Stores, a.Logger)

	a.Logger.Info("components ready",
		"service", a.Service,
		"storage", cfg.Storage,
		"scheduler_backend", cfg.SchedulerBackend,
		"template_source", cfg.TemplateSource,
		"rabbitmq", a.MQ != nil,
	)
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.Config.Storage == config.StorageMemory {
		control := memstore.New()
		a.Tenants = control.Tenants
		a.Jobs = control.Jobs
		a.Proposals = control.Proposals
		a.Stores = memstore.NewResolver()
		a.Logger.Warn("using in-memory control plane, state is lost on restart")
		return nil
	}

	pool, err := repo.NewPool(ctx, a.Config.DBURL)
	if err != nil {
		return fmt.Errorf("connect control plane: %w", err)
	}
	a.Pool = pool
	a.onClose(pool.Close)

	if err := repo.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate control plane: %w", err)
	}
	a.Logger.Info("connected to database")

	a.Tenants = repo.NewTenantRepo(pool)
	a.Jobs = repo.NewJobRepo(pool)
	a.Proposals = repo.NewProposalRepo(pool)
	a.Stores = tenantstore.NewSQLResolver(a.Logger)
	return nil
}

func (a *App) templateSource() (conflict.TemplateSource, error) {
	switch a.Config.TemplateSource {
	case config.TemplateSourceS3:
		return templates.NewS3Source(a.Config.TemplateS3), nil
	case config.TemplateSourceFS:
		return templates.NewFSSource(os.DirFS(a.Config.TemplateDir)), nil
	default:
		return nil, fmt.Errorf("unknown template source %q", a.Config.TemplateSource)
	}
}

// openBroker подключает RabbitMQ. Для durable-бэкенда брокер обязателен;
// иначе он нужен только для уведомлений, и его недоступность не фатальна.
func (a *App) openBroker(ctx context.Context) error {
	required := a.Config.SchedulerBackend == config.BackendDurable
	if !required && a.Config.RabbitMQURL == "" {
		return nil
	}

	conn, err := mq.NewConnection(a.Config.RabbitMQURL, a.Logger)
	if err == nil {
		err = mq.SetupTopology(ctx, conn)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		if required {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.Logger.Warn("rabbitmq unavailable, notifications go to the log", "error", err)
		return nil
	}

	a.MQ = conn
	a.Publisher = mq.NewPublisher(conn, a.Logger)
	a.onClose(func() {
		if err := conn.Close(); err != nil {
			a.Logger.Warn("rabbitmq close error", "error", err)
		}
	})
	return nil
}

func (a *App) scheduler(ctx context.Context) (orchestrator.JobScheduler, error) {
	cfg := a.Config
	switch cfg.SchedulerBackend {
	case config.BackendDurable:
		if a.Pool == nil || a.Publisher == nil {
			return nil, errors.New("durable scheduler needs postgres and rabbitmq")
		}
		a.Durable = scheduler.NewDurable(scheduler.DurableConfig{
			Submissions: repo.NewSubmissionRepo(a.Pool),
			Dispatcher:  a.Publisher,
			Logger:      a.Logger,
		})
		return a.Durable, nil

	case config.BackendTemporal:
		c, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
			Logger:    tlog.NewStructuredLogger(a.Logger),
		})
		if err != nil {
			return nil, fmt.Errorf("dial temporal: %w", err)
		}
		a.Temporal = c
		a.onClose(c.Close)
		return scheduler.NewTemporal(c, cfg.TemporalTaskQueue, a.Logger), nil

	case config.BackendLocal:
		a.Logger.Warn("local scheduler: delayed jobs do not survive a restart")
		return scheduler.NewLocal(ctx, a.Orchestrator, a.Logger), nil

	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", cfg.SchedulerBackend)
	}
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close освобождает ресурсы в порядке, обратном открытию.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

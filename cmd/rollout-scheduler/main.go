// Rollout Scheduler — лидер durable-планировщика.
//
// Scheduler:
//   - Держит pg advisory lock; работу выполняет только один экземпляр
//   - Каждые SCHEDULER_INTERVAL публикует просроченные job_submissions в jobs.due
//   - По TEMPLATE_DISCOVERY_CRON создаёт proposals новых версий шаблона
//
// С бэкендом temporal публиковать нечего, лидер выполняет только discovery.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shaiso/Rollout/internal/app"
	"github.com/shaiso/Rollout/internal/config"
	"github.com/shaiso/Rollout/internal/scheduler"
	"github.com/shaiso/Rollout/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting rollout-scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, config.ServiceScheduler, logger)
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// lastLeaderTick — время последнего тика под lock'ом, в UnixNano.
	var lastLeaderTick atomic.Int64
	tick := func(ctx context.Context) error {
		lastLeaderTick.Store(time.Now().UnixNano())
		if a.Durable == nil {
			return nil
		}
		return a.Durable.Tick(ctx)
	}
	isLeader := func() bool {
		return time.Since(time.Unix(0, lastLeaderTick.Load())) < 3*cfg.SchedulerInterval
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.RunLeader(ctx, a.Pool, scheduler.LeaderLockKey, cfg.SchedulerInterval, tick, logger)
	}()

	if cfg.TemplateDiscoveryCron != "" {
		discover := func(ctx context.Context) error {
			if !isLeader() {
				return nil
			}
			p, err := a.Workflow.DiscoverTemplateUpdates(ctx, cfg.DiscoveryActor)
			if err != nil {
				return err
			}
			if p != nil {
				logger.Info("template update proposed", "proposal_id", p.ID, "version", p.Version)
			}
			return nil
		}
		periodic, err := scheduler.NewPeriodic("template-discovery", cfg.TemplateDiscoveryCron, discover, logger)
		if err != nil {
			logger.Error("invalid discovery schedule", "error", err)
			a.Close()
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			periodic.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Serve(ctx, cfg.ListenAddr(config.ServiceScheduler), a.Mux(), logger); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	wg.Wait()
	logger.Info("rollout-scheduler stopped")
}

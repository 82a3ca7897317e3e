// Rollout Worker — выполняет задания в момент срабатывания.
//
// Worker:
//   - durable: получает job.due из RabbitMQ и подбирает просроченные
//     задания polling'ом
//   - temporal: регистрирует RolloutJobWorkflow и activity ExecuteJob
//     в task queue TEMPORAL_TASK_QUEUE
//
// Воркеры масштабируются горизонтально: Claim не даёт выполнить
// задание дважды.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tworker "go.temporal.io/sdk/worker"

	"github.com/shaiso/Rollout/internal/app"
	"github.com/shaiso/Rollout/internal/config"
	"github.com/shaiso/Rollout/internal/scheduler"
	"github.com/shaiso/Rollout/internal/telemetry"
	"github.com/shaiso/Rollout/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting rollout-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, "rollout-worker", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	a, err := app.New(ctx, cfg, config.ServiceWorker, logger)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var stop func()
	if a.Temporal != nil {
		tw := tworker.New(a.Temporal, cfg.TemporalTaskQueue, tworker.Options{})
		scheduler.Register(tw, a.Orchestrator)
		if err := tw.Start(); err != nil {
			logger.Error("failed to start temporal worker", "error", err)
			a.Close()
			os.Exit(1)
		}
		stop = tw.Stop
		logger.Info("temporal worker started", "task_queue", cfg.TemporalTaskQueue)
	} else {
		w := worker.New(worker.Config{
			Executor: a.Orchestrator,
			Jobs:     a.Jobs,
			Conn:     a.MQ,
			Lease:    cfg.JobLease,
			Logger:   logger,
		})
		if err := w.Start(ctx); err != nil {
			logger.Error("failed to start worker", "error", err)
			a.Close()
			os.Exit(1)
		}
		stop = w.Stop
	}

	go func() {
		if err := app.Serve(ctx, cfg.ListenAddr(config.ServiceWorker), a.Mux(), logger); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("rollout-worker stopped")
}

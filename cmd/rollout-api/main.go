// Rollout API — HTTP API ревью proposals, заданий и тенантов.
//
// При SCHEDULER_BACKEND=local задания выполняются в этом же процессе;
// иначе API только сохраняет их и передаёт планировщику.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Rollout/internal/app"
	"github.com/shaiso/Rollout/internal/config"
	"github.com/shaiso/Rollout/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting rollout-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, "rollout-api", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	a, err := app.New(ctx, cfg, config.ServiceAPI, logger)
	if err != nil {
		logger.Error("failed to build api", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := app.Serve(ctx, cfg.ListenAddr(config.ServiceAPI), a.APIHandler(), logger); err != nil {
		logger.Error("server error", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("rollout-api stopped")
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Rollout/internal/api"
)

// ShutdownTimeout — сколько Serve ждёт активные запросы после отмены ctx.
const ShutdownTimeout = 10 * time.Second

// Mux возвращает mux с /healthz и /metrics.
func (a *App) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	return mux
}

// APIHandler возвращает Mux с маршрутами /api/v1.
func (a *App) APIHandler() http.Handler {
	mux := a.Mux()
	api.NewHandler(api.Config{
		Proposals: a.Workflow,
		Jobs:      a.Orchestrator,
		Templates: a.Analyzer,
		Tenants:   a.Tenants,
		Versions:  a.Versions,
		Logger:    a.Logger,
	}).RegisterRoutes(mux)
	return mux
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "db unavailable: %v", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok %s", time.Since(a.startedAt).Round(time.Second))
}

// Serve слушает addr и обслуживает handler до отмены ctx,
// затем выполняет graceful shutdown.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serveListener(ctx, ln, handler, logger)
}

func serveListener(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

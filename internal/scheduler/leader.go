package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderLockKey — ключ pg advisory lock лидера планировщика.
const LeaderLockKey int64 = 7_270_017

// TickFunc — работа, которую выполняет только лидер.
type TickFunc func(ctx context.Context) error

// RunLeader вызывает tick каждый interval, пока процесс держит
// advisory lock. Блокирует до отмены ctx.
//
// Lock сессионный, поэтому соединение берётся из пула и удерживается
// всё время лидерства. При потере соединения лидерство сбрасывается
// и захватывается заново на следующем тике.
func RunLeader(ctx context.Context, pool *pgxpool.Pool, key int64, interval time.Duration, tick TickFunc, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	tk := time.NewTicker(interval)
	defer tk.Stop()

	var conn *pgxpool.Conn
	release := func() {
		if conn == nil {
			return
		}
		_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", key)
		conn.Release()
		conn = nil
	}
	defer release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}

		if conn == nil {
			c, err := pool.Acquire(ctx)
			if err != nil {
				logger.Warn("acquire leader connection", "error", err)
				continue
			}
			var ok bool
			if err := c.QueryRow(ctx, "select pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
				logger.Warn("leader lock", "error", err)
				c.Release()
				continue
			}
			if !ok {
				c.Release()
				continue
			}
			conn = c
			logger.Info("became scheduler leader")
		}

		if err := conn.Ping(ctx); err != nil {
			logger.Warn("lost leader connection", "error", err)
			conn.Release()
			conn = nil
			continue
		}

		if err := tick(ctx); err != nil {
			logger.Error("scheduler tick failed", "error", err)
		}
	}
}

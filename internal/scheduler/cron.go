package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — 5-полевые выражения и дескрипторы (@hourly, @every 1h).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun возвращает следующее срабатывание выражения после from, в UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from).UTC(), nil
}

// Periodic запускает fn по cron-выражению.
//
// Используется лидером для DiscoverTemplateUpdates. Наложения
// запусков нет: пока fn выполняется, очередное срабатывание пропускается.
type Periodic struct {
	name   string
	cron   *cron.Cron
	fn     TickFunc
	logger *slog.Logger
	ctx    context.Context
}

// NewPeriodic создаёт Periodic для выражения expr.
func NewPeriodic(name, expr string, fn TickFunc, logger *slog.Logger) (*Periodic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Periodic{
		name:   name,
		fn:     fn,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := p.cron.AddFunc(expr, p.run); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return p, nil
}

// Run блокирует до отмены ctx и дожидается текущего запуска.
func (p *Periodic) Run(ctx context.Context) {
	p.ctx = ctx
	p.cron.Start()
	p.logger.Info("periodic job started", "name", p.name)

	<-ctx.Done()
	<-p.cron.Stop().Done()
	p.logger.Info("periodic job stopped", "name", p.name)
}

func (p *Periodic) run() {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := p.fn(ctx); err != nil {
		p.logger.Error("periodic job failed", "name", p.name, "error", err)
		return
	}
	p.logger.Debug("periodic job completed", "name", p.name, "duration", time.Since(start))
}

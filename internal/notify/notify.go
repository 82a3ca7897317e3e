// Package notify доставляет события proposals и заданий внешним подписчикам.
//
// Отправка fire-and-forget: ошибка публикации только логируется
// и никогда не влияет на операцию, которая породила событие.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Rollout/internal/domain"
)

// Publisher публикует уведомление в брокер.
type Publisher interface {
	PublishNotification(ctx context.Context, n domain.Notification) error
}

// AMQPNotifier публикует уведомления в rollout.notifications.
type AMQPNotifier struct {
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAMQP создаёт AMQPNotifier. Публикация ограничена timeout
// (default: 5s), чтобы медленный брокер не задерживал вызывающего.
func NewAMQP(publisher Publisher, timeout time.Duration, logger *slog.Logger) *AMQPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{publisher: publisher, timeout: timeout, logger: logger}
}

// Notify публикует событие. Ошибки логируются.
func (n *AMQPNotifier) Notify(ctx context.Context, event domain.Notification) {
	stamp(&event)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.publisher.PublishNotification(ctx, event); err != nil {
		n.logger.Warn("failed to publish notification",
			"event", event.Event,
			"subject", event.Subject,
			"error", err,
		)
	}
}

// LogNotifier пишет уведомления в лог. Используется без RabbitMQ.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog создаёт LogNotifier.
func NewLog(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event domain.Notification) {
	stamp(&event)
	args := []any{"event", event.Event, "subject", event.Subject}
	for k, v := range event.Attributes {
		args = append(args, k, v)
	}
	n.logger.Info("notification", args...)
}

func stamp(n *domain.Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
}

package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает одно сообщение. Ошибка — повод повторить доставку.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — распарсенный конверт вместе с исходной доставкой.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Ack подтверждает сообщение.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет сообщение: requeue=true возвращает его в очередь,
// false отправляет в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// Outcome — чем закончилась обработка доставки.
type Outcome int

const (
	// OutcomeAck — обработано, сообщение подтверждается.
	OutcomeAck Outcome = iota
	// OutcomeRequeue — первая неудача, сообщение возвращается в очередь.
	OutcomeRequeue
	// OutcomeDeadLetter — неразборчивое сообщение или повторная неудача.
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "dead-letter"
	}
}

// Settle решает судьбу доставки: одна повторная попытка, затем DLQ.
func Settle(redelivered bool, handlerErr error) Outcome {
	switch {
	case handlerErr == nil:
		return OutcomeAck
	case redelivered:
		return OutcomeDeadLetter
	default:
		return OutcomeRequeue
	}
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue    Queue
	Handler  Handler
	Prefetch int // default: 1
}

// Consumer читает очередь и передаёт сообщения Handler по одному.
// Разрыв соединения не останавливает Consumer: он ждёт переподключения
// и подписывается заново.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int

	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: max(cfg.Prefetch, 1),
	}
}

// Start потребляет сообщения до отмены ctx, Stop или закрытия соединения.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrNoChannel
		case <-c.conn.ReconnectNotify():
		}
	}
}

// Stop останавливает Start.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// session подписывается на очередь и обрабатывает доставки, пока
// канал открыт.
func (c *Consumer) session(ctx context.Context) error {
	ch := c.conn.Channel()
	if ch == nil {
		return ErrNoChannel
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("unparseable message", "error", err, "body", string(raw.Body))
		c.settle(raw, OutcomeDeadLetter)
		return
	}
	log := c.logger.With("message_id", msg.ID, "type", msg.Type)
	log.Debug("received message", "redelivered", raw.Redelivered)

	err := c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	outcome := Settle(raw.Redelivered, err)
	if err != nil {
		log.Error("handler failed", "outcome", outcome, "error", err)
	}
	c.settle(raw, outcome)
}

func (c *Consumer) settle(raw amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeAck:
		err = raw.Ack(false)
	case OutcomeRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "outcome", outcome, "error", err)
	}
}

// ParsePayload приводит payload конверта к типу T.
// После json.Unmarshal конверта payload — map[string]any.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs          Exchange = "rollout.jobs"
	ExchangeNotifications Exchange = "rollout.notifications"
	ExchangeDLQ           Exchange = "rollout.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsDue            Queue = "jobs.due"
	QueueNotificationsAudit Queue = "notifications.audit"
	QueueDLQJobs            Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyDue     RoutingKey = "due"
	RoutingKeyDLQJobs RoutingKey = "jobs"

	// RoutingKeyAllEvents — все события notifications (topic).
	RoutingKeyAllEvents RoutingKey = "#"
)

// SetupTopology объявляет exchanges, очереди и привязки.
// Объявления идемпотентны: все процессы вызывают её при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

type exchangeDecl struct {
	name Exchange
	kind string
}

var exchanges = []exchangeDecl{
	{ExchangeJobs, amqp.ExchangeDirect},
	{ExchangeNotifications, amqp.ExchangeTopic},
	{ExchangeDLQ, amqp.ExchangeDirect},
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

// queues — jobs.due отправляет отвергнутые сообщения в DLQ.
var queues = []queueDecl{
	{QueueJobsDue, amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
	}},
	{QueueNotificationsAudit, nil},
	{QueueDLQJobs, nil},
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

var bindings = []bindingDecl{
	{QueueJobsDue, RoutingKeyDue, ExchangeJobs},
	{QueueNotificationsAudit, RoutingKeyAllEvents, ExchangeNotifications},
	{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
}

func declareExchanges(ch *amqp.Channel) error {
	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Rollout RabbitMQ Topology:

    rollout.jobs (direct)
    └── jobs.due [routing: due]
            Consumer: Worker (ExecuteJob)
            DLQ: dlq.jobs

    rollout.notifications (topic)
    └── notifications.audit [routing: #]
            Consumer: external subscribers

    rollout.dlq (direct)
    └── dlq.jobs [routing: jobs]
            Manual processing
  `
}

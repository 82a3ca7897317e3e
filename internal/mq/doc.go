// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Типы сообщений:
//   - job.due        — задание пора выполнять (scheduler → worker)
//   - notification   — событие proposal/job для внешних подписчиков
//
// Exchanges:
//   - rollout.jobs          — передача заданий воркерам
//   - rollout.notifications — уведомления (topic, routing key = событие)
//   - rollout.dlq           — dead letter queue
package mq

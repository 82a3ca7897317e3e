// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики заданий, тенантов и proposals
//   - tracing.go — OpenTelemetry трейсинг (включается OTEL_EXPORTER_ENDPOINT)
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry

// Package api содержит административный HTTP API.
//
// Структура:
//   - handler.go          — Handler и интерфейсы сервисов
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (recovery, logging, actor)
//   - response.go         — JSON-ответы и отображение ошибок на HTTP статусы
//   - dto.go              — тела запросов и разбор параметров
//   - proposal_handler.go — /proposals
//   - job_handler.go      — /jobs, /reports
//   - template_handler.go — /templates
//   - tenant_handler.go   — /tenants
//
// Инициатор операции передаётся в заголовке X-Actor.
package api

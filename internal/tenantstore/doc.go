// Package tenantstore — изолированное хранилище одного тенанта.
//
// Каждый тенант живёт в собственной базе. Store открывается из
// connection descriptor тенанта и видит только его данные:
//   - историю DeploymentVersion
//   - артефакты шаблона с флагом кастомизации
//   - настройки тенанта
//   - текущую версию шаблона
//
// Поддерживаемые descriptor'ы:
//
//	postgres://...    — Postgres через pgx stdlib
//	postgresql://...  — то же
//	sqlite://<path>   — файл SQLite (modernc.org/sqlite)
//
// Схема мигрируется goose при первом открытии descriptor'а в процессе.
//
// Изменения, которые должны примениться атомарно (шаги миграции,
// синхронизация шаблона, смена статусов версий при откате),
// выполняются через Store.InTx.
package tenantstore

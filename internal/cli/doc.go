// Package cli реализует инструмент командной строки Rollout.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты.
// Инициатор операций задаётся флагом --actor и уходит в X-Actor.
//
// Команды организованы по ресурсам:
//   - proposal: propose, pending, show, approve, reject
//   - job: status, cancel, report
//   - sync: status, cancel, report
//   - tenant: list, show, register, deploy, rollback, sync, history, diff
//   - template: versions, preview, conflicts, propose, approve
//
// Каждая группа создаётся фабричной функцией (NewProposalCmd и т.д.),
// принимающей clientFn и outputFn: Client и Output создаются лениво,
// после разбора PersistentFlags.
//
// Данные выводятся в stdout (таблица или JSON с --json), сообщения в stderr:
//
//	rollout job status 3f2c... --json | jq .status
package cli

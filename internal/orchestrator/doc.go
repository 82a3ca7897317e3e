// Package orchestrator управляет жизненным циклом заданий.
//
// Orchestrator отвечает за:
//   - Создание заданий для одного тенанта (deploy, rollback, template_sync)
//   - Передачу заданий внешнему планировщику (сразу или отложенно)
//   - Выполнение задания: атомарный захват, fan-out по тенантам,
//     учёт прогресса после каждого тенанта
//   - Отмену ещё не начатых заданий
//   - Статусы и отчёты по заданиям
//
// Планировщик вызывает ExecuteJob в момент срабатывания. Повторная
// доставка безопасна: задание, которое уже не в SCHEDULED, не выполняется.
package orchestrator

// Package worker выполняет задания, которые прислал планировщик.
//
// # Обзор
//
// Worker — stateless процесс, который:
//
//   - получает job.due из очереди jobs.due (event-driven)
//   - периодически ищет просроченные SCHEDULED задания (polling fallback
//     на случай потерянного сообщения)
//   - подбирает IN_PROGRESS задания с истёкшей арендой: воркер, который
//     их выполнял, упал. Оркестратор продолжает такое задание с тенантов,
//     для которых исход ещё не записан
//   - вызывает Orchestrator.ExecuteJob для каждого задания
//
// Workers масштабируются горизонтально: ExecuteJob забирает задание
// условным UPDATE, поэтому одно сообщение, доставленное двум воркерам,
// выполняется один раз.
//
// # Использование
//
//	w := worker.New(worker.Config{
//	    Executor: orch,
//	    Jobs:     repo.NewJobRepo(pool),
//	    Conn:     mqConn,
//	    Logger:   logger,
//	})
//	if err := w.Start(ctx); err != nil { ... }
//	defer w.Stop()
//
// # Обработка ошибок
//
// Инфраструктурная ошибка ExecuteJob возвращает сообщение в очередь один
// раз, повторная — отправляет в dlq.jobs. Ошибки уровня задания уже
// записаны в само задание (FAILED), сообщение подтверждается.
//
// При остановке воркера отменяется контекст выполнения; оркестратор
// отмечает необработанных тенантов как interrupted.
package worker

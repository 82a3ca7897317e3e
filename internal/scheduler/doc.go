// Package scheduler передаёт задания на выполнение в нужный момент.
//
// Все реализации удовлетворяют orchestrator.JobScheduler
// (SubmitNow, SubmitAt, Cancel) и в момент срабатывания приводят к
// вызову Orchestrator.ExecuteJob с ID задания.
//
// Структура:
//   - durable.go  — Postgres (job_submissions) + RabbitMQ (jobs.due), по умолчанию
//   - leader.go   — leader election через pg_try_advisory_lock для Tick
//   - temporal.go — workflow на задание со StartDelay
//   - local.go    — таймеры в процессе, для одного бинаря и тестов
//   - cron.go     — периодический поиск новых мастер-версий шаблона
//
// Использование (durable):
//
//	durable := scheduler.NewDurable(scheduler.DurableConfig{
//	    Submissions: repo.NewSubmissionRepo(pool),
//	    Dispatcher:  publisher,
//	    Logger:      logger,
//	})
//	orch.SetScheduler(durable)
//
//	// в rollout-scheduler, только лидер
//	scheduler.RunLeader(ctx, pool, scheduler.LeaderLockKey, time.Second, durable.Tick, logger)
//
// Повторная доставка безопасна: ExecuteJob забирает задание условным
// UPDATE и игнорирует всё, что уже не SCHEDULED.
package scheduler

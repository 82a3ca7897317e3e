package worker

import "errors"

// Ошибки воркера.
var (
	// ErrMalformedMessage — payload job.due не распознан.
	ErrMalformedMessage = errors.New("malformed job.due message")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)

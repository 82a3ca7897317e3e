package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus — статус передачи задания в очередь.
type SubmissionStatus string

const (
	// SubmissionPending — ждёт момента due_at.
	SubmissionPending SubmissionStatus = "PENDING"

	// SubmissionDispatched — опубликовано в очередь воркеров.
	SubmissionDispatched SubmissionStatus = "DISPATCHED"

	// SubmissionCancelled — отменено до публикации.
	SubmissionCancelled SubmissionStatus = "CANCELLED"
)

// Submission — запись durable-планировщика о задании.
//
// Планировщик публикует задание, когда наступает DueAt.
// Если публикация не удалась, запись остаётся PENDING и
// подбирается следующим тиком.
type Submission struct {
	JobID        uuid.UUID        `json:"job_id"`
	DueAt        time.Time        `json:"due_at"`
	Status       SubmissionStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	LastError    string           `json:"last_error,omitempty"`
	DispatchedAt *time.Time       `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewSubmission создаёт PENDING запись.
func NewSubmission(jobID uuid.UUID, dueAt time.Time) *Submission {
	return &Submission{
		JobID:     jobID,
		DueAt:     dueAt.UTC(),
		Status:    SubmissionPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsDue возвращает true, если запись пора публиковать.
func (s *Submission) IsDue(now time.Time) bool {
	return s.Status == SubmissionPending && !s.DueAt.After(now)
}

package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ReasonInterrupted — причина для тенантов, до которых не дошла
// очередь при остановке воркера.
const ReasonInterrupted = "interrupted"

// Job — исполняемая единица fan-out.
//
// Один тип описывает DeploymentJob и TemplateSyncJob, их различает Kind.
// ID используется как ключ идемпотентности и корреляции с планировщиком.
//
// Инвариант: CompletedTenants + len(FailedTenants) <= TotalTenants.
// После терминального статуса задание больше не меняется.
//
// SucceededTenants и FailedTenants вместе — журнал исходов: задание,
// захваченное заново после падения воркера, пропускает этих тенантов.
type Job struct {
	// ID — уникальный идентификатор задания.
	ID uuid.UUID `json:"id"`

	// Kind — deploy, rollback или template_sync.
	Kind JobKind `json:"kind"`

	// TenantID — nil для глобального задания.
	TenantID *string `json:"tenant_id,omitempty"`

	// Version — метка версии или версии шаблона.
	Version string `json:"version"`

	// Notes — описание изменений.
	Notes string `json:"notes,omitempty"`

	// Payload — шаги миграции для deploy.
	Payload MigrationPayload `json:"payload"`

	// TargetVersionID — целевая версия для rollback.
	TargetVersionID *uuid.UUID `json:"target_version_id,omitempty"`

	// Resolutions — решения по конфликтам для template_sync.
	Resolutions map[string]ConflictResolution `json:"resolutions,omitempty"`

	// ProposalID — proposal, из которого создано задание.
	ProposalID *uuid.UUID `json:"proposal_id,omitempty"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ScheduledBy string `json:"scheduled_by"`
	ExecutedBy  string `json:"executed_by,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`

	// SchedulerRef — идентификатор задания во внешнем планировщике.
	SchedulerRef string `json:"scheduler_ref,omitempty"`

	TotalTenants     int               `json:"total_tenants"`
	CompletedTenants int               `json:"completed_tenants"`
	SucceededTenants []string          `json:"succeeded_tenants"`
	FailedTenants    []string          `json:"failed_tenants"`
	TenantErrors     map[string]string `json:"tenant_errors,omitempty"`

	// HeartbeatAt — когда исполнитель последний раз продлил аренду.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// Metadata — произвольные атрибуты.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Error — ошибка задания целиком.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewJob создаёт задание в статусе SCHEDULED.
//
// scheduledAt nil или в прошлом означает немедленный запуск.
func NewJob(kind JobKind, version, scheduledBy string, scheduledAt *time.Time) *Job {
	now := time.Now().UTC()
	at := now
	if scheduledAt != nil && scheduledAt.After(now) {
		at = scheduledAt.UTC()
	}
	return &Job{
		ID:               uuid.New(),
		Kind:             kind,
		Version:          version,
		Status:           JobStatusScheduled,
		ScheduledAt:      at,
		ScheduledBy:      scheduledBy,
		SucceededTenants: []string{},
		FailedTenants:    []string{},
		TenantErrors:     map[string]string{},
		Metadata:         map[string]string{},
		CreatedAt:        now,
	}
}

// IsGlobal возвращает true для fan-out задания без тенанта.
func (j *Job) IsGlobal() bool {
	return j.TenantID == nil || *j.TenantID == ""
}

// IsDeferred возвращает true, если задание нужно запустить позже now.
func (j *Job) IsDeferred(now time.Time) bool {
	return j.ScheduledAt.After(now)
}

// Processed — сколько тенантов уже обработано.
func (j *Job) Processed() int {
	return j.CompletedTenants + len(j.FailedTenants)
}

// IsFinished возвращает true, если задание в терминальном статусе.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если задание ещё не завершено.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// MarkInProgress переводит задание в IN_PROGRESS.
func (j *Job) MarkInProgress(executor string) {
	now := time.Now().UTC()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
	j.ExecutedBy = executor
}

// HasOutcome возвращает true, если исход тенанта уже записан.
func (j *Job) HasOutcome(tenantID string) bool {
	return slices.Contains(j.SucceededTenants, tenantID) || slices.Contains(j.FailedTenants, tenantID)
}

// LeaseExpired возвращает true для IN_PROGRESS задания, аренда которого
// не продлевалась с момента before.
func (j *Job) LeaseExpired(before time.Time) bool {
	if j.Status != JobStatusInProgress {
		return false
	}
	last := j.HeartbeatAt
	if last == nil {
		last = j.StartedAt
	}
	return last == nil || last.Before(before)
}

// RecordTenantSuccess учитывает успешного тенанта.
// Возвращает false, если учёт нарушил бы инвариант или тенант уже учтён.
func (j *Job) RecordTenantSuccess(tenantID string) bool {
	if j.Processed() >= j.TotalTenants || j.HasOutcome(tenantID) {
		return false
	}
	j.SucceededTenants = append(j.SucceededTenants, tenantID)
	j.CompletedTenants++
	return true
}

// RecordTenantFailure учитывает упавшего тенанта.
// Записанный исход больше не переписывается.
func (j *Job) RecordTenantFailure(tenantID, reason string) bool {
	if j.Processed() >= j.TotalTenants || j.HasOutcome(tenantID) {
		return false
	}
	j.FailedTenants = append(j.FailedTenants, tenantID)
	if j.TenantErrors == nil {
		j.TenantErrors = map[string]string{}
	}
	j.TenantErrors[tenantID] = reason
	return true
}

// Finalize вычисляет терминальный статус после fan-out.
//
//	нет неудач                 → COMPLETED
//	есть неудачи и успехи      → PARTIALLY_COMPLETED
//	ни одного успешного тенанта → FAILED
func (j *Job) Finalize() JobStatus {
	now := time.Now().UTC()
	switch {
	case len(j.FailedTenants) == 0:
		j.Status = JobStatusCompleted
	case j.CompletedTenants > 0:
		j.Status = JobStatusPartiallyCompleted
	default:
		j.Status = JobStatusFailed
		j.Error = "all tenants failed"
	}
	j.CompletedAt = &now
	return j.Status
}

// MarkFailed завершает задание ошибкой до или вне fan-out.
func (j *Job) MarkFailed(err string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = err
}

// MarkCancelled переводит задание в CANCELLED.
func (j *Job) MarkCancelled(by string) {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	j.CancelledBy = by
}

// Notification — событие для отправки внешним подписчикам.
type Notification struct {
	// Event — тип события: proposal.created, proposal.approved,
	// proposal.rejected, job.finished.
	Event string `json:"event"`

	// Subject — краткое описание.
	Subject string `json:"subject"`

	// Attributes — детали события.
	Attributes map[string]string `json:"attributes,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventProposalCreated  = "proposal.created"
	EventProposalApproved = "proposal.approved"
	EventProposalRejected = "proposal.rejected"
	EventJobFinished      = "job.finished"
)

// JobFilter — фильтр списка заданий.
type JobFilter struct {
	Kinds  []JobKind
	Status *JobStatus
	From   *time.Time
	To     *time.Time

	// LeaseExpiredBefore оставляет IN_PROGRESS задания с истёкшей арендой.
	LeaseExpiredBefore *time.Time

	Limit int
}

// Matches проверяет, попадает ли задание в фильтр.
// From/To сравниваются со ScheduledAt.
func (f JobFilter) Matches(j *Job) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, j.Kind) {
		return false
	}
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	if f.From != nil && j.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && j.ScheduledAt.After(*f.To) {
		return false
	}
	if f.LeaseExpiredBefore != nil && !j.LeaseExpired(*f.LeaseExpiredBefore) {
		return false
	}
	return true
}

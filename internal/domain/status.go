package domain

// VersionStatus — статус версии развёртывания у тенанта.
//
// Жизненный цикл:
//
//	PENDING → IN_PROGRESS → COMPLETED → ROLLED_BACK
//	                      ↘ FAILED
type VersionStatus string

const (
	// VersionStatusPending — версия создана, ещё не применялась.
	VersionStatusPending VersionStatus = "PENDING"

	// VersionStatusInProgress — миграция выполняется.
	VersionStatusInProgress VersionStatus = "IN_PROGRESS"

	// VersionStatusCompleted — версия успешно применена.
	VersionStatusCompleted VersionStatus = "COMPLETED"

	// VersionStatusFailed — миграция упала.
	VersionStatusFailed VersionStatus = "FAILED"

	// VersionStatusRolledBack — версия вытеснена откатом.
	VersionStatusRolledBack VersionStatus = "ROLLED_BACK"
)

// ParseVersionStatus парсит строку в VersionStatus.
func ParseVersionStatus(s string) VersionStatus {
	switch s {
	case "IN_PROGRESS":
		return VersionStatusInProgress
	case "COMPLETED":
		return VersionStatusCompleted
	case "FAILED":
		return VersionStatusFailed
	case "ROLLED_BACK":
		return VersionStatusRolledBack
	default:
		return VersionStatusPending
	}
}

// JobKind — тип задания.
type JobKind string

const (
	// JobKindDeploy — развёртывание версии.
	JobKindDeploy JobKind = "deploy"

	// JobKindRollback — откат тенанта к предыдущей версии.
	JobKindRollback JobKind = "rollback"

	// JobKindTemplateSync — синхронизация шаблона с мастер-версией.
	JobKindTemplateSync JobKind = "template_sync"
)

// IsValid проверяет, что тип задания известен.
func (k JobKind) IsValid() bool {
	switch k {
	case JobKindDeploy, JobKindRollback, JobKindTemplateSync:
		return true
	default:
		return false
	}
}

// JobStatus — статус задания.
//
// Жизненный цикл:
//
//	SCHEDULED → IN_PROGRESS → COMPLETED
//	          ↘ CANCELLED   ↘ PARTIALLY_COMPLETED
//	                        ↘ FAILED
//
// Ни одно ребро не возвращает в SCHEDULED или IN_PROGRESS.
type JobStatus string

const (
	// JobStatusScheduled — задание создано и передано планировщику.
	JobStatusScheduled JobStatus = "SCHEDULED"

	// JobStatusInProgress — fan-out по тенантам выполняется.
	JobStatusInProgress JobStatus = "IN_PROGRESS"

	// JobStatusCompleted — все тенанты успешно обработаны.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusPartiallyCompleted — часть тенантов упала.
	JobStatusPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"

	// JobStatusFailed — задание упало целиком или ни один тенант не прошёл.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled — задание отменено до начала выполнения.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseJobStatus парсит строку в JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "IN_PROGRESS":
		return JobStatusInProgress
	case "COMPLETED":
		return JobStatusCompleted
	case "PARTIALLY_COMPLETED":
		return JobStatusPartiallyCompleted
	case "FAILED":
		return JobStatusFailed
	case "CANCELLED":
		return JobStatusCancelled
	default:
		return JobStatusScheduled
	}
}

// ProposalStatus — статус предложения.
//
// Жизненный цикл:
//
//	PENDING → APPROVED
//	        ↘ REJECTED
type ProposalStatus string

const (
	// ProposalStatusPending — ожидает ревью.
	ProposalStatusPending ProposalStatus = "PENDING"

	// ProposalStatusApproved — одобрено, задание создано.
	ProposalStatusApproved ProposalStatus = "APPROVED"

	// ProposalStatusRejected — отклонено.
	ProposalStatusRejected ProposalStatus = "REJECTED"
)

// String возвращает строковое представление ProposalStatus.
func (s ProposalStatus) String() string {
	return string(s)
}

// ParseProposalStatus парсит строку в ProposalStatus.
func ParseProposalStatus(s string) ProposalStatus {
	switch s {
	case "APPROVED":
		return ProposalStatusApproved
	case "REJECTED":
		return ProposalStatusRejected
	default:
		return ProposalStatusPending
	}
}

// ProposalKind — вид предложения.
type ProposalKind string

const (
	// ProposalKindDeployment — развёртывание новой версии.
	ProposalKindDeployment ProposalKind = "deployment"

	// ProposalKindTemplateUpdate — обновление шаблона до мастер-версии.
	ProposalKindTemplateUpdate ProposalKind = "template_update"
)

// JobKind возвращает тип задания, которое создаётся при одобрении.
func (k ProposalKind) JobKind() JobKind {
	if k == ProposalKindTemplateUpdate {
		return JobKindTemplateSync
	}
	return JobKindDeploy
}

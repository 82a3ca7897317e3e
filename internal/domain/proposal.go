package domain

import (
	"time"

	"github.com/google/uuid"
)

// Proposal — предложение изменений, ожидающее ревью.
//
// Один тип описывает и DeploymentProposal, и TemplateUpdateProposal —
// их различает Kind. Proposal никогда не трогает хранилища тенантов:
// выполнение начинается только после одобрения, через Job.
//
// Жизненный цикл:
//
//	PENDING → APPROVED
//	        ↘ REJECTED
type Proposal struct {
	// ID — уникальный идентификатор proposal.
	ID uuid.UUID `json:"id"`

	// Kind — deployment или template_update.
	Kind ProposalKind `json:"kind"`

	// Version — метка версии или версии шаблона.
	Version string `json:"version" validate:"required"`

	// ReleaseNotes — описание изменений.
	ReleaseNotes string `json:"release_notes,omitempty"`

	// Payload — шаги миграции (только для deployment).
	Payload MigrationPayload `json:"payload"`

	// TenantID — если задан, proposal касается одного тенанта.
	TenantID *string `json:"tenant_id,omitempty"`

	// Resolutions — решения по конфликтам шаблона (путь → решение).
	Resolutions map[string]ConflictResolution `json:"resolutions,omitempty"`

	// Status — текущий статус proposal.
	Status ProposalStatus `json:"status"`

	// ProposedBy — кто создал proposal.
	ProposedBy string `json:"proposed_by" validate:"required"`

	// ProposedAt — время создания.
	ProposedAt time.Time `json:"proposed_at"`

	// --- Review ---

	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes     string     `json:"review_notes,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	// --- Оценка ---

	// AffectedTenants — тенанты, которых коснётся выполнение
	// (на момент создания proposal).
	AffectedTenants []string `json:"affected_tenants"`

	// RiskLevel — оценка риска.
	RiskLevel Severity `json:"risk_level"`

	// RollbackPlan — как откатить изменения.
	RollbackPlan string `json:"rollback_plan,omitempty"`

	// ScheduledAt — желаемое время выполнения. Nil — сразу после одобрения.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// JobID — задание, созданное при одобрении.
	JobID *uuid.UUID `json:"job_id,omitempty"`
}

// NewProposal создаёт proposal в статусе PENDING.
func NewProposal(kind ProposalKind, version, notes, proposedBy string) *Proposal {
	return &Proposal{
		ID:              uuid.New(),
		Kind:            kind,
		Version:         version,
		ReleaseNotes:    notes,
		Status:          ProposalStatusPending,
		ProposedBy:      proposedBy,
		ProposedAt:      time.Now().UTC(),
		AffectedTenants: []string{},
		RiskLevel:       SeverityLow,
	}
}

// CanReview возвращает true, если proposal ещё можно одобрить или отклонить.
func (p *Proposal) CanReview() bool {
	return p.Status == ProposalStatusPending
}

// Approve одобряет proposal и связывает его с заданием.
func (p *Proposal) Approve(reviewer, notes string, jobID uuid.UUID) {
	now := time.Now().UTC()
	p.Status = ProposalStatusApproved
	p.ReviewedBy = reviewer
	p.ReviewedAt = &now
	p.ReviewNotes = notes
	p.JobID = &jobID
}

// Reject отклоняет proposal.
func (p *Proposal) Reject(reviewer, reason string) {
	now := time.Now().UTC()
	p.Status = ProposalStatusRejected
	p.ReviewedBy = reviewer
	p.ReviewedAt = &now
	p.RejectionReason = reason
}

// IsTenantScoped возвращает true, если proposal касается одного тенанта.
func (p *Proposal) IsTenantScoped() bool {
	return p.TenantID != nil && *p.TenantID != ""
}

// ProposalFilter — фильтр списка proposals.
type ProposalFilter struct {
	Kind   *ProposalKind
	Status *ProposalStatus
	Limit  int
}

// Matches проверяет, попадает ли proposal в фильтр.
func (f ProposalFilter) Matches(p *Proposal) bool {
	if f.Kind != nil && p.Kind != *f.Kind {
		return false
	}
	if f.Status != nil && p.Status != *f.Status {
		return false
	}
	return true
}

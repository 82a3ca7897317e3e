// Package proposal реализует ревью изменений перед выполнением.
//
// Workflow создаёт proposals (развёртывание версии или обновление
// шаблона), одобряет и отклоняет их. Одобрение атомарно сохраняет
// решение вместе с новым заданием и передаёт задание оркестратору.
// Сам proposal никогда не трогает хранилища тенантов.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/telemetry"
)

// Store — хранилище proposals.
type Store interface {
	Create(ctx context.Context, p *domain.Proposal) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
	List(ctx context.Context, filter domain.ProposalFilter) ([]domain.Proposal, error)

	// ApproveWithJob в одной транзакции переводит PENDING proposal
	// в APPROVED и создаёт задание. ErrState, если proposal уже рассмотрен.
	ApproveWithJob(ctx context.Context, p *domain.Proposal, job *domain.Job) error

	// Reject переводит PENDING proposal в REJECTED.
	Reject(ctx context.Context, p *domain.Proposal) error
}

// Tenants — чтение реестра тенантов.
type Tenants interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	ListActive(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error)
}

// Submitter передаёт сохранённое задание планировщику.
type Submitter interface {
	Submit(ctx context.Context, job *domain.Job) error
}

// Templates — анализ мастер-версий шаблона.
type Templates interface {
	LatestVersion(ctx context.Context) (string, error)
	PreviewUpdate(ctx context.Context, master string) (*domain.UpdatePreview, error)
	AnalyzeConflicts(ctx context.Context, tenantID, master string) (*domain.ConflictAnalysisReport, error)
}

// Notifier отправляет уведомления.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// Workflow — ревью proposals.
type Workflow struct {
	proposals Store
	tenants   Tenants
	submitter Submitter
	templates Templates
	notifier  Notifier
	metrics   *telemetry.Metrics

	validate *validator.Validate
	logger   *slog.Logger
}

// Config — конфигурация Workflow.
type Config struct {
	Proposals Store
	Tenants   Tenants
	Submitter Submitter

	// Templates нужен только для proposals обновления шаблона.
	Templates Templates

	Notifier Notifier
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// New создаёт Workflow.
func New(cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		proposals: cfg.Proposals,
		tenants:   cfg.Tenants,
		submitter: cfg.Submitter,
		templates: cfg.Templates,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// ProposeRequest — предложение развёртывания версии.
type ProposeRequest struct {
	Version      string `json:"version" validate:"required"`
	ReleaseNotes string `json:"release_notes"`

	Payload domain.MigrationPayload `json:"payload"`

	// TenantID — если задан, развёртывание только для этого тенанта.
	TenantID *string `json:"tenant_id,omitempty" validate:"omitempty,min=1"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ProposedBy  string     `json:"proposed_by" validate:"required"`
}

// Propose создаёт proposal развёртывания в статусе PENDING.
func (w *Workflow) Propose(ctx context.Context, req ProposeRequest) (*domain.Proposal, error) {
	if err := w.validateRequest(req); err != nil {
		return nil, err
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}

	p := domain.NewProposal(domain.ProposalKindDeployment, req.Version, req.ReleaseNotes, req.ProposedBy)
	p.Payload = req.Payload
	p.TenantID = req.TenantID
	p.ScheduledAt = req.ScheduledAt
	p.RiskLevel = AssessRisk(req.Payload)
	p.RollbackPlan = RollbackPlan(req.Payload)

	affected, err := w.affectedTenants(ctx, p)
	if err != nil {
		return nil, err
	}
	p.AffectedTenants = affected

	if err := w.create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// TemplateProposeRequest — предложение обновить шаблон до мастер-версии.
type TemplateProposeRequest struct {
	TemplateVersion string `json:"template_version" validate:"required"`
	ReleaseNotes    string `json:"release_notes"`

	TenantID    *string                              `json:"tenant_id,omitempty" validate:"omitempty,min=1"`
	Resolutions map[string]domain.ConflictResolution `json:"resolutions,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ProposedBy  string     `json:"proposed_by" validate:"required"`
}

// ProposeTemplateUpdate создаёт proposal обновления шаблона.
//
// Риск и затронутые тенанты берутся из анализа конфликтов:
// RiskLevel — наибольший риск среди тенантов.
func (w *Workflow) ProposeTemplateUpdate(ctx context.Context, req TemplateProposeRequest) (*domain.Proposal, error) {
	if err := w.validateRequest(req); err != nil {
		return nil, err
	}
	for path, r := range req.Resolutions {
		if !r.IsValid() {
			return nil, domain.Validationf("resolution for %s: unknown value %q", path, r)
		}
	}
	if w.templates == nil {
		return nil, fmt.Errorf("%w: template analyzer is not configured", domain.ErrInfrastructure)
	}

	p := domain.NewProposal(domain.ProposalKindTemplateUpdate, req.TemplateVersion, req.ReleaseNotes, req.ProposedBy)
	p.TenantID = req.TenantID
	p.Resolutions = req.Resolutions
	p.ScheduledAt = req.ScheduledAt
	p.RollbackPlan = "Re-sync affected tenants to their previous template version; customized files kept locally are not touched."

	if p.IsTenantScoped() {
		if _, err := w.tenants.Get(ctx, *p.TenantID); err != nil {
			return nil, err
		}
		report, err := w.templates.AnalyzeConflicts(ctx, *p.TenantID, p.Version)
		if err != nil {
			return nil, err
		}
		p.AffectedTenants = []string{*p.TenantID}
		p.RiskLevel = report.RiskLevel
	} else {
		preview, err := w.templates.PreviewUpdate(ctx, p.Version)
		if err != nil {
			return nil, err
		}
		for _, r := range preview.Conflicts {
			p.AffectedTenants = append(p.AffectedTenants, r.TenantID)
			p.RiskLevel = domain.MaxSeverity(p.RiskLevel, r.RiskLevel)
		}
	}

	if err := w.create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (w *Workflow) create(ctx context.Context, p *domain.Proposal) error {
	if err := w.validateRequest(p); err != nil {
		return err
	}
	if err := w.proposals.Create(ctx, p); err != nil {
		return fmt.Errorf("%w: create proposal: %w", domain.ErrInfrastructure, err)
	}

	w.metrics.ProposalDecision(string(p.Kind), "proposed")
	w.notify(ctx, domain.EventProposalCreated, p)
	w.logger.Info("proposal created",
		"proposal_id", p.ID,
		"kind", p.Kind,
		"version", p.Version,
		"risk", p.RiskLevel,
		"affected", len(p.AffectedTenants),
	)
	return nil
}

// ListPending возвращает proposals, ожидающие ревью.
func (w *Workflow) ListPending(ctx context.Context) ([]domain.Proposal, error) {
	status := domain.ProposalStatusPending
	proposals, err := w.proposals.List(ctx, domain.ProposalFilter{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("%w: list proposals: %w", domain.ErrInfrastructure, err)
	}
	if proposals == nil {
		proposals = []domain.Proposal{}
	}
	return proposals, nil
}

// Get возвращает proposal.
func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	return w.proposals.GetByID(ctx, id)
}

// Approve одобряет proposal и создаёт задание.
//
// Требуется PENDING, иначе ErrState и задание не создаётся. Решение
// и задание сохраняются атомарно, затем задание передаётся планировщику:
// сразу, если время не задано или уже прошло. scheduledAt nil берёт
// время из proposal.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, approver, notes string, scheduledAt *time.Time) (uuid.UUID, error) {
	if approver == "" {
		return uuid.Nil, domain.Validationf("approver is required")
	}
	p, err := w.proposals.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if !p.CanReview() {
		return uuid.Nil, domain.Statef("proposal %s is %s", p.ID, p.Status)
	}

	at := scheduledAt
	if at == nil {
		at = p.ScheduledAt
	}

	job := domain.NewJob(p.Kind.JobKind(), p.Version, approver, at)
	job.Notes = p.ReleaseNotes
	job.Payload = p.Payload
	job.TenantID = p.TenantID
	job.Resolutions = p.Resolutions
	job.ProposalID = &p.ID

	total, err := w.fanOutSize(ctx, p)
	if err != nil {
		return uuid.Nil, err
	}
	job.TotalTenants = total

	p.Approve(approver, notes, job.ID)
	p.ScheduledAt = at

	if err := w.proposals.ApproveWithJob(ctx, p, job); err != nil {
		if errors.Is(err, domain.ErrState) || errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("%w: approve proposal: %w", domain.ErrInfrastructure, err)
	}

	w.metrics.ProposalDecision(string(p.Kind), "approved")
	w.notify(ctx, domain.EventProposalApproved, p)
	w.logger.Info("proposal approved",
		"proposal_id", p.ID,
		"job_id", job.ID,
		"approver", approver,
		"tenants", total,
	)

	if err := w.submitter.Submit(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// ApproveTemplateSync — Approve только для proposals обновления шаблона.
func (w *Workflow) ApproveTemplateSync(ctx context.Context, id uuid.UUID, approver, notes string, scheduledAt *time.Time) (uuid.UUID, error) {
	p, err := w.proposals.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Kind != domain.ProposalKindTemplateUpdate {
		return uuid.Nil, domain.Validationf("proposal %s is %s, expected %s", p.ID, p.Kind, domain.ProposalKindTemplateUpdate)
	}
	return w.Approve(ctx, id, approver, notes, scheduledAt)
}

// Reject отклоняет proposal. Причина обязательна.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, reviewer, reason string) error {
	if reviewer == "" {
		return domain.Validationf("reviewer is required")
	}
	if reason == "" {
		return domain.Validationf("rejection reason is required")
	}
	p, err := w.proposals.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !p.CanReview() {
		return domain.Statef("proposal %s is %s", p.ID, p.Status)
	}

	p.Reject(reviewer, reason)
	if err := w.proposals.Reject(ctx, p); err != nil {
		if errors.Is(err, domain.ErrState) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: reject proposal: %w", domain.ErrInfrastructure, err)
	}

	w.metrics.ProposalDecision(string(p.Kind), "rejected")
	w.notify(ctx, domain.EventProposalRejected, p)
	w.logger.Info("proposal rejected", "proposal_id", p.ID, "reviewer", reviewer)
	return nil
}

// affectedTenants — тенанты proposal на момент создания.
func (w *Workflow) affectedTenants(ctx context.Context, p *domain.Proposal) ([]string, error) {
	if p.IsTenantScoped() {
		if _, err := w.tenants.Get(ctx, *p.TenantID); err != nil {
			return nil, err
		}
		return []string{*p.TenantID}, nil
	}

	tenants, err := w.tenants.ListActive(ctx, domain.FilterFor(p.Kind.JobKind()))
	if err != nil {
		return nil, fmt.Errorf("%w: list tenants: %w", domain.ErrInfrastructure, err)
	}
	ids := make([]string, 0, len(tenants))
	for _, t := range tenants {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// fanOutSize — сколько тенантов затронет задание при одобрении.
// Для глобального задания число уточняется в момент выполнения.
func (w *Workflow) fanOutSize(ctx context.Context, p *domain.Proposal) (int, error) {
	if p.IsTenantScoped() {
		return 1, nil
	}
	ids, err := w.affectedTenants(ctx, p)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (w *Workflow) validateRequest(req any) error {
	if err := w.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (w *Workflow) notify(ctx context.Context, event string, p *domain.Proposal) {
	if w.notifier == nil {
		return
	}
	attrs := map[string]string{
		"proposal_id": p.ID.String(),
		"kind":        string(p.Kind),
		"version":     p.Version,
		"status":      string(p.Status),
		"risk_level":  string(p.RiskLevel),
	}
	if p.JobID != nil {
		attrs["job_id"] = p.JobID.String()
	}
	if p.RejectionReason != "" {
		attrs["reason"] = p.RejectionReason
	}
	w.notifier.Notify(context.WithoutCancel(ctx), domain.Notification{
		Event:      event,
		Subject:    fmt.Sprintf("%s proposal %s %s", p.Kind, p.Version, p.Status),
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
	})
}

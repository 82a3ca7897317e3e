package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/orchestrator"
	"github.com/shaiso/Rollout/internal/proposal"
	"github.com/shaiso/Rollout/internal/telemetry"
)

// Proposals — ревью proposals.
type Proposals interface {
	Propose(ctx context.Context, req proposal.ProposeRequest) (*domain.Proposal, error)
	ProposeTemplateUpdate(ctx context.Context, req proposal.TemplateProposeRequest) (*domain.Proposal, error)
	ListPending(ctx context.Context) ([]domain.Proposal, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
	Approve(ctx context.Context, id uuid.UUID, approver, notes string, scheduledAt *time.Time) (uuid.UUID, error)
	ApproveTemplateSync(ctx context.Context, id uuid.UUID, approver, notes string, scheduledAt *time.Time) (uuid.UUID, error)
	Reject(ctx context.Context, id uuid.UUID, reviewer, reason string) error
}

type approveFunc func(ctx context.Context, id uuid.UUID, approver, notes string, scheduledAt *time.Time) (uuid.UUID, error)

// Jobs — управление заданиями.
type Jobs interface {
	ScheduleTenantJob(ctx context.Context, req orchestrator.DeployRequest) (*domain.Job, error)
	ScheduleTenantRollback(ctx context.Context, req orchestrator.RollbackRequest) (*domain.Job, error)
	ScheduleTenantTemplateSync(ctx context.Context, req orchestrator.SyncRequest) (*domain.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID, by string) (bool, error)
	CancelSync(ctx context.Context, jobID uuid.UUID, by string) (bool, error)
	Status(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	SyncStatus(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	DeploymentReport(ctx context.Context, from, to *time.Time) (*orchestrator.Report, error)
	SyncReport(ctx context.Context, from, to *time.Time) (*orchestrator.Report, error)
}

// Templates — анализ мастер-шаблонов.
type Templates interface {
	DetectAvailableVersions(ctx context.Context) ([]string, error)
	PreviewUpdate(ctx context.Context, master string) (*domain.UpdatePreview, error)
	AnalyzeConflicts(ctx context.Context, tenantID, master string) (*domain.ConflictAnalysisReport, error)
}

// Tenants — реестр тенантов.
type Tenants interface {
	Upsert(ctx context.Context, t domain.Tenant) error
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	List(ctx context.Context) ([]domain.Tenant, error)
}

// Versions — история версий тенанта.
type Versions interface {
	History(ctx context.Context, tenantID string) (*domain.VersionHistory, error)
	Diff(ctx context.Context, tenantID string, fromID, toID uuid.UUID) (domain.PayloadDiff, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	proposals Proposals
	jobs      Jobs
	templates Templates
	tenants   Tenants
	versions  Versions
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Proposals Proposals
	Jobs      Jobs
	Templates Templates
	Tenants   Tenants
	Versions  Versions
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		proposals: cfg.Proposals,
		jobs:      cfg.Jobs,
		templates: cfg.Templates,
		tenants:   cfg.Tenants,
		versions:  cfg.Versions,
		logger:    logger,
	}
}

// log — логгер запроса из Logging, иначе логгер Handler.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.LoggerFrom(r.Context(), h.logger)
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/orchestrator"
)

// ScheduleTenantDeployment планирует развёртывание у одного тенанта.
// POST /api/v1/tenants/{id}/deployments
func (h *Handler) ScheduleTenantDeployment(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req DeployRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}

	job, err := h.jobs.ScheduleTenantJob(r.Context(), orchestrator.DeployRequest{
		TenantID:    r.PathValue("id"),
		Version:     req.Version,
		Notes:       req.Notes,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
		Actor:       actor,
	})
	if HandleError(w, h.log(r), err) {
		return
	}
	Accepted(w, job)
}

// ScheduleTenantRollback планирует откат тенанта.
// POST /api/v1/tenants/{id}/rollbacks
func (h *Handler) ScheduleTenantRollback(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req RollbackRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}

	job, err := h.jobs.ScheduleTenantRollback(r.Context(), orchestrator.RollbackRequest{
		TenantID:        r.PathValue("id"),
		TargetVersionID: req.TargetVersionID,
		ScheduledAt:     req.ScheduledAt,
		Actor:           actor,
	})
	if HandleError(w, h.log(r), err) {
		return
	}
	Accepted(w, job)
}

// ScheduleTenantTemplateSync планирует синхронизацию шаблона тенанта.
// POST /api/v1/tenants/{id}/syncs
func (h *Handler) ScheduleTenantTemplateSync(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req SyncRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}

	job, err := h.jobs.ScheduleTenantTemplateSync(r.Context(), orchestrator.SyncRequest{
		TenantID:        r.PathValue("id"),
		TemplateVersion: req.TemplateVersion,
		Resolutions:     req.Resolutions,
		ScheduledAt:     req.ScheduledAt,
		Actor:           actor,
	})
	if HandleError(w, h.log(r), err) {
		return
	}
	Accepted(w, job)
}

// JobStatus возвращает задание.
// GET /api/v1/jobs/{id}
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, h.jobs.Status)
}

// SyncJobStatus возвращает задание template_sync.
// GET /api/v1/syncs/{id}
func (h *Handler) SyncJobStatus(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, h.jobs.SyncStatus)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, get func(context.Context, uuid.UUID) (*domain.Job, error)) {
	id, err := pathID(r, "id")
	if HandleError(w, h.log(r), err) {
		return
	}
	job, err := get(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, job)
}

// CancelJob отменяет запланированное задание.
// POST /api/v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.jobs.Cancel)
}

// CancelSync отменяет запланированную синхронизацию.
// POST /api/v1/syncs/{id}/cancel
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.jobs.CancelSync)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, cancel func(context.Context, uuid.UUID, string) (bool, error)) {
	id, err := pathID(r, "id")
	if HandleError(w, h.log(r), err) {
		return
	}
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	cancelled, err := cancel(r.Context(), id, actor)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, CancelResponse{JobID: id, Cancelled: cancelled})
}

// DeploymentReport — отчёт по deploy и rollback.
// GET /api/v1/reports/deployments?from=...&to=...
func (h *Handler) DeploymentReport(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, h.jobs.DeploymentReport)
}

// SyncReport — отчёт по template_sync.
// GET /api/v1/reports/syncs?from=...&to=...
func (h *Handler) SyncReport(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, h.jobs.SyncReport)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request, build func(context.Context, *time.Time, *time.Time) (*orchestrator.Report, error)) {
	from, to, err := timeRange(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	report, err := build(r.Context(), from, to)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, report)
}

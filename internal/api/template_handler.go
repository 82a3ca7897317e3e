package api

import (
	"net/http"

	"github.com/shaiso/Rollout/internal/domain"
	"github.com/shaiso/Rollout/internal/proposal"
)

// DetectTemplateUpdates возвращает доступные мастер-версии.
// GET /api/v1/templates/versions
func (h *Handler) DetectTemplateUpdates(w http.ResponseWriter, r *http.Request) {
	versions, err := h.templates.DetectAvailableVersions(r.Context())
	if HandleError(w, h.log(r), err) {
		return
	}
	if versions == nil {
		versions = []string{}
	}
	List(w, versions, len(versions))
}

// PreviewTemplateUpdate — анализ мастер-версии по всем тенантам с AutoSync.
// GET /api/v1/templates/versions/{version}/preview
func (h *Handler) PreviewTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	preview, err := h.templates.PreviewUpdate(r.Context(), r.PathValue("version"))
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, preview)
}

// ProposeTemplateUpdate создаёт proposal обновления шаблона.
// POST /api/v1/templates/proposals
func (h *Handler) ProposeTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req proposal.TemplateProposeRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}
	req.ProposedBy = actor

	p, err := h.proposals.ProposeTemplateUpdate(r.Context(), req)
	if HandleError(w, h.log(r), err) {
		return
	}
	Created(w, p)
}

// AnalyzeConflicts — конфликты тенанта с мастер-версией.
// GET /api/v1/tenants/{id}/conflicts?template_version=...
func (h *Handler) AnalyzeConflicts(w http.ResponseWriter, r *http.Request) {
	master := r.URL.Query().Get("template_version")
	if master == "" {
		HandleError(w, h.log(r), domain.Validationf("template_version is required"))
		return
	}
	report, err := h.templates.AnalyzeConflicts(r.Context(), r.PathValue("id"), master)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, report)
}

package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Actor(),
	)

	// Proposals
	mux.Handle("POST /api/v1/proposals", chain(http.HandlerFunc(h.ProposeDeployment)))
	mux.Handle("GET /api/v1/proposals", chain(http.HandlerFunc(h.ListPendingProposals)))
	mux.Handle("GET /api/v1/proposals/{id}", chain(http.HandlerFunc(h.GetProposal)))
	mux.Handle("POST /api/v1/proposals/{id}/approve", chain(http.HandlerFunc(h.ApproveProposal)))
	mux.Handle("POST /api/v1/proposals/{id}/reject", chain(http.HandlerFunc(h.RejectProposal)))

	// Jobs
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.JobStatus)))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", chain(http.HandlerFunc(h.CancelJob)))
	mux.Handle("GET /api/v1/syncs/{id}", chain(http.HandlerFunc(h.SyncJobStatus)))
	mux.Handle("POST /api/v1/syncs/{id}/cancel", chain(http.HandlerFunc(h.CancelSync)))
	mux.Handle("GET /api/v1/reports/deployments", chain(http.HandlerFunc(h.DeploymentReport)))
	mux.Handle("GET /api/v1/reports/syncs", chain(http.HandlerFunc(h.SyncReport)))

	// Templates
	mux.Handle("GET /api/v1/templates/versions", chain(http.HandlerFunc(h.DetectTemplateUpdates)))
	mux.Handle("GET /api/v1/templates/versions/{version}/preview", chain(http.HandlerFunc(h.PreviewTemplateUpdate)))
	mux.Handle("POST /api/v1/templates/proposals", chain(http.HandlerFunc(h.ProposeTemplateUpdate)))
	mux.Handle("POST /api/v1/templates/proposals/{id}/approve", chain(http.HandlerFunc(h.ApproveTemplateSync)))

	// Tenants
	mux.Handle("GET /api/v1/tenants", chain(http.HandlerFunc(h.ListTenants)))
	mux.Handle("GET /api/v1/tenants/{id}", chain(http.HandlerFunc(h.GetTenant)))
	mux.Handle("PUT /api/v1/tenants/{id}", chain(http.HandlerFunc(h.PutTenant)))
	mux.Handle("POST /api/v1/tenants/{id}/deployments", chain(http.HandlerFunc(h.ScheduleTenantDeployment)))
	mux.Handle("POST /api/v1/tenants/{id}/rollbacks", chain(http.HandlerFunc(h.ScheduleTenantRollback)))
	mux.Handle("POST /api/v1/tenants/{id}/syncs", chain(http.HandlerFunc(h.ScheduleTenantTemplateSync)))
	mux.Handle("GET /api/v1/tenants/{id}/conflicts", chain(http.HandlerFunc(h.AnalyzeConflicts)))
	mux.Handle("GET /api/v1/tenants/{id}/versions", chain(http.HandlerFunc(h.VersionHistory)))
	mux.Handle("GET /api/v1/tenants/{id}/versions/diff", chain(http.HandlerFunc(h.VersionDiff)))
}

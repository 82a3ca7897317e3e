package api

import (
	"net/http"
)

// ListTenants возвращает все тенанты.
// GET /api/v1/tenants
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.List(r.Context())
	if HandleError(w, h.log(r), err) {
		return
	}
	List(w, tenants, len(tenants))
}

// GetTenant возвращает тенанта.
// GET /api/v1/tenants/{id}
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.Get(r.Context(), r.PathValue("id"))
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, t)
}

// PutTenant регистрирует или обновляет тенанта.
// PUT /api/v1/tenants/{id}
func (h *Handler) PutTenant(w http.ResponseWriter, r *http.Request) {
	if _, err := requireActor(r); HandleError(w, h.log(r), err) {
		return
	}
	var req TenantRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}
	if HandleError(w, h.log(r), req.Validate()) {
		return
	}

	id := r.PathValue("id")
	if HandleError(w, h.log(r), h.tenants.Upsert(r.Context(), req.ToDomain(id))) {
		return
	}
	t, err := h.tenants.Get(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, t)
}

// VersionHistory — история версий тенанта.
// GET /api/v1/tenants/{id}/versions
func (h *Handler) VersionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.versions.History(r.Context(), r.PathValue("id"))
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, history)
}

// VersionDiff сравнивает две версии тенанта.
// GET /api/v1/tenants/{id}/versions/diff?from=...&to=...
func (h *Handler) VersionDiff(w http.ResponseWriter, r *http.Request) {
	from, err := queryID(r, "from")
	if HandleError(w, h.log(r), err) {
		return
	}
	to, err := queryID(r, "to")
	if HandleError(w, h.log(r), err) {
		return
	}
	diff, err := h.versions.Diff(r.Context(), r.PathValue("id"), from, to)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, diff)
}

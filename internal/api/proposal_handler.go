package api

import (
	"net/http"

	"github.com/shaiso/Rollout/internal/proposal"
)

// ProposeDeployment создаёт proposal развёртывания.
// POST /api/v1/proposals
func (h *Handler) ProposeDeployment(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req proposal.ProposeRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}
	req.ProposedBy = actor

	p, err := h.proposals.Propose(r.Context(), req)
	if HandleError(w, h.log(r), err) {
		return
	}
	Created(w, p)
}

// ListPendingProposals возвращает proposals, ожидающие ревью.
// GET /api/v1/proposals
func (h *Handler) ListPendingProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := h.proposals.ListPending(r.Context())
	if HandleError(w, h.log(r), err) {
		return
	}
	List(w, proposals, len(proposals))
}

// GetProposal возвращает proposal.
// GET /api/v1/proposals/{id}
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if HandleError(w, h.log(r), err) {
		return
	}
	p, err := h.proposals.Get(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, p)
}

// ApproveProposal одобряет proposal и создаёт задание.
// POST /api/v1/proposals/{id}/approve
func (h *Handler) ApproveProposal(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, h.proposals.Approve)
}

// ApproveTemplateSync одобряет только proposal обновления шаблона.
// POST /api/v1/templates/proposals/{id}/approve
func (h *Handler) ApproveTemplateSync(w http.ResponseWriter, r *http.Request) {
	h.approve(w, r, h.proposals.ApproveTemplateSync)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request, approveFn approveFunc) {
	id, err := pathID(r, "id")
	if HandleError(w, h.log(r), err) {
		return
	}
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req ReviewRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}

	jobID, err := approveFn(r.Context(), id, actor, req.Notes, req.ScheduledAt)
	if HandleError(w, h.log(r), err) {
		return
	}
	Accepted(w, ApproveResponse{ProposalID: id, JobID: jobID})
}

// RejectProposal отклоняет proposal.
// POST /api/v1/proposals/{id}/reject
func (h *Handler) RejectProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if HandleError(w, h.log(r), err) {
		return
	}
	actor, err := requireActor(r)
	if HandleError(w, h.log(r), err) {
		return
	}
	var req RejectRequest
	if HandleError(w, h.log(r), decodeBody(r, &req)) {
		return
	}

	if HandleError(w, h.log(r), h.proposals.Reject(r.Context(), id, actor, req.Reason)) {
		return
	}
	p, err := h.proposals.Get(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	Success(w, p)
}

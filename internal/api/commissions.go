package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agrifin/internal/commission"
	"agrifin/internal/common/api"
	"agrifin/internal/common/middleware"
	"agrifin/internal/domain"
)

// AccrueCommission handles POST /commissions
func (h *Handler) AccrueCommission(w http.ResponseWriter, r *http.Request) {
	var req commission.AccrueRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	c, err := h.commissions.Accrue(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, c)
}

// ListCommissions handles GET /commissions
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	var state domain.CommissionState
	if raw := r.URL.Query().Get("state"); raw != "" {
		s, err := domain.ParseCommissionState(raw)
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		state = s
	}

	commissions, err := h.commissions.List(r.Context(), r.URL.Query().Get("actor_id"), state)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, commissions)
}

// GetCommission handles GET /commissions/{id}
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.commissions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// ValidateCommission handles POST /commissions/{id}/validate
func (h *Handler) ValidateCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.commissions.Validate(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// CancelCommission handles POST /commissions/{id}/cancel
func (h *Handler) CancelCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.commissions.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// GetWallet handles GET /wallets/{actorID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.commissions.Wallet(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, wallet)
}

// RequestWithdrawal handles POST /withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req commission.WithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	wr, err := h.commissions.RequestWithdrawal(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, wr)
}

// ListWithdrawals handles GET /withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		api.BadRequest(w, "actor_id required")
		return
	}

	withdrawals, err := h.commissions.Withdrawals(r.Context(), actorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, withdrawals)
}

// ApproveWithdrawal handles POST /withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.commissions.ApproveWithdrawal(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, wr)
}

// RejectWithdrawal handles POST /withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	wr, err := h.commissions.RejectWithdrawal(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, wr)
}

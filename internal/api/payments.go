package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agrifin/internal/accrual"
	"agrifin/internal/common/api"
	"agrifin/internal/common/middleware"
	"agrifin/internal/domain"
	"agrifin/internal/payment"
)

// PaymentResponse is a payment with the plantation position read back for
// display.
type PaymentResponse struct {
	Payment  *domain.Payment   `json:"payment"`
	Position *accrual.Position `json:"position,omitempty"`
	Coverage *accrual.Coverage `json:"coverage,omitempty"`
}

func (h *Handler) paymentResponse(r *http.Request, p *domain.Payment) PaymentResponse {
	resp := PaymentResponse{Payment: p}
	if p.Kind != domain.PaymentContribution {
		return resp
	}
	cov := h.accrual.Schedule().Classify(p.PaidAmount)
	resp.Coverage = &cov

	inProgress := p.PaidAmount
	if p.State == domain.PaymentValidated || p.State == domain.PaymentRejected {
		inProgress = 0
	}
	pos, err := h.accrual.PlantationPosition(r.Context(), p.PlantationID, inProgress, h.now())
	if err != nil {
		// the payment itself is stored; the position is informative only
		h.logger.Warn("computing position for payment response",
			"payment_id", p.ID,
			"plantation_id", p.PlantationID,
			"error", err,
		)
		return resp
	}
	resp.Position = &pos.Position
	return resp
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.Actor = middleware.GetActorID(r.Context())

	p, err := h.payments.Create(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, h.paymentResponse(r, p))
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListPlantationPayments handles GET /plantations/{id}/payments
func (h *Handler) ListPlantationPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.ListByPlantation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, payments)
}

// AttachProof handles POST /payments/{id}/proof
func (h *Handler) AttachProof(w http.ResponseWriter, r *http.Request) {
	var req payment.ProofRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.Actor = middleware.GetActorID(r.Context())

	p, err := h.payments.AttachProof(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, h.paymentResponse(r, p))
}

// ValidatePayment handles POST /payments/{id}/validate
func (h *Handler) ValidatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Validate(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, h.paymentResponse(r, p))
}

// RejectPayment handles POST /payments/{id}/reject
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.payments.Reject(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ResubmitPayment handles POST /payments/{id}/resubmit
func (h *Handler) ResubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.ResubmitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.Actor = middleware.GetActorID(r.Context())

	p, err := h.payments.Resubmit(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, h.paymentResponse(r, p))
}

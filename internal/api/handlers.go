// Package api exposes the accrual engine over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agrifin/internal/accrual"
	"agrifin/internal/commission"
	"agrifin/internal/common/api"
	"agrifin/internal/common/middleware"
	"agrifin/internal/payment"
	"agrifin/internal/pricing"
	"agrifin/internal/reconciliation"
)

// Handler handles engine HTTP requests
type Handler struct {
	pricing        *pricing.Service
	accrual        *accrual.Service
	payments       *payment.Service
	commissions    *commission.Engine
	reconciliation *reconciliation.Job
	logger         *slog.Logger
	now            func() time.Time
}

// NewHandler creates a new handler
func NewHandler(
	pricingSvc *pricing.Service,
	accrualSvc *accrual.Service,
	payments *payment.Service,
	commissions *commission.Engine,
	job *reconciliation.Job,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		pricing:        pricingSvc,
		accrual:        accrualSvc,
		payments:       payments,
		commissions:    commissions,
		reconciliation: job,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Pricing
	r.Get("/pricing/access-fee", h.ResolveAccessFee)
	r.Post("/promotions", h.CreatePromotion)
	r.Get("/promotions", h.ListPromotions)
	r.Patch("/promotions/{id}/status", h.SetPromotionStatus)

	// Accrual
	r.Get("/plantations/{id}/position", h.GetPosition)
	r.Post("/coverage", h.ClassifyCoverage)

	// Payments
	r.Post("/payments", h.CreatePayment)
	r.Get("/payments/{id}", h.GetPayment)
	r.Get("/plantations/{id}/payments", h.ListPlantationPayments)
	r.Post("/payments/{id}/proof", h.AttachProof)
	r.Post("/payments/{id}/validate", h.ValidatePayment)
	r.Post("/payments/{id}/reject", h.RejectPayment)
	r.Post("/payments/{id}/resubmit", h.ResubmitPayment)

	// Commissions and wallets
	r.Post("/commissions", h.AccrueCommission)
	r.Get("/commissions", h.ListCommissions)
	r.Get("/commissions/{id}", h.GetCommission)
	r.Post("/commissions/{id}/validate", h.ValidateCommission)
	r.Post("/commissions/{id}/cancel", h.CancelCommission)
	r.Get("/wallets/{actorID}", h.GetWallet)
	r.Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals", h.ListWithdrawals)
	r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
	r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)

	// Reconciliation
	r.Post("/reconciliation/run", h.RunReconciliation)
	r.Get("/reconciliation/unmatched", h.ListUnmatched)

	return r
}

// ReasonRequest carries the reason of a rejection
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	api.WriteDomainError(w, h.logger.With("correlation_id", middleware.GetCorrelationID(r.Context())), err)
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

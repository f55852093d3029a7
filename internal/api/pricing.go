package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agrifin/internal/common/api"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
	"agrifin/internal/pricing"
)

// ResolveAccessFee handles GET /pricing/access-fee
func (h *Handler) ResolveAccessFee(w http.ResponseWriter, r *http.Request) {
	hectares := 0.0
	if raw := r.URL.Query().Get("hectares"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			api.ValidationError(w, domain.NewValidationError("hectares", "must be a number"))
			return
		}
		hectares = v
	}

	quote, err := h.pricing.Resolve(r.Context(), hectares, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, quote)
}

// CreatePromotion handles POST /promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req pricing.CreatePromotionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	promo, err := h.pricing.CreatePromotion(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, promo)
}

// ListPromotions handles GET /promotions
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := h.pricing.ListPromotions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, promos)
}

// PromotionStatusRequest switches a promotion on or off
type PromotionStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
}

// SetPromotionStatus handles PATCH /promotions/{id}/status
func (h *Handler) SetPromotionStatus(w http.ResponseWriter, r *http.Request) {
	var req PromotionStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	status, err := domain.ParsePromotionStatus(req.Status)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	promo, err := h.pricing.SetPromotionStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, promo)
}

// GetPosition handles GET /plantations/{id}/position
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	var inProgress int64
	if raw := r.URL.Query().Get("amount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			api.ValidationError(w, domain.NewValidationError("amount", "must be a whole number"))
			return
		}
		inProgress = v
	}

	pos, err := h.accrual.PlantationPosition(r.Context(), chi.URLParam(r, "id"), money.Amount(inProgress), h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, pos)
}

// CoverageRequest asks which period an amount covers
type CoverageRequest struct {
	Amount int64 `json:"amount" validate:"gte=0"`
}

// ClassifyCoverage handles POST /coverage
func (h *Handler) ClassifyCoverage(w http.ResponseWriter, r *http.Request) {
	var req CoverageRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, h.accrual.Schedule().Classify(money.Amount(req.Amount)))
}

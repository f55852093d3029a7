package api

import (
	"errors"
	"net/http"

	"agrifin/internal/common/api"
	"agrifin/internal/domain"
	"agrifin/internal/reconciliation"
)

// RunResults are the counters returned to the reconciliation caller.
type RunResults struct {
	TotalVerified int `json:"total_verifies"`
	Corrected     int `json:"corriges"`
}

// RunResponse is the reply of the reconciliation entry point. It keeps the
// shape expected by the scheduler that invokes it.
type RunResponse struct {
	Success bool                   `json:"success"`
	Results *RunResults            `json:"resultats,omitempty"`
	Report  *reconciliation.Report `json:"report,omitempty"`
	Error   *api.Error             `json:"error,omitempty"`
}

// RunReconciliation handles POST /reconciliation/run. No body is required.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciliation.Run(r.Context())
	if err != nil && report == nil {
		h.fail(w, r, err)
		return
	}

	resp := RunResponse{
		Success: err == nil,
		Results: &RunResults{TotalVerified: report.TotalVerified, Corrected: report.Corrected},
		Report:  report,
	}
	if err != nil {
		status := http.StatusInternalServerError
		code := api.ErrCodeInternalError
		if errors.Is(err, domain.ErrFeedUnavailable) {
			status, code = http.StatusBadGateway, api.ErrCodeFeedUnavailable
		}
		h.logger.Warn("reconciliation run incomplete", "run_id", report.RunID, "status", report.Status, "error", err)
		resp.Error = &api.Error{Code: code, Message: err.Error()}
		api.WriteJSON(w, status, resp)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// ListUnmatched handles GET /reconciliation/unmatched
func (h *Handler) ListUnmatched(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		api.BadRequest(w, "limit must be a non-negative integer")
		return
	}

	txs, err := h.reconciliation.Unmatched(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, txs)
}

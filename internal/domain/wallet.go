package domain

import (
	"strings"
	"time"

	"agrifin/internal/common/money"
)

// Wallet accumulates validated commissions of one actor.
// Balances only move through atomic store increments.
type Wallet struct {
	ActorID        string       `json:"actor_id"`
	Balance        money.Amount `json:"solde_commissions"`
	TotalEarned    money.Amount `json:"total_gagne"`
	TotalWithdrawn money.Amount `json:"total_retire"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// PayoutMethod is how a withdrawal is paid out.
type PayoutMethod string

const (
	PayoutMobileMoney  PayoutMethod = "mobile_money"
	PayoutBankTransfer PayoutMethod = "bank_transfer"
	PayoutCash         PayoutMethod = "cash"
)

// ParsePayoutMethod rejects unknown methods
func ParsePayoutMethod(s string) (PayoutMethod, error) {
	switch v := PayoutMethod(s); v {
	case PayoutMobileMoney, PayoutBankTransfer, PayoutCash:
		return v, nil
	}
	return "", NewValidationError("method", "unknown payout method "+s)
}

// WithdrawalState is the decision state of a withdrawal request.
type WithdrawalState string

const (
	WithdrawalPending  WithdrawalState = "pending"
	WithdrawalApproved WithdrawalState = "approved"
	WithdrawalRejected WithdrawalState = "rejected"
)

// WithdrawalRequest asks for a payout from a wallet.
type WithdrawalRequest struct {
	ID              string          `json:"id"`
	ActorID         string          `json:"actor_id"`
	Amount          money.Amount    `json:"amount"`
	Method          PayoutMethod    `json:"method"`
	PayoutRef       string          `json:"payout_ref,omitempty"`
	State           WithdrawalState `json:"state"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewWithdrawalRequest creates a pending withdrawal
func NewWithdrawalRequest(id, actorID string, amount money.Amount, method PayoutMethod, payoutRef string) (*WithdrawalRequest, error) {
	if actorID == "" {
		return nil, NewValidationError("actor_id", "is required")
	}
	if !amount.IsPositive() {
		return nil, NewValidationError("amount", "must be positive")
	}
	if method == PayoutMobileMoney && strings.TrimSpace(payoutRef) == "" {
		return nil, NewValidationError("payout_ref", "is required for mobile money payouts")
	}

	now := time.Now().UTC()
	return &WithdrawalRequest{
		ID:        id,
		ActorID:   actorID,
		Amount:    amount,
		Method:    method,
		PayoutRef: strings.TrimSpace(payoutRef),
		State:     WithdrawalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Approve moves pending to approved.
func (w *WithdrawalRequest) Approve(actor string, at time.Time) error {
	if w.State != WithdrawalPending {
		return transitionConflict("withdrawal", w.ID, w.State, WithdrawalApproved)
	}
	if actor == "" {
		return NewValidationError("actor", "approving actor is required")
	}
	w.State = WithdrawalApproved
	w.DecidedBy = actor
	w.DecidedAt = &at
	w.UpdatedAt = at
	return nil
}

// Reject moves pending to rejected.
func (w *WithdrawalRequest) Reject(actor, reason string, at time.Time) error {
	if w.State != WithdrawalPending {
		return transitionConflict("withdrawal", w.ID, w.State, WithdrawalRejected)
	}
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("reason", "rejection reason is required")
	}
	w.State = WithdrawalRejected
	w.DecidedBy = actor
	w.RejectionReason = strings.TrimSpace(reason)
	w.DecidedAt = &at
	w.UpdatedAt = at
	return nil
}

// SettledPrefix returns how many of the validated amounts, oldest first, are
// fully covered by withdrawn once the already paid commissions are counted.
// A commission is paid only when cumulative withdrawals reach its end, so a
// payout straddling two commissions settles the second on a later payout.
func SettledPrefix(validated []money.Amount, paid, withdrawn money.Amount) int {
	n := 0
	for _, amount := range validated {
		if paid+amount > withdrawn {
			break
		}
		paid += amount
		n++
	}
	return n
}

package commission

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"agrifin/internal/common/events"
	"agrifin/internal/common/metrics"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// WithdrawalRequest is the request to withdraw from a wallet.
type WithdrawalRequest struct {
	ActorID   string `json:"actor_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Method    string `json:"method" validate:"required,oneof=mobile_money bank_transfer cash"`
	PayoutRef string `json:"payout_ref,omitempty" validate:"omitempty,max=128"`
}

// RequestWithdrawal records a pending withdrawal. The balance is checked here
// for early feedback and enforced again at approval.
func (e *Engine) RequestWithdrawal(ctx context.Context, req *WithdrawalRequest) (*domain.WithdrawalRequest, error) {
	method, err := domain.ParsePayoutMethod(req.Method)
	if err != nil {
		return nil, err
	}

	wallet, err := e.Wallet(ctx, req.ActorID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}
	if wallet.Balance < money.Amount(req.Amount) {
		return nil, domain.ErrInsufficientBalance
	}

	w, err := domain.NewWithdrawalRequest(ulid.Make().String(), req.ActorID, money.Amount(req.Amount), method, req.PayoutRef)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("creating withdrawal: %w", err)
	}

	e.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"actor_id", w.ActorID,
		"amount", w.Amount.Int64(),
		"method", w.Method,
	)
	return w, nil
}

// ApproveWithdrawal approves a pending withdrawal and debits the wallet.
func (e *Engine) ApproveWithdrawal(ctx context.Context, id, approver string) (*domain.WithdrawalRequest, error) {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := w.State
	if err := w.Approve(approver, e.now()); err != nil {
		return nil, err
	}
	paid, err := e.store.ApproveWithdrawal(ctx, w, expected)
	if err != nil {
		return nil, fmt.Errorf("approving withdrawal %s: %w", id, err)
	}

	e.logger.Info("withdrawal approved",
		"withdrawal_id", w.ID,
		"actor_id", w.ActorID,
		"amount", w.Amount.Int64(),
		"commissions_paid", paid,
		"approved_by", approver,
	)
	metrics.WalletDebited(w.Amount.Int64())
	e.publish(ctx, events.EventWithdrawalApproved, approver, "withdrawal", w.ID, events.WithdrawalApprovedData{
		WithdrawalID:    w.ID,
		ActorID:         w.ActorID,
		Amount:          w.Amount.Int64(),
		Method:          string(w.Method),
		CommissionsPaid: paid,
	})
	return w, nil
}

// RejectWithdrawal rejects a pending withdrawal.
func (e *Engine) RejectWithdrawal(ctx context.Context, id, actor, reason string) (*domain.WithdrawalRequest, error) {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := w.State
	if err := w.Reject(actor, reason, e.now()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateWithdrawal(ctx, w, expected); err != nil {
		return nil, fmt.Errorf("rejecting withdrawal %s: %w", id, err)
	}

	e.logger.Info("withdrawal rejected",
		"withdrawal_id", w.ID,
		"actor_id", w.ActorID,
		"reason", w.RejectionReason,
	)
	return w, nil
}

// Withdrawals lists the withdrawals of an actor.
func (e *Engine) Withdrawals(ctx context.Context, actorID string) ([]*domain.WithdrawalRequest, error) {
	return e.store.ListWithdrawals(ctx, actorID)
}

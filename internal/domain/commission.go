package domain

import (
	"regexp"
	"time"

	"agrifin/internal/common/money"
)

// CommissionKind is the business event a commission rewards.
type CommissionKind string

const (
	CommissionSubscription CommissionKind = "subscription"
	CommissionFollowUp     CommissionKind = "follow_up"
	CommissionHarvest      CommissionKind = "harvest"
	CommissionPayment      CommissionKind = "payment"
)

// ParseCommissionKind rejects unknown kinds
func ParseCommissionKind(s string) (CommissionKind, error) {
	switch v := CommissionKind(s); v {
	case CommissionSubscription, CommissionFollowUp, CommissionHarvest, CommissionPayment:
		return v, nil
	}
	return "", NewValidationError("kind", "unknown commission kind "+s)
}

// CommissionState is the lifecycle state of a commission.
type CommissionState string

const (
	CommissionPending   CommissionState = "pending"
	CommissionValidated CommissionState = "validated"
	CommissionPaid      CommissionState = "paid"
	CommissionCancelled CommissionState = "cancelled"
)

// ParseCommissionState rejects unknown states
func ParseCommissionState(s string) (CommissionState, error) {
	switch v := CommissionState(s); v {
	case CommissionPending, CommissionValidated, CommissionPaid, CommissionCancelled:
		return v, nil
	}
	return "", NewValidationError("state", "unknown commission state "+s)
}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Period formats t as a YYYY-MM commission period
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Commission is an amount owed to a field actor.
type Commission struct {
	ID              string          `json:"id"`
	ActorID         string          `json:"actor_id"`
	PlantationID    string          `json:"plantation_id,omitempty"`
	SourcePaymentID string          `json:"source_payment_id,omitempty"`
	Kind            CommissionKind  `json:"kind"`
	Period          string          `json:"period"`
	BaseAmount      money.Amount    `json:"base_amount"`
	Rate            float64         `json:"rate"`
	Amount          money.Amount    `json:"amount"`
	LateDays        int             `json:"late_days"`
	PenaltyApplied  bool            `json:"penalty_applied"`
	State           CommissionState `json:"state"`
	ValidatedBy     string          `json:"validated_by,omitempty"`
	ValidatedAt     *time.Time      `json:"validated_at,omitempty"`
	WithdrawalID    string          `json:"withdrawal_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CommissionTerms is the computed outcome of a commission rule.
type CommissionTerms struct {
	Amount         money.Amount
	PenaltyApplied bool
}

// ComputeCommission applies base*rate/100 and reduces the result by
// penaltyPercent when lateDays exceeds threshold.
func ComputeCommission(base money.Amount, rate float64, lateDays, threshold int, penaltyPercent float64) CommissionTerms {
	amount := base.Percent(rate)
	if lateDays > threshold {
		return CommissionTerms{Amount: amount.ReduceByPercent(penaltyPercent), PenaltyApplied: true}
	}
	return CommissionTerms{Amount: amount}
}

// NewCommission creates a pending commission
func NewCommission(id, actorID string, kind CommissionKind, period string, base money.Amount, rate float64, lateDays int, terms CommissionTerms) (*Commission, error) {
	if actorID == "" {
		return nil, NewValidationError("actor_id", "is required")
	}
	if !base.IsPositive() {
		return nil, NewValidationError("base_amount", "must be positive")
	}
	if rate <= 0 || rate > 100 {
		return nil, NewValidationError("rate", "must be within (0, 100]")
	}
	if !periodPattern.MatchString(period) {
		return nil, NewValidationError("period", "must be formatted YYYY-MM")
	}
	if lateDays < 0 {
		lateDays = 0
	}

	now := time.Now().UTC()
	return &Commission{
		ID:             id,
		ActorID:        actorID,
		Kind:           kind,
		Period:         period,
		BaseAmount:     base,
		Rate:           rate,
		Amount:         terms.Amount,
		LateDays:       lateDays,
		PenaltyApplied: terms.PenaltyApplied,
		State:          CommissionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Validate moves pending to validated.
func (c *Commission) Validate(validator string, at time.Time) error {
	if c.State != CommissionPending {
		return transitionConflict("commission", c.ID, c.State, CommissionValidated)
	}
	if validator == "" {
		return NewValidationError("actor", "validating actor is required")
	}
	c.State = CommissionValidated
	c.ValidatedBy = validator
	c.ValidatedAt = &at
	c.UpdatedAt = at
	return nil
}

// Cancel moves pending to cancelled.
func (c *Commission) Cancel(at time.Time) error {
	if c.State != CommissionPending {
		return transitionConflict("commission", c.ID, c.State, CommissionCancelled)
	}
	c.State = CommissionCancelled
	c.UpdatedAt = at
	return nil
}

// MarkPaid moves validated to paid against a withdrawal.
func (c *Commission) MarkPaid(withdrawalID string, at time.Time) error {
	if c.State != CommissionValidated {
		return transitionConflict("commission", c.ID, c.State, CommissionPaid)
	}
	c.State = CommissionPaid
	c.WithdrawalID = withdrawalID
	c.UpdatedAt = at
	return nil
}

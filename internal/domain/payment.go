package domain

import (
	"fmt"
	"strings"
	"time"

	"agrifin/internal/common/money"
)

// PaymentKind distinguishes the one-time access fee from recurring contributions.
type PaymentKind string

const (
	PaymentAccessFee    PaymentKind = "ACCESS_FEE"
	PaymentContribution PaymentKind = "CONTRIBUTION"
)

// ParsePaymentKind rejects unknown kinds
func ParsePaymentKind(s string) (PaymentKind, error) {
	switch v := PaymentKind(strings.ToUpper(s)); v {
	case PaymentAccessFee, PaymentContribution:
		return v, nil
	}
	return "", NewValidationError("kind", "unknown payment kind "+s)
}

// PaymentState is the verification state of a payment record.
type PaymentState string

const (
	PaymentPending       PaymentState = "pending"
	PaymentProofProvided PaymentState = "proof_provided"
	PaymentUnderReview   PaymentState = "under_review"
	PaymentValidated     PaymentState = "validated"
	PaymentRejected      PaymentState = "rejected"
)

// ParsePaymentState rejects unknown states
func ParsePaymentState(s string) (PaymentState, error) {
	switch v := PaymentState(s); v {
	case PaymentPending, PaymentProofProvided, PaymentUnderReview, PaymentValidated, PaymentRejected:
		return v, nil
	}
	return "", NewValidationError("state", "unknown payment state "+s)
}

// ProofType is the kind of evidence attached to a payment.
type ProofType string

const (
	ProofReceipt       ProofType = "receipt"
	ProofTransactionID ProofType = "transaction_id"
	ProofGateway       ProofType = "gateway"
)

// ParseProofType rejects unknown proof types
func ParseProofType(s string) (ProofType, error) {
	switch v := ProofType(s); v {
	case ProofReceipt, ProofTransactionID, ProofGateway:
		return v, nil
	}
	return "", NewValidationError("proof_type", "unknown proof type "+s)
}

// Operator is a mobile-money operator.
type Operator string

const (
	OperatorOrange Operator = "orange_money"
	OperatorMTN    Operator = "mtn_money"
	OperatorMoov   Operator = "moov_money"
	OperatorWave   Operator = "wave"
)

// ParseOperator rejects unknown operators. Empty input yields an empty operator.
func ParseOperator(s string) (Operator, error) {
	switch v := Operator(s); v {
	case "", OperatorOrange, OperatorMTN, OperatorMoov, OperatorWave:
		return v, nil
	}
	return "", NewValidationError("operator", "unknown operator "+s)
}

// Payment is one access-fee or contribution payment of a plantation.
type Payment struct {
	ID                string       `json:"id"`
	PlantationID      string       `json:"plantation_id"`
	Kind              PaymentKind  `json:"kind"`
	Year              int          `json:"year"`
	TheoreticalAmount money.Amount `json:"theoretical_amount"`
	PaidAmount        money.Amount `json:"paid_amount"`

	// Access-fee price snapshot taken at creation
	UnitPrice     money.Amount `json:"unit_price,omitempty"`
	PromotionName string       `json:"promotion_name,omitempty"`

	ProofType       ProofType    `json:"proof_type,omitempty"`
	ProofRef        string       `json:"proof_ref,omitempty"`
	Operator        Operator     `json:"operator,omitempty"`
	GatewayTxID     string       `json:"gateway_tx_id,omitempty"`
	ResubmissionOf  string       `json:"resubmission_of,omitempty"`
	State           PaymentState `json:"state"`
	CreatedBy       string       `json:"created_by,omitempty"`
	ValidatedBy     string       `json:"validated_by,omitempty"`
	RejectedBy      string       `json:"rejected_by,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	ProofSubmittedAt *time.Time `json:"proof_submitted_at,omitempty"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewPayment creates a pending payment
func NewPayment(id, plantationID string, kind PaymentKind, paid money.Amount, year int, createdBy string) (*Payment, error) {
	if plantationID == "" {
		return nil, NewValidationError("plantation_id", "is required")
	}
	if !paid.IsPositive() {
		return nil, NewValidationError("amount", "must be positive")
	}

	now := time.Now().UTC()
	if year == 0 {
		year = now.Year()
	}

	return &Payment{
		ID:           id,
		PlantationID: plantationID,
		Kind:         kind,
		Year:         year,
		PaidAmount:   paid,
		State:        PaymentPending,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CheckAmount enforces the amount invariant of the payment kind.
// Contributions must be positive multiples of the daily rate; access fees must
// equal the unit price snapshotted at creation.
func (p *Payment) CheckAmount(dailyRate money.Amount) error {
	switch p.Kind {
	case PaymentContribution:
		if !p.PaidAmount.IsPositive() || !p.PaidAmount.IsMultipleOf(dailyRate) {
			return NewValidationError("amount", fmt.Sprintf("must be a multiple of %d", dailyRate))
		}
	case PaymentAccessFee:
		if p.PaidAmount != p.UnitPrice {
			return NewValidationError("amount", fmt.Sprintf("access fee must be exactly %s", p.UnitPrice))
		}
	default:
		return NewValidationError("kind", "unknown payment kind "+string(p.Kind))
	}
	return nil
}

// AttachProof moves a pending payment to proof_provided.
func (p *Payment) AttachProof(proofType ProofType, ref string, operator Operator, at time.Time) error {
	if p.State != PaymentPending {
		return transitionConflict("payment", p.ID, p.State, PaymentProofProvided)
	}
	if strings.TrimSpace(ref) == "" {
		return NewValidationError("proof_ref", "is required")
	}
	if proofType == ProofTransactionID && operator == "" {
		return NewValidationError("operator", "is required for transaction id proofs")
	}
	p.ProofType = proofType
	p.ProofRef = strings.TrimSpace(ref)
	p.Operator = operator
	p.State = PaymentProofProvided
	p.ProofSubmittedAt = &at
	p.UpdatedAt = at
	return nil
}

// SubmitForReview moves proof_provided to under_review.
func (p *Payment) SubmitForReview(at time.Time) error {
	if p.State != PaymentProofProvided {
		return transitionConflict("payment", p.ID, p.State, PaymentUnderReview)
	}
	p.State = PaymentUnderReview
	p.UpdatedAt = at
	return nil
}

// Validate moves under_review to validated. A transaction id proof becomes
// the gateway transaction of the payment.
func (p *Payment) Validate(actor string, dailyRate money.Amount, at time.Time) error {
	if p.State != PaymentUnderReview {
		return transitionConflict("payment", p.ID, p.State, PaymentValidated)
	}
	if actor == "" {
		return NewValidationError("actor", "validating actor is required")
	}
	if err := p.CheckAmount(dailyRate); err != nil {
		return err
	}
	if p.ProofType == ProofTransactionID && p.GatewayTxID == "" {
		p.GatewayTxID = p.ProofRef
	}
	p.State = PaymentValidated
	p.ValidatedBy = actor
	p.ValidatedAt = &at
	p.UpdatedAt = at
	return nil
}

// Reject moves under_review to rejected. Rejected is terminal.
func (p *Payment) Reject(actor, reason string, at time.Time) error {
	if p.State != PaymentUnderReview {
		return transitionConflict("payment", p.ID, p.State, PaymentRejected)
	}
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("reason", "rejection reason is required")
	}
	p.State = PaymentRejected
	p.RejectedBy = actor
	p.RejectionReason = strings.TrimSpace(reason)
	p.RejectedAt = &at
	p.UpdatedAt = at
	return nil
}

// IsTerminal reports whether the payment can no longer change state
func (p *Payment) IsTerminal() bool {
	return p.State == PaymentValidated || p.State == PaymentRejected
}

// CountsTowardArrears reports whether the payment is part of the validated total
func (p *Payment) CountsTowardArrears() bool {
	return p.Kind == PaymentContribution && p.State == PaymentValidated
}

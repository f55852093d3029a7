package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, actorID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		ActorID:       actorID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Event types
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentValidated = "payment.validated"
	EventPaymentRejected  = "payment.rejected"

	EventCommissionAccrued   = "commission.accrued"
	EventCommissionValidated = "commission.validated"
	EventWithdrawalApproved  = "withdrawal.approved"

	EventReconciliationCompleted = "reconciliation.completed"
)

// Event data structures

// PaymentCreatedData is the data for payment.created events
type PaymentCreatedData struct {
	PaymentID    string `json:"payment_id"`
	PlantationID string `json:"plantation_id"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	State        string `json:"state"`
}

// PaymentValidatedData is the data for payment.validated events
type PaymentValidatedData struct {
	PaymentID        string     `json:"payment_id"`
	PlantationID     string     `json:"plantation_id"`
	Kind             string     `json:"kind"`
	Amount           int64      `json:"amount"`
	ValidatedBy      string     `json:"validated_by"`
	ValidatedAt      time.Time  `json:"validated_at"`
	ProofSubmittedAt *time.Time `json:"proof_submitted_at,omitempty"`
	GatewayTxID      string     `json:"gateway_tx_id,omitempty"`
}

// PaymentRejectedData is the data for payment.rejected events
type PaymentRejectedData struct {
	PaymentID    string `json:"payment_id"`
	PlantationID string `json:"plantation_id"`
	RejectedBy   string `json:"rejected_by"`
	Reason       string `json:"reason"`
}

// CommissionAccruedData is the data for commission.accrued events
type CommissionAccruedData struct {
	CommissionID    string `json:"commission_id"`
	ActorID         string `json:"actor_id"`
	Kind            string `json:"kind"`
	Amount          int64  `json:"amount"`
	PenaltyApplied  bool   `json:"penalty_applied"`
	SourcePaymentID string `json:"source_payment_id,omitempty"`
}

// CommissionValidatedData is the data for commission.validated events
type CommissionValidatedData struct {
	CommissionID string `json:"commission_id"`
	ActorID      string `json:"actor_id"`
	Amount       int64  `json:"amount"`
	ValidatedBy  string `json:"validated_by"`
}

// WithdrawalApprovedData is the data for withdrawal.approved events
type WithdrawalApprovedData struct {
	WithdrawalID    string `json:"withdrawal_id"`
	ActorID         string `json:"actor_id"`
	Amount          int64  `json:"amount"`
	Method          string `json:"method"`
	CommissionsPaid int    `json:"commissions_paid"`
}

// ReconciliationCompletedData is the data for reconciliation.completed events
type ReconciliationCompletedData struct {
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	TotalVerified int    `json:"total_verified"`
	Corrected     int    `json:"corrected"`
	Unmatched     int    `json:"unmatched"`
}

package domain

import (
	"time"

	"agrifin/internal/common/money"
)

// TransactionStatus is the reconciliation outcome of a gateway transaction.
type TransactionStatus string

const (
	TransactionMatched   TransactionStatus = "matched"
	TransactionUnmatched TransactionStatus = "unmatched"
)

// ExternalTransaction is a record pulled from the mobile-money gateway.
// GatewayTxID is the idempotency key of every reconciliation write.
type ExternalTransaction struct {
	GatewayTxID  string            `json:"gateway_tx_id"`
	Phone        string            `json:"phone"`
	Amount       money.Amount      `json:"amount"`
	Operator     Operator          `json:"operator,omitempty"`
	Kind         PaymentKind       `json:"kind,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
	SubscriberID string            `json:"subscriber_id,omitempty"`
	PaymentID    string            `json:"payment_id,omitempty"`
	Status       TransactionStatus `json:"status"`
	Note         string            `json:"note,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// RunStatus is the outcome of one reconciliation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is the bookkeeping row of one reconciliation pass.
type ReconciliationRun struct {
	ID         string     `json:"id"`
	Since      time.Time  `json:"since"`
	Until      time.Time  `json:"until"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Verified   int        `json:"total_verified"`
	Corrected  int        `json:"corrected"`
	Unmatched  int        `json:"unmatched"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// Finish closes the run with the given status
func (r *ReconciliationRun) Finish(status RunStatus, err error, at time.Time) {
	r.Status = status
	r.FinishedAt = &at
	if err != nil {
		r.Error = err.Error()
	}
}

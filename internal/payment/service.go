// Package payment drives the payment verification lifecycle: creation, proof
// attachment, back-office review and settlement from the mobile-money gateway.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"agrifin/internal/accrual"
	"agrifin/internal/common/events"
	"agrifin/internal/common/metrics"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
	"agrifin/internal/pricing"
)

// SystemActor validates payments settled by the gateway.
const SystemActor = "system:reconciliation"

// Store persists payments. Conditional writes return
// domain.ErrConcurrencyConflict when the stored state is no longer expected.
type Store interface {
	GetPlantation(ctx context.Context, id string) (*domain.Plantation, error)

	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByGatewayTx(ctx context.Context, gatewayTxID string) (*domain.Payment, error)
	ListPaymentsByPlantation(ctx context.Context, plantationID string) ([]*domain.Payment, error)
	HasValidatedAccessFee(ctx context.Context, plantationID string) (bool, error)

	// UpdatePayment persists p if the stored state still equals expected.
	UpdatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentState) error
	// ValidatePayment persists the validated p if the stored state still
	// equals expected and, for contributions, adds the paid amount to the
	// plantation running total in the same transaction.
	ValidatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentState) error
	// CreateValidatedPayment inserts an already validated payment and updates
	// the plantation running total in the same transaction.
	CreateValidatedPayment(ctx context.Context, p *domain.Payment) error
}

// PriceResolver resolves the access-fee unit price.
type PriceResolver interface {
	Resolve(ctx context.Context, hectares float64, now time.Time) (*pricing.Quote, error)
}

// Service runs payment lifecycle operations.
type Service struct {
	store     Store
	prices    PriceResolver
	schedule  accrual.Schedule
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new payment service.
func NewService(store Store, prices PriceResolver, schedule accrual.Schedule, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		prices:    prices,
		schedule:  schedule,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest is the request to record a payment.
type CreateRequest struct {
	PlantationID string `json:"plantation_id" validate:"required"`
	Kind         string `json:"kind" validate:"required"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	Year         int    `json:"year" validate:"omitempty,gte=2000,lte=2100"`
	ProofType    string `json:"proof_type,omitempty" validate:"omitempty,oneof=receipt transaction_id"`
	ProofRef     string `json:"proof_ref,omitempty" validate:"omitempty,max=1024"`
	Operator     string `json:"operator,omitempty"`
	Actor        string `json:"-"`
}

// Create records a payment. When a proof is supplied it is attached in the
// same call and the payment lands in under_review.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*domain.Payment, error) {
	return s.create(ctx, req, "")
}

func (s *Service) create(ctx context.Context, req *CreateRequest, resubmissionOf string) (*domain.Payment, error) {
	kind, err := domain.ParsePaymentKind(req.Kind)
	if err != nil {
		return nil, err
	}

	plantation, err := s.store.GetPlantation(ctx, req.PlantationID)
	if err != nil {
		return nil, fmt.Errorf("loading plantation %s: %w", req.PlantationID, err)
	}
	if !plantation.AcceptsPayments() {
		return nil, domain.NewValidationError("plantation_id", "plantation is "+string(plantation.Status))
	}

	now := s.now()
	p, err := domain.NewPayment(ulid.Make().String(), plantation.ID, kind, money.Amount(req.Amount), req.Year, req.Actor)
	if err != nil {
		return nil, err
	}
	p.ResubmissionOf = resubmissionOf

	if err := s.priceAndCheck(ctx, p, plantation, now); err != nil {
		return nil, err
	}

	if req.ProofRef != "" || req.ProofType != "" {
		if err := s.attach(p, req.ProofType, req.ProofRef, req.Operator, now); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"plantation_id", p.PlantationID,
		"kind", p.Kind,
		"amount", p.PaidAmount.Int64(),
		"state", p.State,
		"actor_id", req.Actor,
	)
	metrics.PaymentTransition(string(p.Kind), string(p.State))
	s.publish(ctx, events.EventPaymentCreated, req.Actor, p, events.PaymentCreatedData{
		PaymentID:    p.ID,
		PlantationID: p.PlantationID,
		Kind:         string(p.Kind),
		Amount:       p.PaidAmount.Int64(),
		State:        string(p.State),
	})
	return p, nil
}

// priceAndCheck fills the theoretical amount and price snapshot and enforces
// the amount invariant of the payment kind.
func (s *Service) priceAndCheck(ctx context.Context, p *domain.Payment, plantation *domain.Plantation, at time.Time) error {
	switch p.Kind {
	case domain.PaymentContribution:
		p.TheoreticalAmount = s.schedule.Rate().Multiply(accrual.ElapsedDays(plantation.SignatureDate, at))
	case domain.PaymentAccessFee:
		paid, err := s.store.HasValidatedAccessFee(ctx, plantation.ID)
		if err != nil {
			return fmt.Errorf("checking access fee: %w", err)
		}
		if paid {
			return domain.ErrAccessFeeAlreadyValidated
		}
		quote, err := s.prices.Resolve(ctx, plantation.Hectares, at)
		if err != nil {
			return err
		}
		p.UnitPrice = quote.UnitPrice
		p.PromotionName = quote.PromotionName
		p.TheoreticalAmount = quote.UnitPrice
	}
	return p.CheckAmount(s.schedule.Rate())
}

func (s *Service) attach(p *domain.Payment, proofType, ref, operator string, at time.Time) error {
	pt := domain.ProofReceipt
	if proofType != "" {
		parsed, err := domain.ParseProofType(proofType)
		if err != nil {
			return err
		}
		pt = parsed
	}
	op, err := domain.ParseOperator(operator)
	if err != nil {
		return err
	}
	if err := p.AttachProof(pt, ref, op, at); err != nil {
		return err
	}
	return p.SubmitForReview(at)
}

// ProofRequest attaches a proof to a pending payment.
type ProofRequest struct {
	ProofType string `json:"proof_type" validate:"required,oneof=receipt transaction_id"`
	ProofRef  string `json:"proof_ref" validate:"required,max=1024"`
	Operator  string `json:"operator,omitempty"`
	Actor     string `json:"-"`
}

// AttachProof attaches a proof and submits the payment for review.
func (s *Service) AttachProof(ctx context.Context, id string, req *ProofRequest) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := p.State
	if err := s.attach(p, req.ProofType, req.ProofRef, req.Operator, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayment(ctx, p, expected); err != nil {
		return nil, fmt.Errorf("attaching proof to payment %s: %w", id, err)
	}

	s.logger.Info("payment proof attached",
		"payment_id", p.ID,
		"proof_type", p.ProofType,
		"actor_id", req.Actor,
	)
	metrics.PaymentTransition(string(p.Kind), string(p.State))
	return p, nil
}

// Validate approves a payment under review. Two concurrent validations of the
// same payment cannot both succeed.
func (s *Service) Validate(ctx context.Context, id, actor string) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := p.State
	if err := p.Validate(actor, s.schedule.Rate(), s.now()); err != nil {
		return nil, err
	}
	if err := s.store.ValidatePayment(ctx, p, expected); err != nil {
		return nil, s.validationFailure(id, err)
	}

	s.afterValidation(ctx, p)
	return p, nil
}

func (s *Service) validationFailure(id string, err error) error {
	return fmt.Errorf("validating payment %s: %w", id, err)
}

func (s *Service) afterValidation(ctx context.Context, p *domain.Payment) {
	s.logger.Info("payment validated",
		"payment_id", p.ID,
		"plantation_id", p.PlantationID,
		"kind", p.Kind,
		"amount", p.PaidAmount.Int64(),
		"actor_id", p.ValidatedBy,
		"gateway_tx_id", p.GatewayTxID,
	)
	metrics.PaymentTransition(string(p.Kind), string(p.State))
	metrics.PaymentValidated(string(p.Kind), p.PaidAmount.Int64())

	s.publish(ctx, events.EventPaymentValidated, p.ValidatedBy, p, events.PaymentValidatedData{
		PaymentID:        p.ID,
		PlantationID:     p.PlantationID,
		Kind:             string(p.Kind),
		Amount:           p.PaidAmount.Int64(),
		ValidatedBy:      p.ValidatedBy,
		ValidatedAt:      *p.ValidatedAt,
		ProofSubmittedAt: p.ProofSubmittedAt,
		GatewayTxID:      p.GatewayTxID,
	})
}

// Reject refuses a payment under review. The record stays rejected.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := p.State
	if err := p.Reject(actor, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayment(ctx, p, expected); err != nil {
		return nil, fmt.Errorf("rejecting payment %s: %w", id, err)
	}

	s.logger.Info("payment rejected",
		"payment_id", p.ID,
		"plantation_id", p.PlantationID,
		"actor_id", actor,
		"reason", p.RejectionReason,
	)
	metrics.PaymentTransition(string(p.Kind), string(p.State))
	s.publish(ctx, events.EventPaymentRejected, actor, p, events.PaymentRejectedData{
		PaymentID:    p.ID,
		PlantationID: p.PlantationID,
		RejectedBy:   actor,
		Reason:       p.RejectionReason,
	})
	return p, nil
}

// ResubmitRequest creates a new payment from a rejected one.
type ResubmitRequest struct {
	Amount    int64  `json:"amount,omitempty" validate:"omitempty,gt=0"`
	ProofType string `json:"proof_type" validate:"required,oneof=receipt transaction_id"`
	ProofRef  string `json:"proof_ref" validate:"required,max=1024"`
	Operator  string `json:"operator,omitempty"`
	Actor     string `json:"-"`
}

// Resubmit creates a new payment linked to a rejected one. The rejected record
// is kept unchanged.
func (s *Service) Resubmit(ctx context.Context, id string, req *ResubmitRequest) (*domain.Payment, error) {
	orig, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.State != domain.PaymentRejected {
		return nil, domain.NewValidationError("id", "only rejected payments can be resubmitted")
	}

	amount := orig.PaidAmount.Int64()
	if req.Amount > 0 {
		amount = req.Amount
	}
	return s.create(ctx, &CreateRequest{
		PlantationID: orig.PlantationID,
		Kind:         string(orig.Kind),
		Amount:       amount,
		Year:         orig.Year,
		ProofType:    req.ProofType,
		ProofRef:     req.ProofRef,
		Operator:     req.Operator,
		Actor:        req.Actor,
	}, orig.ID)
}

// SettleRequest credits a gateway transaction.
type SettleRequest struct {
	// PaymentID is the open payment to settle; empty creates a new payment.
	PaymentID    string
	PlantationID string
	Kind         domain.PaymentKind
	Amount       money.Amount
	GatewayTxID  string
	Operator     domain.Operator
	OccurredAt   time.Time
}

// SettleFromGateway validates an open payment with a gateway transaction, or
// records a new validated payment carrying it. A gateway transaction id is
// credited at most once; reuse returns domain.ErrAlreadyExists.
func (s *Service) SettleFromGateway(ctx context.Context, req *SettleRequest) (*domain.Payment, error) {
	if req.GatewayTxID == "" {
		return nil, domain.NewValidationError("gateway_tx_id", "is required")
	}
	now := s.now()

	if req.PaymentID != "" {
		p, err := s.store.GetPayment(ctx, req.PaymentID)
		if err != nil {
			return nil, err
		}
		expected := p.State
		if err := s.settle(p, req, now); err != nil {
			return nil, err
		}
		if err := s.store.ValidatePayment(ctx, p, expected); err != nil {
			return nil, s.validationFailure(p.ID, err)
		}
		s.afterValidation(ctx, p)
		return p, nil
	}

	plantation, err := s.store.GetPlantation(ctx, req.PlantationID)
	if err != nil {
		return nil, fmt.Errorf("loading plantation %s: %w", req.PlantationID, err)
	}
	if !plantation.AcceptsPayments() {
		return nil, domain.NewValidationError("plantation_id", "plantation is "+string(plantation.Status))
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	p, err := domain.NewPayment(ulid.Make().String(), plantation.ID, req.Kind, req.Amount, occurred.Year(), SystemActor)
	if err != nil {
		return nil, err
	}
	if err := s.priceAndCheck(ctx, p, plantation, occurred); err != nil {
		return nil, err
	}
	if err := s.settle(p, req, now); err != nil {
		return nil, err
	}
	if err := s.store.CreateValidatedPayment(ctx, p); err != nil {
		return nil, s.validationFailure(p.ID, err)
	}
	s.afterValidation(ctx, p)
	return p, nil
}

// settle walks p to validated with the gateway transaction as proof. The
// received amount replaces the declared one.
func (s *Service) settle(p *domain.Payment, req *SettleRequest, at time.Time) error {
	p.PaidAmount = req.Amount
	p.GatewayTxID = req.GatewayTxID

	if p.State == domain.PaymentPending {
		if err := p.AttachProof(domain.ProofGateway, req.GatewayTxID, req.Operator, at); err != nil {
			return err
		}
	}
	if p.State == domain.PaymentProofProvided {
		if err := p.SubmitForReview(at); err != nil {
			return err
		}
	}
	return p.Validate(SystemActor, s.schedule.Rate(), at)
}

// Get returns a payment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// ListByPlantation returns the payments of a plantation, newest first.
func (s *Service) ListByPlantation(ctx context.Context, plantationID string) ([]*domain.Payment, error) {
	if _, err := s.store.GetPlantation(ctx, plantationID); err != nil {
		return nil, err
	}
	return s.store.ListPaymentsByPlantation(ctx, plantationID)
}

func (s *Service) publish(ctx context.Context, eventType, actor string, p *domain.Payment, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, actor, "payment", p.ID, data)
	if err != nil {
		s.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing event",
			"type", eventType,
			"payment_id", p.ID,
			"error", err,
		)
	}
}

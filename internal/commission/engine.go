// Package commission accrues sales commissions on validated payments, credits
// validated commissions to wallets and pays them out through withdrawals.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"agrifin/internal/common/events"
	"agrifin/internal/common/metrics"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Store persists commissions, wallets and withdrawals. Wallet balances are
// only changed by ValidateCommission and ApproveWithdrawal, both atomic.
type Store interface {
	GetPlantation(ctx context.Context, id string) (*domain.Plantation, error)
	GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error)
	// ListUncommissionedPayments returns payments validated since the given
	// time that no commission references yet, oldest first.
	ListUncommissionedPayments(ctx context.Context, since time.Time, limit int) ([]*domain.Payment, error)

	// CreateCommission returns domain.ErrAlreadyExists when a commission of the
	// same actor and kind already exists for the source payment.
	CreateCommission(ctx context.Context, c *domain.Commission) error
	GetCommission(ctx context.Context, id string) (*domain.Commission, error)
	ListCommissions(ctx context.Context, actorID string, state domain.CommissionState) ([]*domain.Commission, error)
	// UpdateCommission persists c if the stored state still equals expected.
	UpdateCommission(ctx context.Context, c *domain.Commission, expected domain.CommissionState) error
	// ValidateCommission persists the validated c if the stored state still
	// equals expected and credits the wallet in the same transaction.
	ValidateCommission(ctx context.Context, c *domain.Commission, expected domain.CommissionState) error

	GetWallet(ctx context.Context, actorID string) (*domain.Wallet, error)

	CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, actorID string) ([]*domain.WithdrawalRequest, error)
	// UpdateWithdrawal persists w if the stored state still equals expected.
	UpdateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) error
	// ApproveWithdrawal persists the approved w if the stored state still
	// equals expected, debits the wallet only when the balance covers the
	// amount (domain.ErrInsufficientBalance otherwise) and marks validated
	// commissions paid, oldest first, while the actor's total withdrawn covers
	// them together with the commissions already paid. It returns the number
	// of commissions marked paid.
	ApproveWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) (int, error)
}

// Engine runs commission operations.
type Engine struct {
	store     Store
	policy    Policy
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

var _ events.EventHandler = (*Engine)(nil)

// NewEngine creates a new commission engine.
func NewEngine(store Store, policy Policy, publisher events.EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		policy:    policy,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EventTypes implements events.EventHandler.
func (e *Engine) EventTypes() []string {
	return []string{events.EventPaymentValidated}
}

// Handle implements events.EventHandler.
func (e *Engine) Handle(ctx context.Context, event *events.Event) error {
	switch event.Type {
	case events.EventPaymentValidated:
		var data events.PaymentValidatedData
		if err := event.DecodeData(&data); err != nil {
			return fmt.Errorf("decoding %s: %w", event.Type, err)
		}
		_, err := e.HandlePaymentValidated(ctx, &data)
		return err
	}
	return nil
}

// HandlePaymentValidated accrues the commission of the salesperson who
// onboarded the plantation's subscriber. Replays of the same payment are
// no-ops; a subscriber without salesperson accrues nothing.
func (e *Engine) HandlePaymentValidated(ctx context.Context, data *events.PaymentValidatedData) (*domain.Commission, error) {
	plantation, err := e.store.GetPlantation(ctx, data.PlantationID)
	if err != nil {
		return nil, fmt.Errorf("loading plantation %s: %w", data.PlantationID, err)
	}
	subscriber, err := e.store.GetSubscriber(ctx, plantation.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("loading subscriber %s: %w", plantation.SubscriberID, err)
	}
	if subscriber.SalespersonID == "" {
		e.logger.Debug("no salesperson for subscriber, skipping commission",
			"payment_id", data.PaymentID,
			"subscriber_id", subscriber.ID,
		)
		return nil, nil
	}

	paymentKind, err := domain.ParsePaymentKind(data.Kind)
	if err != nil {
		return nil, err
	}

	c, err := e.accrue(ctx, accrual{
		actorID:         subscriber.SalespersonID,
		plantationID:    plantation.ID,
		sourcePaymentID: data.PaymentID,
		kind:            KindFor(paymentKind),
		period:          domain.Period(data.ValidatedAt),
		base:            money.Amount(data.Amount),
		lateDays:        e.policy.LateDays(data.ProofSubmittedAt, data.ValidatedAt),
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		e.logger.Debug("commission already accrued for payment", "payment_id", data.PaymentID)
		return nil, nil
	}
	return c, err
}

// AccrueMissing replays commission accrual for payments validated since the
// given time that still lack a commission, at most limit of them. It returns
// how many commissions were accrued.
func (e *Engine) AccrueMissing(ctx context.Context, since time.Time, limit int) (int, error) {
	payments, err := e.store.ListUncommissionedPayments(ctx, since, limit)
	if err != nil {
		return 0, fmt.Errorf("listing uncommissioned payments: %w", err)
	}

	accrued := 0
	var errs []error
	for _, p := range payments {
		c, err := e.HandlePaymentValidated(ctx, &events.PaymentValidatedData{
			PaymentID:        p.ID,
			PlantationID:     p.PlantationID,
			Kind:             string(p.Kind),
			Amount:           p.PaidAmount.Int64(),
			ValidatedBy:      p.ValidatedBy,
			ValidatedAt:      *p.ValidatedAt,
			ProofSubmittedAt: p.ProofSubmittedAt,
			GatewayTxID:      p.GatewayTxID,
		})
		if err != nil {
			e.logger.Error("accruing missing commission", "payment_id", p.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if c != nil {
			accrued++
		}
	}
	return accrued, errors.Join(errs...)
}

// AccrueRequest is the request to accrue a commission manually.
type AccrueRequest struct {
	ActorID      string `json:"actor_id" validate:"required"`
	PlantationID string `json:"plantation_id,omitempty"`
	Kind         string `json:"kind" validate:"required,oneof=subscription follow_up harvest payment"`
	Period       string `json:"period,omitempty"`
	BaseAmount   int64  `json:"base_amount" validate:"required,gt=0"`
	LateDays     int    `json:"late_days" validate:"gte=0"`
}

// Accrue records a commission for a harvest or follow-up event.
func (e *Engine) Accrue(ctx context.Context, req *AccrueRequest) (*domain.Commission, error) {
	kind, err := domain.ParseCommissionKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if req.PlantationID != "" {
		if _, err := e.store.GetPlantation(ctx, req.PlantationID); err != nil {
			return nil, fmt.Errorf("loading plantation %s: %w", req.PlantationID, err)
		}
	}
	period := req.Period
	if period == "" {
		period = domain.Period(e.now())
	}
	return e.accrue(ctx, accrual{
		actorID:      req.ActorID,
		plantationID: req.PlantationID,
		kind:         kind,
		period:       period,
		base:         money.Amount(req.BaseAmount),
		lateDays:     req.LateDays,
	})
}

type accrual struct {
	actorID         string
	plantationID    string
	sourcePaymentID string
	kind            domain.CommissionKind
	period          string
	base            money.Amount
	lateDays        int
}

func (e *Engine) accrue(ctx context.Context, a accrual) (*domain.Commission, error) {
	rate, terms := e.policy.Compute(a.kind, a.base, a.lateDays)
	c, err := domain.NewCommission(ulid.Make().String(), a.actorID, a.kind, a.period, a.base, rate, a.lateDays, terms)
	if err != nil {
		return nil, err
	}
	c.PlantationID = a.plantationID
	c.SourcePaymentID = a.sourcePaymentID

	if err := e.store.CreateCommission(ctx, c); err != nil {
		return nil, fmt.Errorf("creating commission: %w", err)
	}

	e.logger.Info("commission accrued",
		"commission_id", c.ID,
		"actor_id", c.ActorID,
		"kind", c.Kind,
		"amount", c.Amount.Int64(),
		"late_days", c.LateDays,
		"penalty_applied", c.PenaltyApplied,
		"payment_id", c.SourcePaymentID,
	)
	metrics.CommissionTransition(string(c.Kind), string(c.State), c.PenaltyApplied)
	e.publish(ctx, events.EventCommissionAccrued, c.ActorID, "commission", c.ID, events.CommissionAccruedData{
		CommissionID:    c.ID,
		ActorID:         c.ActorID,
		Kind:            string(c.Kind),
		Amount:          c.Amount.Int64(),
		PenaltyApplied:  c.PenaltyApplied,
		SourcePaymentID: c.SourcePaymentID,
	})
	return c, nil
}

// Validate approves a pending commission and credits the owner's wallet.
func (e *Engine) Validate(ctx context.Context, id, validator string) (*domain.Commission, error) {
	c, err := e.store.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := c.State
	if err := c.Validate(validator, e.now()); err != nil {
		return nil, err
	}
	if err := e.store.ValidateCommission(ctx, c, expected); err != nil {
		return nil, fmt.Errorf("validating commission %s: %w", id, err)
	}

	e.logger.Info("commission validated",
		"commission_id", c.ID,
		"actor_id", c.ActorID,
		"amount", c.Amount.Int64(),
		"validated_by", validator,
	)
	metrics.CommissionTransition(string(c.Kind), string(c.State), false)
	metrics.WalletCredited(c.Amount.Int64())
	e.publish(ctx, events.EventCommissionValidated, validator, "commission", c.ID, events.CommissionValidatedData{
		CommissionID: c.ID,
		ActorID:      c.ActorID,
		Amount:       c.Amount.Int64(),
		ValidatedBy:  validator,
	})
	return c, nil
}

// Cancel cancels a pending commission. The wallet is untouched.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*domain.Commission, error) {
	c, err := e.store.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := c.State
	if err := c.Cancel(e.now()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCommission(ctx, c, expected); err != nil {
		return nil, fmt.Errorf("cancelling commission %s: %w", id, err)
	}

	e.logger.Info("commission cancelled", "commission_id", c.ID, "actor_id", actor)
	metrics.CommissionTransition(string(c.Kind), string(c.State), false)
	return c, nil
}

// Get returns a commission.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Commission, error) {
	return e.store.GetCommission(ctx, id)
}

// List returns the commissions of an actor, optionally filtered by state.
func (e *Engine) List(ctx context.Context, actorID string, state domain.CommissionState) ([]*domain.Commission, error) {
	return e.store.ListCommissions(ctx, actorID, state)
}

// Wallet returns the wallet of an actor. An actor without validated
// commissions has an empty wallet.
func (e *Engine) Wallet(ctx context.Context, actorID string) (*domain.Wallet, error) {
	w, err := e.store.GetWallet(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.Wallet{ActorID: actorID}, nil
	}
	return w, err
}

func (e *Engine) publish(ctx context.Context, eventType, actor, aggregateType, aggregateID string, data interface{}) {
	if e.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, actor, aggregateType, aggregateID, data)
	if err != nil {
		e.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("publishing event",
			"type", eventType,
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
}

package commission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrifin/internal/common/events"
	"agrifin/internal/domain"
	"agrifin/internal/store/memory"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutSubscriber(ctx, &domain.Subscriber{ID: "sub-1", Phone: "0707070707", SalespersonID: "sales-1"}))
	require.NoError(t, store.PutSubscriber(ctx, &domain.Subscriber{ID: "sub-2", Phone: "0101010101"}))
	require.NoError(t, store.PutPlantation(ctx, &domain.Plantation{ID: "plt-1", SubscriberID: "sub-1", Status: domain.PlantationActive}))
	require.NoError(t, store.PutPlantation(ctx, &domain.Plantation{ID: "plt-2", SubscriberID: "sub-2", Status: domain.PlantationActive}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, DefaultPolicy(), nil, logger), store
}

func validatedEvent(t *testing.T, paymentID, plantationID, kind string, amount int64, submitted, validated time.Time) *events.Event {
	t.Helper()
	e, err := events.NewEvent(events.EventPaymentValidated, "backoffice-1", "payment", paymentID, events.PaymentValidatedData{
		PaymentID:        paymentID,
		PlantationID:     plantationID,
		Kind:             kind,
		Amount:           amount,
		ValidatedBy:      "backoffice-1",
		ValidatedAt:      validated,
		ProofSubmittedAt: &submitted,
	})
	require.NoError(t, err)
	return e
}

func TestHandlePaymentValidatedAccruesOnce(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	event := validatedEvent(t, "pay-1", "plt-1", "CONTRIBUTION", 1950, now.Add(-time.Hour), now)
	require.NoError(t, engine.Handle(ctx, event))
	require.NoError(t, engine.Handle(ctx, event))

	list, err := store.ListCommissions(ctx, "sales-1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)

	c := list[0]
	assert.Equal(t, domain.CommissionPayment, c.Kind)
	assert.Equal(t, domain.CommissionPending, c.State)
	assert.Equal(t, "pay-1", c.SourcePaymentID)
	// 1950 * 5% = 97.5
	assert.EqualValues(t, 98, c.Amount)
	assert.False(t, c.PenaltyApplied)
	assert.Equal(t, domain.Period(now), c.Period)
}

// unreachableSubscribers fails subscriber lookups while down is set.
type unreachableSubscribers struct {
	*memory.Store
	down bool
}

func (s *unreachableSubscribers) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	if s.down {
		return nil, errors.New("connection refused")
	}
	return s.Store.GetSubscriber(ctx, id)
}

func TestAccrueMissingRepairsFailedAccrual(t *testing.T) {
	_, mem := newTestEngine(t)
	store := &unreachableSubscribers{Store: mem, down: true}
	engine := NewEngine(store, DefaultPolicy(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	now := time.Now().UTC()

	submitted := now.Add(-time.Hour)
	require.NoError(t, mem.CreateValidatedPayment(ctx, &domain.Payment{
		ID: "pay-1", PlantationID: "plt-1", Kind: domain.PaymentContribution, Year: now.Year(),
		PaidAmount: 1950, State: domain.PaymentValidated, ValidatedBy: "backoffice-1",
		ProofSubmittedAt: &submitted, ValidatedAt: &now, CreatedAt: submitted, UpdatedAt: now,
	}))

	err := engine.Handle(ctx, validatedEvent(t, "pay-1", "plt-1", "CONTRIBUTION", 1950, submitted, now))
	require.Error(t, err)
	list, err := mem.ListCommissions(ctx, "sales-1", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = engine.AccrueMissing(ctx, now.Add(-24*time.Hour), 100)
	assert.Error(t, err)

	store.down = false
	accrued, err := engine.AccrueMissing(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, accrued)

	accrued, err = engine.AccrueMissing(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, accrued)

	list, err = mem.ListCommissions(ctx, "sales-1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pay-1", list[0].SourcePaymentID)
	assert.EqualValues(t, 98, list[0].Amount)
}

func TestHandlePaymentValidatedAppliesLatePenalty(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	validated := time.Now().UTC()
	// 7 days to validate, SLA 2, so 5 late days above a threshold of 3
	submitted := validated.Add(-7 * 24 * time.Hour)

	c, err := engine.HandlePaymentValidated(ctx, &events.PaymentValidatedData{
		PaymentID: "pay-2", PlantationID: "plt-1", Kind: "ACCESS_FEE", Amount: 20000,
		ValidatedAt: validated, ProofSubmittedAt: &submitted,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.CommissionSubscription, c.Kind)
	assert.Equal(t, 5, c.LateDays)
	assert.True(t, c.PenaltyApplied)
	// 20000 * 10% = 2000, less 20%
	assert.EqualValues(t, 1600, c.Amount)
}

func TestHandlePaymentValidatedWithoutSalesperson(t *testing.T) {
	engine, store := newTestEngine(t)
	now := time.Now().UTC()

	c, err := engine.HandlePaymentValidated(context.Background(), &events.PaymentValidatedData{
		PaymentID: "pay-3", PlantationID: "plt-2", Kind: "CONTRIBUTION", Amount: 650, ValidatedAt: now,
	})
	require.NoError(t, err)
	assert.Nil(t, c)

	list, err := store.ListCommissions(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestValidateCreditsWallet(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "harvest", BaseAmount: 100000})
	require.NoError(t, err)
	assert.EqualValues(t, 3000, c.Amount)

	_, err = engine.Validate(ctx, c.ID, "manager-1")
	require.NoError(t, err)
	_, err = engine.Validate(ctx, c.ID, "manager-2")
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))

	w, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3000, w.Balance)
	assert.EqualValues(t, 3000, w.TotalEarned)
	assert.Zero(t, w.TotalWithdrawn)
}

func TestCancelLeavesWalletUntouched(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "follow_up", BaseAmount: 10000})
	require.NoError(t, err)
	_, err = engine.Cancel(ctx, c.ID, "manager-1")
	require.NoError(t, err)

	_, err = engine.Validate(ctx, c.ID, "manager-1")
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))

	w, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
}

func TestConcurrentValidationsAddUp(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	amounts := []int64{20000, 40000, 65000, 130000, 5500, 11000}
	var ids []string
	var want int64
	for _, base := range amounts {
		c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "subscription", BaseAmount: base})
		require.NoError(t, err)
		ids = append(ids, c.ID)
		want += c.Amount.Int64()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := engine.Validate(ctx, id, "manager-1")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	w, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.EqualValues(t, want, w.Balance)
	assert.EqualValues(t, want, w.TotalEarned)
}

func TestWithdrawalApproval(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	var ids []string
	for _, base := range []int64{10000, 20000, 30000} {
		c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "subscription", BaseAmount: base})
		require.NoError(t, err)
		_, err = engine.Validate(ctx, c.ID, "manager-1")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	// wallet holds 1000 + 2000 + 3000

	_, err := engine.RequestWithdrawal(ctx, &WithdrawalRequest{ActorID: "sales-1", Amount: 7000, Method: "cash"})
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	w, err := engine.RequestWithdrawal(ctx, &WithdrawalRequest{ActorID: "sales-1", Amount: 3500, Method: "mobile_money", PayoutRef: "0707070707"})
	require.NoError(t, err)

	approved, err := engine.ApproveWithdrawal(ctx, w.ID, "finance-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalApproved, approved.State)

	wallet, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2500, wallet.Balance)
	assert.EqualValues(t, 6000, wallet.TotalEarned)
	assert.EqualValues(t, 3500, wallet.TotalWithdrawn)

	// 3500 withdrawn covers 1000 and 2000 in full, not 3000
	paid, err := store.ListCommissions(ctx, "sales-1", domain.CommissionPaid)
	require.NoError(t, err)
	require.Len(t, paid, 2)
	assert.ElementsMatch(t, ids[:2], []string{paid[0].ID, paid[1].ID})

	_, err = engine.ApproveWithdrawal(ctx, w.ID, "finance-1")
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))
}

func TestWithdrawalsAcrossCommissionBoundaries(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "subscription", BaseAmount: 5000})
		require.NoError(t, err)
		_, err = engine.Validate(ctx, c.ID, "manager-1")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	approve := func(amount int64) {
		w, err := engine.RequestWithdrawal(ctx, &WithdrawalRequest{ActorID: "sales-1", Amount: amount, Method: "cash"})
		require.NoError(t, err)
		_, err = engine.ApproveWithdrawal(ctx, w.ID, "finance-1")
		require.NoError(t, err)
	}

	approve(700)
	paid, err := store.ListCommissions(ctx, "sales-1", domain.CommissionPaid)
	require.NoError(t, err)
	assert.Len(t, paid, 1)

	approve(300)
	wallet, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero())
	assert.EqualValues(t, 1000, wallet.TotalWithdrawn)

	validated, err := store.ListCommissions(ctx, "sales-1", domain.CommissionValidated)
	require.NoError(t, err)
	assert.Empty(t, validated)
	paid, err = store.ListCommissions(ctx, "sales-1", domain.CommissionPaid)
	require.NoError(t, err)
	assert.Len(t, paid, 2)
}

func TestWithdrawalApprovalNeverOverdraws(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "subscription", BaseAmount: 20000})
	require.NoError(t, err)
	_, err = engine.Validate(ctx, c.ID, "manager-1")
	require.NoError(t, err)

	// both requests fit the balance alone, not together
	var requests []*domain.WithdrawalRequest
	for i := 0; i < 2; i++ {
		w, err := engine.RequestWithdrawal(ctx, &WithdrawalRequest{ActorID: "sales-1", Amount: 1500, Method: "cash"})
		require.NoError(t, err)
		requests = append(requests, w)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(requests))
	for i, w := range requests {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = engine.ApproveWithdrawal(ctx, id, "finance-1")
		}(i, w.ID)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	wallet, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, wallet.Balance)
	assert.False(t, wallet.Balance.IsNegative())
}

func TestRejectWithdrawal(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	c, err := engine.Accrue(ctx, &AccrueRequest{ActorID: "sales-1", Kind: "subscription", BaseAmount: 20000})
	require.NoError(t, err)
	_, err = engine.Validate(ctx, c.ID, "manager-1")
	require.NoError(t, err)

	w, err := engine.RequestWithdrawal(ctx, &WithdrawalRequest{ActorID: "sales-1", Amount: 1000, Method: "bank_transfer"})
	require.NoError(t, err)
	_, err = engine.RejectWithdrawal(ctx, w.ID, "finance-1", "")
	assert.True(t, domain.IsValidation(err))
	rejected, err := engine.RejectWithdrawal(ctx, w.ID, "finance-1", "missing bank details")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, rejected.State)

	wallet, err := engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2000, wallet.Balance)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	submitted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, p.LateDays(nil, submitted))
	assert.Equal(t, 0, p.LateDays(&submitted, submitted.Add(47*time.Hour)))
	assert.Equal(t, 1, p.LateDays(&submitted, submitted.Add(72*time.Hour)))

	assert.Equal(t, domain.CommissionSubscription, KindFor(domain.PaymentAccessFee))
	assert.Equal(t, domain.CommissionPayment, KindFor(domain.PaymentContribution))

	bad := p
	bad.HarvestRate = 0
	assert.Error(t, bad.Validate())
}

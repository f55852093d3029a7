package payment

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

	"agrifin/internal/accrual"
	"agrifin/internal/common/events"
	"agrifin/internal/domain"
	"agrifin/internal/pricing"
	"agrifin/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, es []*events.Event) error {
	for _, e := range es {
		_ = p.Publish(ctx, e)
	}
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	prices *pricing.Service
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()

	require.NoError(t, store.PutSubscriber(ctx, &domain.Subscriber{ID: "sub-1", FullName: "Awa Koné", Phone: "0707070707", SalespersonID: "sales-1"}))
	require.NoError(t, store.PutPlantation(ctx, &domain.Plantation{
		ID:            "plt-1",
		SubscriberID:  "sub-1",
		Hectares:      2,
		SignatureDate: time.Now().UTC().AddDate(0, 0, -30).Add(time.Hour),
		Status:        domain.PlantationActive,
	}))
	require.NoError(t, store.PutPlantation(ctx, &domain.Plantation{
		ID:            "plt-closed",
		SubscriberID:  "sub-1",
		SignatureDate: time.Now().UTC().AddDate(-1, 0, 0),
		Status:        domain.PlantationTerminated,
	}))

	prices := pricing.NewService(store, pricing.Config{NormalUnitPrice: 30000}, logger)
	pub := &recordingPublisher{}
	return &fixture{
		svc:    NewService(store, prices, accrual.DefaultSchedule(), pub, logger),
		store:  store,
		prices: prices,
		pub:    pub,
	}
}

func (f *fixture) underReview(t *testing.T, amount int64) *domain.Payment {
	t.Helper()
	p, err := f.svc.Create(context.Background(), &CreateRequest{
		PlantationID: "plt-1",
		Kind:         "CONTRIBUTION",
		Amount:       amount,
		ProofType:    "receipt",
		ProofRef:     "https://files.example/receipt.jpg",
		Actor:        "agent-1",
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentUnderReview, p.State)
	return p
}

func TestCreateRejectsNonMultipleContribution(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), &CreateRequest{PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 100})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "must be a multiple of 65")

	// a canonical monthly amount that is not a whole number of days is refused too
	_, err = f.svc.Create(context.Background(), &CreateRequest{PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 1900})
	assert.True(t, domain.IsValidation(err))
}

func TestCreateWithoutProofStaysPending(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Create(context.Background(), &CreateRequest{PlantationID: "plt-1", Kind: "contribution", Amount: 650})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.State)
	// 30 elapsed days at 65 per day
	assert.EqualValues(t, 1950, p.TheoreticalAmount)
	assert.Equal(t, []string{events.EventPaymentCreated}, f.pub.types())

	_, err = f.svc.AttachProof(context.Background(), p.ID, &ProofRequest{ProofType: "transaction_id", ProofRef: "MP240101.1234"})
	assert.True(t, domain.IsValidation(err))

	p, err = f.svc.AttachProof(context.Background(), p.ID, &ProofRequest{ProofType: "transaction_id", ProofRef: "MP240101.1234", Operator: "orange_money"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentUnderReview, p.State)
	assert.Equal(t, domain.OperatorOrange, p.Operator)
}

func TestCreateOnTerminatedPlantation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), &CreateRequest{PlantationID: "plt-closed", Kind: "CONTRIBUTION", Amount: 65})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.Create(context.Background(), &CreateRequest{PlantationID: "missing", Kind: "CONTRIBUTION", Amount: 65})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestValidateContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t, 1950)

	_, err := f.svc.Validate(ctx, p.ID, "")
	assert.True(t, domain.IsValidation(err))

	got, err := f.svc.Validate(ctx, p.ID, "backoffice-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentValidated, got.State)
	assert.NotNil(t, got.ValidatedAt)

	plantation, err := f.store.GetPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1950, plantation.ValidatedTotal)
	assert.Contains(t, f.pub.types(), events.EventPaymentValidated)
}

func TestConcurrentValidationCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t, 650)

	const validators = 8
	var wg sync.WaitGroup
	results := make(chan error, validators)
	for i := 0; i < validators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Validate(ctx, p.ID, "backoffice")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConcurrencyConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, validators-1, conflicts)

	plantation, err := f.store.GetPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 650, plantation.ValidatedTotal)
}

func TestRejectedPaymentIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t, 130)

	_, err := f.svc.Reject(ctx, p.ID, "backoffice-1", "")
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.Reject(ctx, p.ID, "backoffice-1", "unreadable receipt")
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, p.ID, "backoffice-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict) || domain.IsValidation(err))

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRejected, stored.State)
	assert.Equal(t, "unreadable receipt", stored.RejectionReason)
}

func TestResubmitCreatesNewRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t, 130)

	_, err := f.svc.Resubmit(ctx, p.ID, &ResubmitRequest{ProofType: "receipt", ProofRef: "r-2"})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.Reject(ctx, p.ID, "backoffice-1", "wrong receipt")
	require.NoError(t, err)

	again, err := f.svc.Resubmit(ctx, p.ID, &ResubmitRequest{ProofType: "receipt", ProofRef: "r-2", Actor: "agent-1"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, again.ID)
	assert.Equal(t, p.ID, again.ResubmissionOf)
	assert.Equal(t, domain.PaymentUnderReview, again.State)
	assert.EqualValues(t, 130, again.PaidAmount)

	list, err := f.svc.ListByPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAccessFeeSnapshotsPromotionPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := time.Now().UTC()

	promo, err := f.prices.CreatePromotion(ctx, &pricing.CreatePromotionRequest{
		Name: "Lancement", ReducedPrice: 20000, StartDate: today.AddDate(0, 0, -1), EndDate: today.AddDate(0, 0, 5),
	})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, &CreateRequest{PlantationID: "plt-1", Kind: "ACCESS_FEE", Amount: 30000})
	assert.True(t, domain.IsValidation(err))

	fee, err := f.svc.Create(ctx, &CreateRequest{
		PlantationID: "plt-1", Kind: "ACCESS_FEE", Amount: 20000, ProofType: "receipt", ProofRef: "r-fee",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 20000, fee.UnitPrice)
	assert.Equal(t, "Lancement", fee.PromotionName)

	// ending the promotion does not alter the submitted amount
	_, err = f.prices.SetPromotionStatus(ctx, promo.ID, domain.PromotionInactive)
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, fee.ID, "backoffice-1")
	require.NoError(t, err)

	plantation, err := f.store.GetPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.Zero(t, plantation.ValidatedTotal)

	_, err = f.svc.Create(ctx, &CreateRequest{PlantationID: "plt-1", Kind: "ACCESS_FEE", Amount: 30000})
	assert.True(t, domain.IsValidation(err))
}

func TestSecondAccessFeeCannotBeValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var fees []*domain.Payment
	for _, ref := range []string{"r-a", "r-b"} {
		fee, err := f.svc.Create(ctx, &CreateRequest{
			PlantationID: "plt-1", Kind: "ACCESS_FEE", Amount: 30000, ProofType: "receipt", ProofRef: ref,
		})
		require.NoError(t, err)
		fees = append(fees, fee)
	}

	_, err := f.svc.Validate(ctx, fees[0].ID, "backoffice-1")
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, fees[1].ID, "backoffice-1")
	assert.True(t, domain.IsValidation(err))
}

func TestSettleFromGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.svc.Create(ctx, &CreateRequest{PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 650})
	require.NoError(t, err)

	settled, err := f.svc.SettleFromGateway(ctx, &SettleRequest{
		PaymentID: open.ID, Amount: 650, GatewayTxID: "GW-1", Operator: domain.OperatorWave,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentValidated, settled.State)
	assert.Equal(t, domain.ProofGateway, settled.ProofType)
	assert.Equal(t, SystemActor, settled.ValidatedBy)

	created, err := f.svc.SettleFromGateway(ctx, &SettleRequest{
		PlantationID: "plt-1", Kind: domain.PaymentContribution, Amount: 1300, GatewayTxID: "GW-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "GW-2", created.GatewayTxID)

	_, err = f.svc.SettleFromGateway(ctx, &SettleRequest{
		PlantationID: "plt-1", Kind: domain.PaymentContribution, Amount: 1300, GatewayTxID: "GW-2",
	})
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	plantation, err := f.store.GetPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1950, plantation.ValidatedTotal)
}

package reconciliation

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
	"agrifin/internal/commission"
	"agrifin/internal/common/events"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
	"agrifin/internal/payment"
	"agrifin/internal/pricing"
	"agrifin/internal/providers/mobilemoney"
	"agrifin/internal/store/memory"
)

type feedTx struct {
	id     string
	phone  string
	amount int64
	at     time.Time
}

// fakeFeed serves pages of fresh transactions. Pages listed in failAt return
// an error instead.
type fakeFeed struct {
	mu      sync.Mutex
	pages   [][]feedTx
	failAt  map[int]bool
	queries []mobilemoney.Query
}

func (f *fakeFeed) ListTransactions(_ context.Context, q mobilemoney.Query) (*mobilemoney.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	idx := 0
	if q.PageToken != "" {
		idx = int(q.PageToken[0] - '0')
	}
	if f.failAt[idx] {
		return nil, errors.Join(domain.ErrFeedUnavailable, errors.New("gateway returned 503"))
	}

	page := &mobilemoney.Page{}
	if idx < len(f.pages) {
		for _, t := range f.pages[idx] {
			page.Transactions = append(page.Transactions, &domain.ExternalTransaction{
				GatewayTxID: t.id,
				Phone:       domain.NormalizePhone(t.phone),
				Amount:      money.Amount(t.amount),
				Operator:    domain.OperatorOrange,
				OccurredAt:  t.at,
			})
		}
	}
	if idx+1 < len(f.pages) {
		page.NextPageToken = string(rune('0' + idx + 1))
	}
	return page, nil
}

func (f *fakeFeed) lastQuery() mobilemoney.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

// flakySettler fails the listed gateway transactions with an unexpected error.
type flakySettler struct {
	Settler
	fail map[string]bool
}

func (s flakySettler) SettleFromGateway(ctx context.Context, req *payment.SettleRequest) (*domain.Payment, error) {
	if s.fail[req.GatewayTxID] {
		return nil, errors.New("connection reset")
	}
	return s.Settler.SettleFromGateway(ctx, req)
}

type harness struct {
	store    *memory.Store
	payments *payment.Service
	engine   *commission.Engine
	feed     *fakeFeed
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()

	require.NoError(t, store.PutSubscriber(ctx, &domain.Subscriber{ID: "sub-1", Phone: "+225 07 07 07 07 07", SalespersonID: "sales-1"}))
	require.NoError(t, store.PutSubscriber(ctx, &domain.Subscriber{ID: "sub-2", Phone: "0505050505"}))
	require.NoError(t, store.PutPlantation(ctx, &domain.Plantation{
		ID:            "plt-1",
		SubscriberID:  "sub-1",
		Hectares:      1,
		SignatureDate: time.Now().UTC().AddDate(0, 0, -30).Add(time.Hour),
		Status:        domain.PlantationActive,
	}))

	bus := events.NewBus(nil, logger)
	engine := commission.NewEngine(store, commission.DefaultPolicy(), bus, logger)
	bus.Subscribe(engine)

	prices := pricing.NewService(store, pricing.Config{NormalUnitPrice: 30000}, logger)
	payments := payment.NewService(store, prices, accrual.DefaultSchedule(), bus, logger)

	return &harness{store: store, payments: payments, engine: engine, feed: &fakeFeed{}, logger: logger}
}

func (h *harness) job(settler Settler) *Job {
	if settler == nil {
		settler = h.payments
	}
	return NewJob(h.store, h.feed, settler, nil, DefaultConfig(), h.logger)
}

func (h *harness) validatedTotal(t *testing.T) money.Amount {
	t.Helper()
	p, err := h.store.GetPlantation(context.Background(), "plt-1")
	require.NoError(t, err)
	return p.ValidatedTotal
}

func TestRunCreditsOnceAcrossRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour)

	open, err := h.payments.Create(ctx, &payment.CreateRequest{PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 1950, Actor: "agent-1"})
	require.NoError(t, err)

	h.feed.pages = [][]feedTx{
		{
			{id: "GW-1", phone: "0707070707", amount: 650, at: at},
			{id: "GW-2", phone: "07 07 07 07 07", amount: 1950, at: at},
		},
		{
			{id: "GW-3", phone: "0909090909", amount: 650, at: at},
			{id: "GW-4", phone: "0707070707", amount: 100, at: at},
		},
	}

	job := h.job(nil)
	first, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, first.Status)
	assert.Equal(t, 0, first.TotalVerified)
	assert.Equal(t, 2, first.Corrected)
	assert.Equal(t, 2, first.Unmatched)
	assert.Equal(t, 0, first.Failed)
	assert.EqualValues(t, 2600, h.validatedTotal(t))

	settled, err := h.store.GetPayment(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentValidated, settled.State)
	assert.Equal(t, "GW-2", settled.GatewayTxID)
	assert.Equal(t, payment.SystemActor, settled.ValidatedBy)

	commissions, err := h.engine.List(ctx, "sales-1", "")
	require.NoError(t, err)
	assert.Len(t, commissions, 2)
	wallet, err := h.engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)

	second, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)
	assert.Equal(t, 2, second.TotalVerified)
	assert.Equal(t, 0, second.Corrected)
	assert.Equal(t, 2, second.Unmatched)
	assert.EqualValues(t, 2600, h.validatedTotal(t))

	// the second window starts one overlap before the first run's end
	assert.Equal(t, first.Until.Add(-time.Hour), second.Since)
	assert.Equal(t, second.Since, h.feed.lastQuery().Since)

	commissions, err = h.engine.List(ctx, "sales-1", "")
	require.NoError(t, err)
	assert.Len(t, commissions, 2)
	after, err := h.engine.Wallet(ctx, "sales-1")
	require.NoError(t, err)
	assert.Equal(t, wallet.Balance, after.Balance)

	tx, err := h.store.GetExternalTransaction(ctx, "GW-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionMatched, tx.Status)
	assert.Equal(t, "sub-1", tx.SubscriberID)
	assert.NotEmpty(t, tx.PaymentID)

	unmatched, err := job.Unmatched(ctx, 10)
	require.NoError(t, err)
	var ids []string
	for _, u := range unmatched {
		ids = append(ids, u.GatewayTxID)
	}
	assert.ElementsMatch(t, []string{"GW-3", "GW-4"}, ids)
}

func TestRunVerifiesManuallyValidatedTransactionProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.payments.Create(ctx, &payment.CreateRequest{
		PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 650,
		ProofType: "transaction_id", ProofRef: "GW-9", Operator: "orange_money", Actor: "agent-1",
	})
	require.NoError(t, err)
	validated, err := h.payments.Validate(ctx, p.ID, "backoffice-1")
	require.NoError(t, err)
	assert.Equal(t, "GW-9", validated.GatewayTxID)
	assert.EqualValues(t, 650, h.validatedTotal(t))

	h.feed.pages = [][]feedTx{{{id: "GW-9", phone: "0707070707", amount: 650, at: time.Now().UTC().Add(-time.Hour)}}}
	report, err := h.job(nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalVerified)
	assert.Equal(t, 0, report.Corrected)
	assert.EqualValues(t, 650, h.validatedTotal(t))

	payments, err := h.store.ListPaymentsByPlantation(ctx, "plt-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	commissions, err := h.engine.List(ctx, "sales-1", "")
	require.NoError(t, err)
	assert.Len(t, commissions, 1)

	tx, err := h.store.GetExternalTransaction(ctx, "GW-9")
	require.NoError(t, err)
	assert.Equal(t, p.ID, tx.PaymentID)
}

func TestRunSettlesPaymentNamingTheTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.payments.Create(ctx, &payment.CreateRequest{PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 1300, ProofRef: "receipt-1", Actor: "agent-1"})
	require.NoError(t, err)
	named, err := h.payments.Create(ctx, &payment.CreateRequest{
		PlantationID: "plt-1", Kind: "CONTRIBUTION", Amount: 1300,
		ProofType: "transaction_id", ProofRef: "GW-8", Operator: "orange_money", Actor: "agent-1",
	})
	require.NoError(t, err)

	h.feed.pages = [][]feedTx{{{id: "GW-8", phone: "0707070707", amount: 1300, at: time.Now().UTC().Add(-time.Hour)}}}
	report, err := h.job(nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)

	settled, err := h.store.GetPayment(ctx, named.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentValidated, settled.State)
	assert.Equal(t, "GW-8", settled.GatewayTxID)
	assert.EqualValues(t, 1300, h.validatedTotal(t))
}

func TestRunPartialKeepsCorrections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour)

	h.feed.pages = [][]feedTx{
		{{id: "GW-1", phone: "0707070707", amount: 650, at: at}},
		{{id: "GW-2", phone: "0707070707", amount: 1300, at: at}},
	}
	h.feed.failAt = map[int]bool{1: true}

	report, err := h.job(nil).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
	require.NotNil(t, report)
	assert.Equal(t, domain.RunPartial, report.Status)
	assert.Equal(t, 1, report.Corrected)
	assert.EqualValues(t, 650, h.validatedTotal(t))

	_, err = h.store.LastCompletedRun(ctx)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	runs := h.store.Runs(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunPartial, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRunFailsWhenFeedIsDown(t *testing.T) {
	h := newHarness(t)
	h.feed.failAt = map[int]bool{0: true}

	report, err := h.job(nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
	assert.Equal(t, domain.RunFailed, report.Status)
	assert.Zero(t, report.Corrected)
	assert.Zero(t, h.validatedTotal(t))
}

func TestRunToleratesTransactionFailures(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Add(-time.Hour)

	h.feed.pages = [][]feedTx{{
		{id: "GW-1", phone: "0707070707", amount: 650, at: at},
		{id: "GW-2", phone: "0707070707", amount: 1300, at: at},
	}}
	settler := flakySettler{Settler: h.payments, fail: map[string]bool{"GW-1": true}}

	report, err := h.job(settler).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Unmatched)
	assert.EqualValues(t, 1300, h.validatedTotal(t))

	tx, err := h.store.GetExternalTransaction(context.Background(), "GW-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionUnmatched, tx.Status)
	assert.Contains(t, tx.Note, "connection reset")
}

func TestRunLeavesSubscriberWithoutPlantationUnmatched(t *testing.T) {
	h := newHarness(t)
	h.feed.pages = [][]feedTx{{{id: "GW-9", phone: "0505050505", amount: 650, at: time.Now().UTC()}}}

	report, err := h.job(nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unmatched)
	assert.Zero(t, report.Failed)

	tx, err := h.store.GetExternalTransaction(context.Background(), "GW-9")
	require.NoError(t, err)
	assert.Equal(t, "sub-2", tx.SubscriberID)
	assert.Contains(t, tx.Note, "no active plantation")
}

func TestPickOpenPayment(t *testing.T) {
	now := time.Now().UTC()
	job := &Job{cfg: Config{AmountTolerance: 50, MatchWindow: 24 * time.Hour}}
	open := []*domain.Payment{
		{ID: "far", Kind: domain.PaymentContribution, PaidAmount: 1300, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "newer", Kind: domain.PaymentContribution, PaidAmount: 1300, CreatedAt: now.Add(-time.Hour)},
		{ID: "older", Kind: domain.PaymentContribution, PaidAmount: 1300, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "off", Kind: domain.PaymentContribution, PaidAmount: 1340, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "fee", Kind: domain.PaymentAccessFee, PaidAmount: 1300, CreatedAt: now.Add(-4 * time.Hour)},
	}

	tx := &domain.ExternalTransaction{Amount: 1300, Kind: domain.PaymentContribution, OccurredAt: now}
	got := job.pickOpenPayment(open, tx)
	require.NotNil(t, got)
	assert.Equal(t, "older", got.ID)

	tx.Amount = 1345
	got = job.pickOpenPayment(open, tx)
	require.NotNil(t, got)
	assert.Equal(t, "off", got.ID)

	tx.Amount = 5000
	assert.Nil(t, job.pickOpenPayment(open, tx))

	named := &domain.Payment{ID: "named", Kind: domain.PaymentContribution, PaidAmount: 650, ProofType: domain.ProofTransactionID, ProofRef: "GW-7", CreatedAt: now}
	tx = &domain.ExternalTransaction{GatewayTxID: "GW-7", Amount: 1300, Kind: domain.PaymentContribution, OccurredAt: now}
	got = job.pickOpenPayment(append(open, named), tx)
	require.NotNil(t, got)
	assert.Equal(t, "named", got.ID)
}

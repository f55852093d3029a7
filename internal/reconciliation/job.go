// Package reconciliation matches the mobile-money gateway feed against
// internal payments, crediting what the gateway settled exactly once.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"agrifin/internal/common/events"
	"agrifin/internal/common/metrics"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
	"agrifin/internal/payment"
	"agrifin/internal/providers/mobilemoney"
)

// Config holds reconciliation configuration.
type Config struct {
	Enabled         bool          `envconfig:"RECONCILIATION_ENABLED" default:"true"`
	Interval        time.Duration `envconfig:"RECONCILIATION_INTERVAL" default:"15m"`
	RunTimeout      time.Duration `envconfig:"RECONCILIATION_RUN_TIMEOUT" default:"5m"`
	WindowOverlap   time.Duration `envconfig:"RECONCILIATION_WINDOW_OVERLAP" default:"1h"`
	InitialLookback time.Duration `envconfig:"RECONCILIATION_INITIAL_LOOKBACK" default:"720h"`
	AmountTolerance int64         `envconfig:"RECONCILIATION_AMOUNT_TOLERANCE" default:"0"`
	MatchWindow     time.Duration `envconfig:"RECONCILIATION_MATCH_WINDOW" default:"168h"`
	PageSize        int           `envconfig:"RECONCILIATION_PAGE_SIZE" default:"100"`
	MaxPages        int           `envconfig:"RECONCILIATION_MAX_PAGES" default:"500"`
	LockTTL         time.Duration `envconfig:"RECONCILIATION_LOCK_TTL" default:"10m"`
}

// DefaultConfig returns the default reconciliation configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Interval:        15 * time.Minute,
		RunTimeout:      5 * time.Minute,
		WindowOverlap:   time.Hour,
		InitialLookback: 30 * 24 * time.Hour,
		MatchWindow:     7 * 24 * time.Hour,
		PageSize:        100,
		MaxPages:        500,
		LockTTL:         10 * time.Minute,
	}
}

// Store persists reconciliation bookkeeping and answers matching lookups.
type Store interface {
	// LastCompletedRun returns domain.ErrNotFound before the first completed run.
	LastCompletedRun(ctx context.Context) (*domain.ReconciliationRun, error)
	CreateRun(ctx context.Context, run *domain.ReconciliationRun) error
	FinishRun(ctx context.Context, run *domain.ReconciliationRun) error

	// RecordExternalTransaction upserts by gateway transaction id. A matched
	// record is never downgraded to unmatched.
	RecordExternalTransaction(ctx context.Context, tx *domain.ExternalTransaction) error
	GetExternalTransaction(ctx context.Context, gatewayTxID string) (*domain.ExternalTransaction, error)
	ListUnmatchedTransactions(ctx context.Context, limit int) ([]*domain.ExternalTransaction, error)

	GetPaymentByGatewayTx(ctx context.Context, gatewayTxID string) (*domain.Payment, error)
	FindSubscriberByPhone(ctx context.Context, phone string) (*domain.Subscriber, error)
	ListPlantationsBySubscriber(ctx context.Context, subscriberID string) ([]*domain.Plantation, error)
	// ListOpenPayments returns pending, proof_provided and under_review
	// payments of the subscriber's plantations.
	ListOpenPayments(ctx context.Context, subscriberID string) ([]*domain.Payment, error)
}

// Feed reads the gateway transaction feed.
type Feed interface {
	ListTransactions(ctx context.Context, q mobilemoney.Query) (*mobilemoney.Page, error)
}

// Settler credits gateway transactions as validated payments.
type Settler interface {
	SettleFromGateway(ctx context.Context, req *payment.SettleRequest) (*domain.Payment, error)
}

// Report summarises one run.
type Report struct {
	RunID         string           `json:"run_id"`
	Status        domain.RunStatus `json:"status"`
	Since         time.Time        `json:"since"`
	Until         time.Time        `json:"until"`
	TotalVerified int              `json:"total_verified"`
	Corrected     int              `json:"corrected"`
	Unmatched     int              `json:"unmatched"`
	Failed        int              `json:"failed"`
}

// Job reconciles the gateway feed.
type Job struct {
	store     Store
	feed      Feed
	settler   Settler
	publisher events.EventPublisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewJob creates a new reconciliation job.
func NewJob(store Store, feed Feed, settler Settler, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Job {
	return &Job{
		store:     store,
		feed:      feed,
		settler:   settler,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type outcome string

const (
	outcomeVerified  outcome = "verified"
	outcomeCorrected outcome = "corrected"
	outcomeUnmatched outcome = "unmatched"
	outcomeFailed    outcome = "failed"
)

// Run reconciles the window since the last completed run. Per-transaction
// problems are recorded as unmatched; a feed failure stops paging, keeps what
// was already processed and returns the partial report with an error wrapping
// domain.ErrFeedUnavailable.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	started := j.now()
	since, err := j.windowStart(ctx, started)
	if err != nil {
		return nil, err
	}

	run := &domain.ReconciliationRun{
		ID:        ulid.Make().String(),
		Since:     since,
		Until:     started,
		StartedAt: started,
		Status:    domain.RunRunning,
	}
	if err := j.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating reconciliation run: %w", err)
	}

	logger := j.logger.With("run_id", run.ID)
	logger.Info("reconciliation started", "since", since, "until", started)

	report := &Report{RunID: run.ID, Since: since, Until: started}
	fetched := 0
	query := mobilemoney.Query{Since: since, Until: started, Limit: j.cfg.PageSize}

	var feedErr error
	for page := 0; j.cfg.MaxPages <= 0 || page < j.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			feedErr = err
			break
		}

		p, err := j.feed.ListTransactions(ctx, query)
		if err != nil {
			feedErr = err
			break
		}
		fetched++

		for _, tx := range p.Transactions {
			tx.RunID = run.ID
			switch o := j.process(ctx, logger, tx); o {
			case outcomeVerified:
				report.TotalVerified++
			case outcomeCorrected:
				report.Corrected++
			case outcomeFailed:
				report.Failed++
				report.Unmatched++
			default:
				report.Unmatched++
			}
		}

		if p.NextPageToken == "" {
			break
		}
		query.PageToken = p.NextPageToken
	}

	status := domain.RunCompleted
	switch {
	case feedErr != nil && fetched == 0:
		status = domain.RunFailed
	case feedErr != nil:
		status = domain.RunPartial
	}
	report.Status = status

	run.Verified = report.TotalVerified
	run.Corrected = report.Corrected
	run.Unmatched = report.Unmatched
	finished := j.now()
	run.Finish(status, feedErr, finished)

	// the run row is closed even when the caller's context is gone
	if err := j.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to close reconciliation run", "error", err)
	}

	metrics.ReconciliationRun(string(status), finished.Sub(started).Seconds())
	logger.Info("reconciliation finished",
		"status", status,
		"total_verified", report.TotalVerified,
		"corrected", report.Corrected,
		"unmatched", report.Unmatched,
		"failed", report.Failed,
		"duration", finished.Sub(started),
	)
	j.publish(ctx, report)

	if feedErr != nil {
		if !errors.Is(feedErr, domain.ErrFeedUnavailable) {
			feedErr = fmt.Errorf("%w: %v", domain.ErrFeedUnavailable, feedErr)
		}
		return report, feedErr
	}
	return report, nil
}

func (j *Job) windowStart(ctx context.Context, now time.Time) (time.Time, error) {
	last, err := j.store.LastCompletedRun(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return now.Add(-j.cfg.InitialLookback), nil
	case err != nil:
		return time.Time{}, fmt.Errorf("loading last reconciliation run: %w", err)
	}
	return last.Until.Add(-j.cfg.WindowOverlap), nil
}

func (j *Job) process(ctx context.Context, logger *slog.Logger, tx *domain.ExternalTransaction) outcome {
	o, err := j.match(ctx, tx)
	if err != nil {
		tx.Status = domain.TransactionUnmatched
		tx.Note = err.Error()
		if !errors.Is(err, domain.ErrReconciliationMismatch) && !domain.IsValidation(err) {
			o = outcomeFailed
			logger.Error("reconciling gateway transaction", "gateway_tx_id", tx.GatewayTxID, "error", err)
		} else {
			o = outcomeUnmatched
			logger.Warn("gateway transaction unmatched", "gateway_tx_id", tx.GatewayTxID, "reason", err)
		}
	}

	tx.RecordedAt = j.now()
	if err := j.store.RecordExternalTransaction(ctx, tx); err != nil {
		logger.Error("recording gateway transaction", "gateway_tx_id", tx.GatewayTxID, "error", err)
	}
	metrics.ReconciliationTransaction(string(o))
	return o
}

// match settles tx and fills its matching fields. A transaction already
// credited is only verified.
func (j *Job) match(ctx context.Context, tx *domain.ExternalTransaction) (outcome, error) {
	existing, err := j.store.GetPaymentByGatewayTx(ctx, tx.GatewayTxID)
	switch {
	case err == nil:
		j.markMatched(tx, existing)
		return outcomeVerified, nil
	case !errors.Is(err, domain.ErrNotFound):
		return outcomeFailed, fmt.Errorf("looking up gateway transaction: %w", err)
	}

	if !tx.Amount.IsPositive() {
		return outcomeUnmatched, fmt.Errorf("%w: non positive amount %d", domain.ErrReconciliationMismatch, tx.Amount)
	}

	subscriber, err := j.store.FindSubscriberByPhone(ctx, tx.Phone)
	if errors.Is(err, domain.ErrNotFound) {
		return outcomeUnmatched, fmt.Errorf("%w: no subscriber with phone %s", domain.ErrReconciliationMismatch, tx.Phone)
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("looking up subscriber: %w", err)
	}
	tx.SubscriberID = subscriber.ID

	req := &payment.SettleRequest{
		Kind:        tx.Kind,
		Amount:      tx.Amount,
		GatewayTxID: tx.GatewayTxID,
		Operator:    tx.Operator,
		OccurredAt:  tx.OccurredAt,
	}

	open, err := j.store.ListOpenPayments(ctx, subscriber.ID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("listing open payments: %w", err)
	}
	if candidate := j.pickOpenPayment(open, tx); candidate != nil {
		req.PaymentID = candidate.ID
		req.Kind = candidate.Kind
		req.PlantationID = candidate.PlantationID
	} else {
		plantationID, err := j.pickPlantation(ctx, subscriber.ID)
		if err != nil {
			return outcomeUnmatched, err
		}
		req.PlantationID = plantationID
		if req.Kind == "" {
			req.Kind = domain.PaymentContribution
		}
	}

	p, err := j.settler.SettleFromGateway(ctx, req)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// credited concurrently by an overlapping run
		if existing, getErr := j.store.GetPaymentByGatewayTx(ctx, tx.GatewayTxID); getErr == nil {
			j.markMatched(tx, existing)
		}
		return outcomeVerified, nil
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("settling gateway transaction: %w", err)
	}

	j.markMatched(tx, p)
	tx.Note = "credited"
	return outcomeCorrected, nil
}

func (j *Job) markMatched(tx *domain.ExternalTransaction, p *domain.Payment) {
	tx.Status = domain.TransactionMatched
	tx.PaymentID = p.ID
	if tx.Kind == "" {
		tx.Kind = p.Kind
	}
}

// pickOpenPayment returns the open payment whose transaction id proof names
// tx, or else the one closest in amount to tx within the tolerance and match
// window, oldest first on ties.
func (j *Job) pickOpenPayment(open []*domain.Payment, tx *domain.ExternalTransaction) *domain.Payment {
	for _, p := range open {
		if p.ProofType == domain.ProofTransactionID && p.ProofRef == tx.GatewayTxID && (tx.Kind == "" || p.Kind == tx.Kind) {
			return p
		}
	}

	tolerance := money.Amount(j.cfg.AmountTolerance)
	var candidates []*domain.Payment
	for _, p := range open {
		if tx.Kind != "" && p.Kind != tx.Kind {
			continue
		}
		if (p.PaidAmount - tx.Amount).Abs() > tolerance {
			continue
		}
		if j.cfg.MatchWindow > 0 {
			gap := tx.OccurredAt.Sub(p.CreatedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > j.cfg.MatchWindow {
				continue
			}
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		da := (candidates[a].PaidAmount - tx.Amount).Abs()
		db := (candidates[b].PaidAmount - tx.Amount).Abs()
		if da != db {
			return da < db
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	return candidates[0]
}

// pickPlantation returns the single active plantation of a subscriber.
func (j *Job) pickPlantation(ctx context.Context, subscriberID string) (string, error) {
	plantations, err := j.store.ListPlantationsBySubscriber(ctx, subscriberID)
	if err != nil {
		return "", fmt.Errorf("listing plantations: %w", err)
	}
	var active []string
	for _, p := range plantations {
		if p.Status == domain.PlantationActive {
			active = append(active, p.ID)
		}
	}
	switch len(active) {
	case 0:
		return "", fmt.Errorf("%w: subscriber %s has no active plantation", domain.ErrReconciliationMismatch, subscriberID)
	case 1:
		return active[0], nil
	default:
		return "", fmt.Errorf("%w: subscriber %s has %d active plantations", domain.ErrReconciliationMismatch, subscriberID, len(active))
	}
}

// Unmatched lists gateway transactions awaiting manual review.
func (j *Job) Unmatched(ctx context.Context, limit int) ([]*domain.ExternalTransaction, error) {
	return j.store.ListUnmatchedTransactions(ctx, limit)
}

func (j *Job) publish(ctx context.Context, report *Report) {
	if j.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventReconciliationCompleted, payment.SystemActor, "reconciliation_run", report.RunID,
		events.ReconciliationCompletedData{
			RunID:         report.RunID,
			Status:        string(report.Status),
			TotalVerified: report.TotalVerified,
			Corrected:     report.Corrected,
			Unmatched:     report.Unmatched,
		})
	if err != nil {
		j.logger.Error("building event", "error", err)
		return
	}
	if err := j.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		j.logger.Warn("publishing reconciliation event", "run_id", report.RunID, "error", err)
	}
}

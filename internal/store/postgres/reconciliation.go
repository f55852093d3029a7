package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agrifin/internal/domain"
)

const runColumns = `id, since, until, started_at, finished_at, verified, corrected, unmatched, status, error`

func scanRun(row rowScanner) (*domain.ReconciliationRun, error) {
	var r domain.ReconciliationRun
	err := row.Scan(&r.ID, &r.Since, &r.Until, &r.StartedAt, &r.FinishedAt, &r.Verified, &r.Corrected, &r.Unmatched, &r.Status, &r.Error)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// LastCompletedRun returns the completed run with the latest window end.
func (s *Store) LastCompletedRun(ctx context.Context) (*domain.ReconciliationRun, error) {
	return scanRun(s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM reconciliation_runs
		WHERE status = 'completed'
		ORDER BY until DESC
		LIMIT 1
	`))
}

// CreateRun inserts a running reconciliation run.
func (s *Store) CreateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Since, run.Until, run.StartedAt, run.FinishedAt, run.Verified, run.Corrected, run.Unmatched, string(run.Status), run.Error)
	if err != nil {
		return fmt.Errorf("inserting reconciliation run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run *domain.ReconciliationRun) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE reconciliation_runs
		SET finished_at = $2, verified = $3, corrected = $4, unmatched = $5, status = $6, error = $7
		WHERE id = $1
	`, run.ID, run.FinishedAt, run.Verified, run.Corrected, run.Unmatched, string(run.Status), run.Error)
	if err != nil {
		return fmt.Errorf("finishing reconciliation run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const transactionColumns = `gateway_tx_id, phone, amount, operator, kind, occurred_at, subscriber_id, payment_id,
	status, note, run_id, recorded_at`

func scanTransaction(row rowScanner) (*domain.ExternalTransaction, error) {
	var tx domain.ExternalTransaction
	err := row.Scan(&tx.GatewayTxID, &tx.Phone, &tx.Amount, &tx.Operator, &tx.Kind, &tx.OccurredAt, &tx.SubscriberID, &tx.PaymentID,
		&tx.Status, &tx.Note, &tx.RunID, &tx.RecordedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// RecordExternalTransaction upserts a gateway transaction. A matched record
// is never downgraded.
func (s *Store) RecordExternalTransaction(ctx context.Context, tx *domain.ExternalTransaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO external_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (gateway_tx_id) DO UPDATE
		SET phone = EXCLUDED.phone,
			amount = EXCLUDED.amount,
			operator = EXCLUDED.operator,
			kind = EXCLUDED.kind,
			occurred_at = EXCLUDED.occurred_at,
			subscriber_id = EXCLUDED.subscriber_id,
			payment_id = EXCLUDED.payment_id,
			status = EXCLUDED.status,
			note = EXCLUDED.note,
			run_id = EXCLUDED.run_id,
			recorded_at = EXCLUDED.recorded_at
		WHERE external_transactions.status <> 'matched' OR EXCLUDED.status = 'matched'
	`, tx.GatewayTxID, tx.Phone, tx.Amount.Int64(), string(tx.Operator), string(tx.Kind), tx.OccurredAt, tx.SubscriberID, tx.PaymentID,
		string(tx.Status), tx.Note, tx.RunID, tx.RecordedAt)
	if err != nil {
		return fmt.Errorf("recording gateway transaction: %w", err)
	}
	return nil
}

// GetExternalTransaction returns a recorded gateway transaction.
func (s *Store) GetExternalTransaction(ctx context.Context, gatewayTxID string) (*domain.ExternalTransaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM external_transactions WHERE gateway_tx_id = $1`, gatewayTxID))
}

// ListUnmatchedTransactions returns unmatched gateway transactions, oldest
// first. A limit of zero returns all of them.
func (s *Store) ListUnmatchedTransactions(ctx context.Context, limit int) ([]*domain.ExternalTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM external_transactions WHERE status = 'unmatched' ORDER BY occurred_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unmatched transactions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ExternalTransaction, error) {
		return scanTransaction(row)
	})
}

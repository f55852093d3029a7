package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agrifin/internal/common/database"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

const commissionColumns = `id, actor_id, plantation_id, source_payment_id, kind, period, base_amount, rate,
	amount, late_days, penalty_applied, state, validated_by, validated_at, withdrawal_id, created_at, updated_at`

func scanCommission(row rowScanner) (*domain.Commission, error) {
	var c domain.Commission
	err := row.Scan(
		&c.ID, &c.ActorID, &c.PlantationID, &c.SourcePaymentID, &c.Kind, &c.Period, &c.BaseAmount, &c.Rate,
		&c.Amount, &c.LateDays, &c.PenaltyApplied, &c.State, &c.ValidatedBy, &c.ValidatedAt, &c.WithdrawalID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateCommission inserts a commission. A second commission of the same
// actor and kind for one source payment is domain.ErrAlreadyExists.
func (s *Store) CreateCommission(ctx context.Context, c *domain.Commission) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		c.ID, c.ActorID, c.PlantationID, c.SourcePaymentID, string(c.Kind), c.Period, c.BaseAmount.Int64(), c.Rate,
		c.Amount.Int64(), c.LateDays, c.PenaltyApplied, string(c.State), c.ValidatedBy, c.ValidatedAt, c.WithdrawalID,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("inserting commission: %w", err)
	}
	return nil
}

// GetCommission returns a commission.
func (s *Store) GetCommission(ctx context.Context, id string) (*domain.Commission, error) {
	return scanCommission(s.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, id))
}

// ListCommissions returns commissions oldest first. Empty filters match all.
func (s *Store) ListCommissions(ctx context.Context, actorID string, state domain.CommissionState) ([]*domain.Commission, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE ($1 = '' OR actor_id = $1) AND ($2 = '' OR state = $2)
		ORDER BY created_at, id
	`, actorID, string(state))
	if err != nil {
		return nil, fmt.Errorf("listing commissions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Commission, error) {
		return scanCommission(row)
	})
}

func updateCommission(ctx context.Context, q database.Querier, c *domain.Commission, expected domain.CommissionState) error {
	tag, err := q.Exec(ctx, `
		UPDATE commissions SET state = $2, validated_by = $3, validated_at = $4, withdrawal_id = $5, updated_at = $6
		WHERE id = $1 AND state = $7
	`, c.ID, string(c.State), c.ValidatedBy, c.ValidatedAt, c.WithdrawalID, c.UpdatedAt, string(expected))
	if err != nil {
		return fmt.Errorf("updating commission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, q, "commissions", c.ID)
	}
	return nil
}

// UpdateCommission persists c if the stored state still equals expected.
func (s *Store) UpdateCommission(ctx context.Context, c *domain.Commission, expected domain.CommissionState) error {
	return updateCommission(ctx, s.db, c, expected)
}

// ValidateCommission persists the validated c and credits the owner's wallet
// with a single upsert-increment.
func (s *Store) ValidateCommission(ctx context.Context, c *domain.Commission, expected domain.CommissionState) error {
	return database.Retry(ctx, retryAttempts, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := updateCommission(ctx, tx, c, expected); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO wallets (actor_id, balance, total_earned, total_withdrawn, updated_at)
				VALUES ($1, $2, $2, 0, $3)
				ON CONFLICT (actor_id) DO UPDATE
				SET balance = wallets.balance + EXCLUDED.balance,
					total_earned = wallets.total_earned + EXCLUDED.total_earned,
					updated_at = EXCLUDED.updated_at
			`, c.ActorID, c.Amount.Int64(), c.UpdatedAt)
			if err != nil {
				return fmt.Errorf("crediting wallet: %w", err)
			}
			return nil
		})
	})
}

// GetWallet returns a wallet.
func (s *Store) GetWallet(ctx context.Context, actorID string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.QueryRow(ctx, `
		SELECT actor_id, balance, total_earned, total_withdrawn, updated_at
		FROM wallets WHERE actor_id = $1
	`, actorID).Scan(&w.ActorID, &w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// Withdrawals

const withdrawalColumns = `id, actor_id, amount, method, payout_ref, state, decided_by, decided_at,
	rejection_reason, created_at, updated_at`

func scanWithdrawal(row rowScanner) (*domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	err := row.Scan(&w.ID, &w.ActorID, &w.Amount, &w.Method, &w.PayoutRef, &w.State, &w.DecidedBy, &w.DecidedAt,
		&w.RejectionReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateWithdrawal inserts a withdrawal request.
func (s *Store) CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, w.ID, w.ActorID, w.Amount.Int64(), string(w.Method), w.PayoutRef, string(w.State), w.DecidedBy, w.DecidedAt,
		w.RejectionReason, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("inserting withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawal returns a withdrawal request.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(s.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

// ListWithdrawals returns the withdrawals of an actor, newest first.
func (s *Store) ListWithdrawals(ctx context.Context, actorID string) ([]*domain.WithdrawalRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("listing withdrawals: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.WithdrawalRequest, error) {
		return scanWithdrawal(row)
	})
}

func updateWithdrawal(ctx context.Context, q database.Querier, w *domain.WithdrawalRequest, expected domain.WithdrawalState) error {
	tag, err := q.Exec(ctx, `
		UPDATE withdrawals SET state = $2, decided_by = $3, decided_at = $4, rejection_reason = $5, updated_at = $6
		WHERE id = $1 AND state = $7
	`, w.ID, string(w.State), w.DecidedBy, w.DecidedAt, w.RejectionReason, w.UpdatedAt, string(expected))
	if err != nil {
		return fmt.Errorf("updating withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, q, "withdrawals", w.ID)
	}
	return nil
}

// UpdateWithdrawal persists w if the stored state still equals expected.
func (s *Store) UpdateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) error {
	return updateWithdrawal(ctx, s.db, w, expected)
}

// ApproveWithdrawal approves w, debits the wallet only if the balance covers
// the amount and marks validated commissions paid, oldest first, once the
// actor's cumulative withdrawals cover them.
func (s *Store) ApproveWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) (int, error) {
	var paid int
	err := database.Retry(ctx, retryAttempts, func() error {
		paid = 0
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := updateWithdrawal(ctx, tx, w, expected); err != nil {
				return err
			}

			var withdrawn int64
			err := tx.QueryRow(ctx, `
				UPDATE wallets
				SET balance = balance - $2, total_withdrawn = total_withdrawn + $2, updated_at = $3
				WHERE actor_id = $1 AND balance >= $2
				RETURNING total_withdrawn
			`, w.ActorID, w.Amount.Int64(), w.UpdatedAt).Scan(&withdrawn)
			if database.IsNotFound(err) || database.IsCheckViolation(err) {
				return domain.ErrInsufficientBalance
			}
			if err != nil {
				return fmt.Errorf("debiting wallet: %w", err)
			}

			var settled int64
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(amount), 0) FROM commissions
				WHERE actor_id = $1 AND state = 'paid'
			`, w.ActorID).Scan(&settled); err != nil {
				return fmt.Errorf("summing paid commissions: %w", err)
			}

			rows, err := tx.Query(ctx, `
				SELECT id, amount FROM commissions
				WHERE actor_id = $1 AND state = 'validated'
				ORDER BY created_at, id
				FOR UPDATE
			`, w.ActorID)
			if err != nil {
				return fmt.Errorf("locking validated commissions: %w", err)
			}
			type due struct {
				id     string
				amount money.Amount
			}
			validated, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (due, error) {
				var d due
				err := row.Scan(&d.id, &d.amount)
				return d, err
			})
			if err != nil {
				return fmt.Errorf("reading validated commissions: %w", err)
			}

			amounts := make([]money.Amount, len(validated))
			for i, d := range validated {
				amounts[i] = d.amount
			}
			n := domain.SettledPrefix(amounts, money.Amount(settled), money.Amount(withdrawn))
			if n == 0 {
				return nil
			}
			ids := make([]string, n)
			for i, d := range validated[:n] {
				ids[i] = d.id
			}

			tag, err := tx.Exec(ctx, `
				UPDATE commissions SET state = 'paid', withdrawal_id = $2, updated_at = $3
				WHERE id = ANY($1) AND state = 'validated'
			`, ids, w.ID, w.UpdatedAt)
			if err != nil {
				return fmt.Errorf("marking commissions paid: %w", err)
			}
			paid = int(tag.RowsAffected())
			return nil
		})
	})
	return paid, err
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agrifin/internal/common/database"
	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

const paymentColumns = `id, plantation_id, kind, year, theoretical_amount, paid_amount, unit_price,
	promotion_name, proof_type, proof_ref, operator, gateway_tx_id, resubmission_of, state,
	created_by, validated_by, rejected_by, rejection_reason,
	created_at, proof_submitted_at, validated_at, rejected_at, updated_at`

const validatedAccessFeeIndex = "payments_validated_access_fee_key"

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.PlantationID, &p.Kind, &p.Year, &p.TheoreticalAmount, &p.PaidAmount, &p.UnitPrice,
		&p.PromotionName, &p.ProofType, &p.ProofRef, &p.Operator, &p.GatewayTxID, &p.ResubmissionOf, &p.State,
		&p.CreatedBy, &p.ValidatedBy, &p.RejectedBy, &p.RejectionReason,
		&p.CreatedAt, &p.ProofSubmittedAt, &p.ValidatedAt, &p.RejectedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Payment, error) {
		return scanPayment(row)
	})
}

// paymentWriteError maps constraint violations to domain errors.
func paymentWriteError(err error) error {
	switch {
	case database.IsUniqueViolation(err) && database.ConstraintName(err) == validatedAccessFeeIndex:
		return domain.ErrAccessFeeAlreadyValidated
	case database.IsUniqueViolation(err):
		return domain.ErrAlreadyExists
	case database.IsForeignKeyViolation(err):
		return domain.ErrNotFound
	}
	return err
}

func insertPayment(ctx context.Context, q database.Querier, p *domain.Payment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`,
		p.ID, p.PlantationID, string(p.Kind), p.Year, p.TheoreticalAmount.Int64(), p.PaidAmount.Int64(), p.UnitPrice.Int64(),
		p.PromotionName, string(p.ProofType), p.ProofRef, string(p.Operator), p.GatewayTxID, p.ResubmissionOf, string(p.State),
		p.CreatedBy, p.ValidatedBy, p.RejectedBy, p.RejectionReason,
		p.CreatedAt, p.ProofSubmittedAt, p.ValidatedAt, p.RejectedAt, p.UpdatedAt,
	)
	if err != nil {
		return paymentWriteError(err)
	}
	return nil
}

// updatePayment writes the mutable fields of p if its stored state is still
// expected.
func updatePayment(ctx context.Context, q database.Querier, p *domain.Payment, expected domain.PaymentState) error {
	tag, err := q.Exec(ctx, `
		UPDATE payments SET
			theoretical_amount = $2, paid_amount = $3, unit_price = $4, promotion_name = $5,
			proof_type = $6, proof_ref = $7, operator = $8, gateway_tx_id = $9, state = $10,
			validated_by = $11, rejected_by = $12, rejection_reason = $13,
			proof_submitted_at = $14, validated_at = $15, rejected_at = $16, updated_at = $17
		WHERE id = $1 AND state = $18
	`,
		p.ID, p.TheoreticalAmount.Int64(), p.PaidAmount.Int64(), p.UnitPrice.Int64(), p.PromotionName,
		string(p.ProofType), p.ProofRef, string(p.Operator), p.GatewayTxID, string(p.State),
		p.ValidatedBy, p.RejectedBy, p.RejectionReason,
		p.ProofSubmittedAt, p.ValidatedAt, p.RejectedAt, p.UpdatedAt, string(expected),
	)
	if err != nil {
		return paymentWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, q, "payments", p.ID)
	}
	return nil
}

// creditPlantation adds a validated contribution to the plantation total.
func creditPlantation(ctx context.Context, q database.Querier, p *domain.Payment) error {
	if p.State != domain.PaymentValidated || p.Kind != domain.PaymentContribution {
		return nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE plantations SET validated_total = validated_total + $2, updated_at = now()
		WHERE id = $1
	`, p.PlantationID, p.PaidAmount.Int64())
	if err != nil {
		return fmt.Errorf("crediting plantation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreatePayment inserts a payment.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return insertPayment(ctx, s.db, p)
}

// CreateValidatedPayment inserts an already validated payment and credits
// the plantation in one transaction.
func (s *Store) CreateValidatedPayment(ctx context.Context, p *domain.Payment) error {
	return database.Retry(ctx, retryAttempts, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := insertPayment(ctx, tx, p); err != nil {
				return err
			}
			return creditPlantation(ctx, tx, p)
		})
	})
}

// GetPayment returns a payment.
func (s *Store) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetPaymentByGatewayTx returns the payment carrying a gateway transaction.
func (s *Store) GetPaymentByGatewayTx(ctx context.Context, gatewayTxID string) (*domain.Payment, error) {
	if gatewayTxID == "" {
		return nil, domain.ErrNotFound
	}
	return scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_tx_id = $1`, gatewayTxID))
}

// ListPaymentsByPlantation returns the payments of a plantation, newest first.
func (s *Store) ListPaymentsByPlantation(ctx context.Context, plantationID string) ([]*domain.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE plantation_id = $1
		ORDER BY created_at DESC, id DESC
	`, plantationID)
}

// ListOpenPayments returns the payments awaiting validation on the
// subscriber's plantations, oldest first.
func (s *Store) ListOpenPayments(ctx context.Context, subscriberID string) ([]*domain.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE state IN ('pending', 'proof_provided', 'under_review')
		  AND plantation_id IN (SELECT id FROM plantations WHERE subscriber_id = $1)
		ORDER BY created_at, id
	`, subscriberID)
}

// ListUncommissionedPayments returns payments validated since the given
// time that no commission references, oldest first.
func (s *Store) ListUncommissionedPayments(ctx context.Context, since time.Time, limit int) ([]*domain.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments p
		WHERE p.state = 'validated' AND p.validated_at >= $1
		  AND NOT EXISTS (SELECT 1 FROM commissions c WHERE c.source_payment_id = p.id)
		ORDER BY p.validated_at, p.id
		LIMIT $2
	`, since, limit)
}

// HasValidatedAccessFee reports whether the plantation's access fee is paid.
func (s *Store) HasValidatedAccessFee(ctx context.Context, plantationID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE plantation_id = $1 AND kind = 'ACCESS_FEE' AND state = 'validated'
		)
	`, plantationID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking access fee: %w", err)
	}
	return ok, nil
}

// SumValidatedContributions recomputes the plantation total from payments.
func (s *Store) SumValidatedContributions(ctx context.Context, plantationID string) (money.Amount, error) {
	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(paid_amount), 0) FROM payments
		WHERE plantation_id = $1 AND kind = 'CONTRIBUTION' AND state = 'validated'
	`, plantationID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing contributions: %w", err)
	}
	return money.Amount(total), nil
}

// UpdatePayment persists p if the stored state still equals expected.
func (s *Store) UpdatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentState) error {
	return updatePayment(ctx, s.db, p, expected)
}

// ValidatePayment persists the validated p if the stored state still equals
// expected and credits the plantation in the same transaction.
func (s *Store) ValidatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentState) error {
	return database.Retry(ctx, retryAttempts, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := updatePayment(ctx, tx, p, expected); err != nil {
				return err
			}
			return creditPlantation(ctx, tx, p)
		})
	})
}

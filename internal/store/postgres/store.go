// Package postgres implements the service stores on PostgreSQL with pgx.
// Every state transition is a conditional UPDATE on the expected state and
// every wallet movement a single guarded statement.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"agrifin/internal/common/database"
	"agrifin/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string, logger *slog.Logger) error {
	return database.Migrate(databaseURL, migrations, "migrations", logger)
}

const retryAttempts = 3

// Store provides data access for every service.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// New creates a new store.
func New(db *database.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// missingOrConflict explains a conditional update that touched no row.
func missingOrConflict(ctx context.Context, q database.Querier, table, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrencyConflict
}

func notFound(err error) error {
	if database.IsNotFound(err) {
		return domain.ErrNotFound
	}
	return err
}

// Subscribers and plantations

// PutSubscriber inserts or replaces a subscriber.
func (s *Store) PutSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscribers (id, full_name, phone, salesperson_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name, phone = EXCLUDED.phone, salesperson_id = EXCLUDED.salesperson_id
	`, sub.ID, sub.FullName, domain.NormalizePhone(sub.Phone), sub.SalespersonID)
	if err != nil {
		return fmt.Errorf("upserting subscriber: %w", err)
	}
	return nil
}

// PutPlantation inserts or replaces a plantation. The validated total is
// owned by payment validation and never overwritten.
func (s *Store) PutPlantation(ctx context.Context, p *domain.Plantation) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO plantations (id, subscriber_id, hectares, signature_date, validated_total, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE
		SET subscriber_id = EXCLUDED.subscriber_id,
			hectares = EXCLUDED.hectares,
			signature_date = EXCLUDED.signature_date,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.SubscriberID, p.Hectares, p.SignatureDate, p.ValidatedTotal.Int64(), string(p.Status), now)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("subscriber %s: %w", p.SubscriberID, domain.ErrNotFound)
		}
		return fmt.Errorf("upserting plantation: %w", err)
	}
	return nil
}

const subscriberColumns = `id, full_name, phone, salesperson_id`

func scanSubscriber(row rowScanner) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	if err := row.Scan(&sub.ID, &sub.FullName, &sub.Phone, &sub.SalespersonID); err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// GetSubscriber returns a subscriber.
func (s *Store) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	return scanSubscriber(s.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
}

// FindSubscriberByPhone returns the subscriber with the normalized phone.
func (s *Store) FindSubscriberByPhone(ctx context.Context, phone string) (*domain.Subscriber, error) {
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return nil, domain.ErrNotFound
	}
	return scanSubscriber(s.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE phone = $1 ORDER BY id LIMIT 1`, phone))
}

const plantationColumns = `id, subscriber_id, hectares, signature_date, validated_total, status, created_at, updated_at`

func scanPlantation(row rowScanner) (*domain.Plantation, error) {
	var p domain.Plantation
	if err := row.Scan(&p.ID, &p.SubscriberID, &p.Hectares, &p.SignatureDate, &p.ValidatedTotal, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetPlantation returns a plantation.
func (s *Store) GetPlantation(ctx context.Context, id string) (*domain.Plantation, error) {
	return scanPlantation(s.db.QueryRow(ctx, `SELECT `+plantationColumns+` FROM plantations WHERE id = $1`, id))
}

// ListPlantationsBySubscriber returns the plantations of a subscriber.
func (s *Store) ListPlantationsBySubscriber(ctx context.Context, subscriberID string) ([]*domain.Plantation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+plantationColumns+` FROM plantations WHERE subscriber_id = $1 ORDER BY created_at, id`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("listing plantations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Plantation, error) {
		return scanPlantation(row)
	})
}

// Promotions

const promotionColumns = `id, name, reduced_price, normal_price, start_date, end_date, status, created_at, updated_at`

func scanPromotion(row rowScanner) (*domain.Promotion, error) {
	var p domain.Promotion
	if err := row.Scan(&p.ID, &p.Name, &p.ReducedPrice, &p.NormalPrice, &p.StartDate, &p.EndDate, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) queryPromotions(ctx context.Context, query string, args ...any) ([]*domain.Promotion, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing promotions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Promotion, error) {
		return scanPromotion(row)
	})
}

// PromotionsActiveAt returns the ACTIVE promotions covering the day of at.
func (s *Store) PromotionsActiveAt(ctx context.Context, at time.Time) ([]*domain.Promotion, error) {
	return s.queryPromotions(ctx, `
		SELECT `+promotionColumns+` FROM promotions
		WHERE status = 'ACTIVE' AND start_date <= $1 AND end_date >= $1
		ORDER BY start_date
	`, domain.Day(at))
}

// ActivePromotionsOverlapping returns the ACTIVE promotions sharing a day
// with [start, end].
func (s *Store) ActivePromotionsOverlapping(ctx context.Context, start, end time.Time) ([]*domain.Promotion, error) {
	return s.queryPromotions(ctx, `
		SELECT `+promotionColumns+` FROM promotions
		WHERE status = 'ACTIVE' AND start_date <= $2 AND end_date >= $1
		ORDER BY start_date
	`, domain.Day(start), domain.Day(end))
}

// ListPromotions returns every promotion.
func (s *Store) ListPromotions(ctx context.Context) ([]*domain.Promotion, error) {
	return s.queryPromotions(ctx, `SELECT `+promotionColumns+` FROM promotions ORDER BY start_date, id`)
}

// CreatePromotion inserts a promotion. The exclusion constraint rejects an
// ACTIVE promotion overlapping another.
func (s *Store) CreatePromotion(ctx context.Context, p *domain.Promotion) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO promotions (`+promotionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.ReducedPrice.Int64(), p.NormalPrice.Int64(), domain.Day(p.StartDate), domain.Day(p.EndDate), string(p.Status), p.CreatedAt, p.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case database.IsExclusionViolation(err):
		return fmt.Errorf("promotion %s overlaps an active promotion: %w", p.Name, domain.ErrConfigurationConflict)
	case database.IsUniqueViolation(err):
		return domain.ErrAlreadyExists
	}
	return fmt.Errorf("creating promotion: %w", err)
}

// GetPromotion returns a promotion.
func (s *Store) GetPromotion(ctx context.Context, id string) (*domain.Promotion, error) {
	return scanPromotion(s.db.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id))
}

// UpdatePromotionStatus moves a promotion from one status to another.
func (s *Store) UpdatePromotionStatus(ctx context.Context, id string, from, to domain.PromotionStatus, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE promotions SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		if database.IsExclusionViolation(err) {
			return fmt.Errorf("promotion %s overlaps an active promotion: %w", id, domain.ErrConfigurationConflict)
		}
		return fmt.Errorf("updating promotion status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, s.db, "promotions", id)
	}
	return nil
}

// ExpirePromotions marks ACTIVE promotions that ended before now as EXPIRED.
func (s *Store) ExpirePromotions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE promotions SET status = 'EXPIRED', updated_at = $2
		WHERE status = 'ACTIVE' AND end_date < $1
	`, domain.Day(now), now)
	if err != nil {
		return 0, fmt.Errorf("expiring promotions: %w", err)
	}
	return tag.RowsAffected(), nil
}

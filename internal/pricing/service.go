// Package pricing resolves the access-fee unit price under the promotion
// active at a given instant and administers promotions.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Config holds pricing configuration.
type Config struct {
	NormalUnitPrice int64 `envconfig:"PRICING_NORMAL_UNIT_PRICE" default:"30000"`
}

// Store persists promotions.
type Store interface {
	// PromotionsActiveAt returns ACTIVE promotions whose window contains the calendar day of at.
	PromotionsActiveAt(ctx context.Context, at time.Time) ([]*domain.Promotion, error)
	// ActivePromotionsOverlapping returns ACTIVE promotions sharing at least one day with [start, end].
	ActivePromotionsOverlapping(ctx context.Context, start, end time.Time) ([]*domain.Promotion, error)
	CreatePromotion(ctx context.Context, p *domain.Promotion) error
	GetPromotion(ctx context.Context, id string) (*domain.Promotion, error)
	UpdatePromotionStatus(ctx context.Context, id string, from, to domain.PromotionStatus, at time.Time) error
	ListPromotions(ctx context.Context) ([]*domain.Promotion, error)
	// ExpirePromotions flips ACTIVE promotions that ended before the day of now to EXPIRED.
	ExpirePromotions(ctx context.Context, now time.Time) (int64, error)
}

// Quote is the resolved access-fee price.
type Quote struct {
	UnitPrice        money.Amount `json:"unit_price"`
	PromotionApplied bool         `json:"promotion_applied"`
	PromotionName    string       `json:"promotion_name,omitempty"`
	Hectares         float64      `json:"hectares"`
	ResolvedAt       time.Time    `json:"resolved_at"`
}

// Service resolves prices and manages promotions.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewService creates a new pricing service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	return &Service{store: store, cfg: cfg, logger: logger}
}

// NormalPrice returns the configured price without promotion.
func (s *Service) NormalPrice() money.Amount {
	return money.Amount(s.cfg.NormalUnitPrice)
}

// Resolve returns the unit price applicable at now. Every call queries the
// store; two ACTIVE promotions covering now is a configuration conflict.
func (s *Service) Resolve(ctx context.Context, hectares float64, now time.Time) (*Quote, error) {
	if hectares < 0 {
		return nil, domain.NewValidationError("hectares", "must not be negative")
	}

	promos, err := s.store.PromotionsActiveAt(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("loading active promotions: %w", err)
	}

	quote := &Quote{Hectares: hectares, ResolvedAt: now.UTC()}
	switch len(promos) {
	case 0:
		quote.UnitPrice = s.NormalPrice()
	case 1:
		quote.UnitPrice = promos[0].ReducedPrice
		quote.PromotionApplied = true
		quote.PromotionName = promos[0].Name
	default:
		names := make([]string, 0, len(promos))
		for _, p := range promos {
			names = append(names, p.Name)
		}
		s.logger.Error("several active promotions cover the same day",
			"at", now,
			"promotions", strings.Join(names, ","),
		)
		return nil, fmt.Errorf("%w: %d active promotions on %s (%s)",
			domain.ErrConfigurationConflict, len(promos), domain.Day(now).Format(time.DateOnly), strings.Join(names, ", "))
	}
	return quote, nil
}

// CreatePromotionRequest is the request to create a promotion.
type CreatePromotionRequest struct {
	Name         string    `json:"name" validate:"required,max=120"`
	ReducedPrice int64     `json:"reduced_price" validate:"required,gt=0"`
	StartDate    time.Time `json:"start_date" validate:"required"`
	EndDate      time.Time `json:"end_date" validate:"required"`
	Status       string    `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE"`
}

// CreatePromotion validates and stores a promotion. An ACTIVE promotion may
// not overlap another ACTIVE one.
func (s *Service) CreatePromotion(ctx context.Context, req *CreatePromotionRequest) (*domain.Promotion, error) {
	status := domain.PromotionActive
	if req.Status != "" {
		parsed, err := domain.ParsePromotionStatus(req.Status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}

	promo, err := domain.NewPromotion(ulid.Make().String(), strings.TrimSpace(req.Name),
		money.Amount(req.ReducedPrice), s.NormalPrice(), req.StartDate, req.EndDate, status)
	if err != nil {
		return nil, err
	}

	if promo.Status == domain.PromotionActive {
		if err := s.checkOverlap(ctx, promo); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreatePromotion(ctx, promo); err != nil {
		return nil, fmt.Errorf("creating promotion: %w", err)
	}

	s.logger.Info("promotion created",
		"promotion_id", promo.ID,
		"name", promo.Name,
		"reduced_price", promo.ReducedPrice.Int64(),
		"status", promo.Status,
	)
	return promo, nil
}

// SetPromotionStatus changes the status of a promotion. Activation re-checks overlap.
func (s *Service) SetPromotionStatus(ctx context.Context, id string, status domain.PromotionStatus) (*domain.Promotion, error) {
	promo, err := s.store.GetPromotion(ctx, id)
	if err != nil {
		return nil, err
	}
	if promo.Status == status {
		return promo, nil
	}

	if status == domain.PromotionActive {
		if domain.Day(promo.EndDate).Before(domain.Day(time.Now())) {
			return nil, domain.NewValidationError("status", "cannot activate a promotion that already ended")
		}
		if err := s.checkOverlap(ctx, promo); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdatePromotionStatus(ctx, id, promo.Status, status, now); err != nil {
		return nil, fmt.Errorf("updating promotion status: %w", err)
	}

	s.logger.Info("promotion status changed",
		"promotion_id", id,
		"from", promo.Status,
		"to", status,
	)
	promo.Status = status
	promo.UpdatedAt = now
	return promo, nil
}

// ListPromotions returns every promotion.
func (s *Service) ListPromotions(ctx context.Context) ([]*domain.Promotion, error) {
	return s.store.ListPromotions(ctx)
}

// ExpirePromotions marks ended ACTIVE promotions EXPIRED.
func (s *Service) ExpirePromotions(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.ExpirePromotions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expiring promotions: %w", err)
	}
	if n > 0 {
		s.logger.Info("promotions expired", "count", n)
	}
	return n, nil
}

func (s *Service) checkOverlap(ctx context.Context, promo *domain.Promotion) error {
	existing, err := s.store.ActivePromotionsOverlapping(ctx, promo.StartDate, promo.EndDate)
	if err != nil {
		return fmt.Errorf("checking promotion overlap: %w", err)
	}
	for _, other := range existing {
		if other.ID == promo.ID {
			continue
		}
		return fmt.Errorf("%w: promotion %q overlaps active promotion %q",
			domain.ErrConfigurationConflict, promo.Name, other.Name)
	}
	return nil
}

package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Store reads the data a position is computed from.
type Store interface {
	GetPlantation(ctx context.Context, id string) (*domain.Plantation, error)
	SumValidatedContributions(ctx context.Context, plantationID string) (money.Amount, error)
}

// Service computes positions over stored plantations.
type Service struct {
	store    Store
	schedule Schedule
	logger   *slog.Logger
}

// NewService creates a new accrual service.
func NewService(store Store, schedule Schedule, logger *slog.Logger) *Service {
	return &Service{store: store, schedule: schedule, logger: logger}
}

// Schedule returns the configured schedule.
func (s *Service) Schedule() Schedule { return s.schedule }

// PlantationPosition is the position of a plantation together with the
// coverage of the amount being entered.
type PlantationPosition struct {
	PlantationID string    `json:"plantation_id"`
	Position     Position  `json:"position"`
	Coverage     *Coverage `json:"coverage,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
}

// PlantationPosition computes the position of a plantation at now.
func (s *Service) PlantationPosition(ctx context.Context, plantationID string, inProgress money.Amount, now time.Time) (*PlantationPosition, error) {
	if inProgress.IsNegative() {
		return nil, domain.NewValidationError("amount", "must not be negative")
	}

	plantation, err := s.store.GetPlantation(ctx, plantationID)
	if err != nil {
		return nil, fmt.Errorf("loading plantation %s: %w", plantationID, err)
	}

	validated, err := s.store.SumValidatedContributions(ctx, plantationID)
	if err != nil {
		return nil, fmt.Errorf("summing validated contributions: %w", err)
	}
	if validated != plantation.ValidatedTotal {
		s.logger.Warn("plantation running total differs from validated contributions",
			"plantation_id", plantationID,
			"running_total", plantation.ValidatedTotal.Int64(),
			"validated_sum", validated.Int64(),
		)
	}

	out := &PlantationPosition{
		PlantationID: plantationID,
		Position:     s.schedule.ComputePosition(plantation.SignatureDate, validated, inProgress, now),
		ComputedAt:   now.UTC(),
	}
	if inProgress.IsPositive() {
		cov := s.schedule.Classify(inProgress)
		out.Coverage = &cov
	}
	return out, nil
}

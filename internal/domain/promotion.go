package domain

import (
	"time"

	"agrifin/internal/common/money"
)

// PromotionStatus is the administrative status of a promotion.
type PromotionStatus string

const (
	PromotionActive   PromotionStatus = "ACTIVE"
	PromotionInactive PromotionStatus = "INACTIVE"
	PromotionExpired  PromotionStatus = "EXPIRED"
)

// ParsePromotionStatus rejects unknown statuses
func ParsePromotionStatus(s string) (PromotionStatus, error) {
	switch v := PromotionStatus(s); v {
	case PromotionActive, PromotionInactive, PromotionExpired:
		return v, nil
	}
	return "", NewValidationError("status", "unknown promotion status "+s)
}

// Promotion is a time-boxed reduced access-fee price.
// StartDate and EndDate are calendar days, both inclusive.
type Promotion struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ReducedPrice money.Amount    `json:"reduced_price"`
	NormalPrice  money.Amount    `json:"normal_price"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      time.Time       `json:"end_date"`
	Status       PromotionStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewPromotion validates and creates a promotion
func NewPromotion(id, name string, reduced, normal money.Amount, start, end time.Time, status PromotionStatus) (*Promotion, error) {
	if name == "" {
		return nil, NewValidationError("name", "is required")
	}
	if !reduced.IsPositive() {
		return nil, NewValidationError("reduced_price", "must be positive")
	}
	if reduced >= normal {
		return nil, NewValidationError("reduced_price", "must be lower than the normal price")
	}
	if Day(end).Before(Day(start)) {
		return nil, NewValidationError("end_date", "must not precede start_date")
	}

	now := time.Now().UTC()
	return &Promotion{
		ID:           id,
		Name:         name,
		ReducedPrice: reduced,
		NormalPrice:  normal,
		StartDate:    Day(start),
		EndDate:      Day(end),
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Covers reports whether the promotion window contains the calendar day of at
func (p *Promotion) Covers(at time.Time) bool {
	d := Day(at)
	return !d.Before(Day(p.StartDate)) && !d.After(Day(p.EndDate))
}

// AppliesAt reports whether the promotion is ACTIVE and within its window
func (p *Promotion) AppliesAt(at time.Time) bool {
	return p.Status == PromotionActive && p.Covers(at)
}

// Overlaps reports whether two promotion windows share at least one day
func (p *Promotion) Overlaps(other *Promotion) bool {
	return !Day(p.EndDate).Before(Day(other.StartDate)) && !Day(other.EndDate).Before(Day(p.StartDate))
}

// Day truncates t to its UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

package commission

import (
	"fmt"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Policy holds the commission rules. Rates are percentages.
type Policy struct {
	SubscriptionRate float64 `envconfig:"COMMISSION_RATE_SUBSCRIPTION" default:"10"`
	PaymentRate      float64 `envconfig:"COMMISSION_RATE_PAYMENT" default:"5"`
	FollowUpRate     float64 `envconfig:"COMMISSION_RATE_FOLLOW_UP" default:"5"`
	HarvestRate      float64 `envconfig:"COMMISSION_RATE_HARVEST" default:"3"`

	// Late days strictly above the threshold reduce the commission by PenaltyPercent.
	PenaltyThresholdDays int     `envconfig:"COMMISSION_PENALTY_THRESHOLD_DAYS" default:"3"`
	PenaltyPercent       float64 `envconfig:"COMMISSION_PENALTY_PERCENT" default:"20"`

	// Days a validator has between proof submission and validation.
	ValidationSLADays int `envconfig:"COMMISSION_VALIDATION_SLA_DAYS" default:"2"`
}

// DefaultPolicy returns the standard commission rules.
func DefaultPolicy() Policy {
	return Policy{
		SubscriptionRate:     10,
		PaymentRate:          5,
		FollowUpRate:         5,
		HarvestRate:          3,
		PenaltyThresholdDays: 3,
		PenaltyPercent:       20,
		ValidationSLADays:    2,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	for kind, rate := range map[string]float64{
		"subscription": p.SubscriptionRate,
		"payment":      p.PaymentRate,
		"follow_up":    p.FollowUpRate,
		"harvest":      p.HarvestRate,
	} {
		if rate <= 0 || rate > 100 {
			return fmt.Errorf("commission rate for %s must be within (0, 100], got %v", kind, rate)
		}
	}
	if p.PenaltyPercent < 0 || p.PenaltyPercent > 100 {
		return fmt.Errorf("penalty percent must be within [0, 100], got %v", p.PenaltyPercent)
	}
	if p.PenaltyThresholdDays < 0 || p.ValidationSLADays < 0 {
		return fmt.Errorf("penalty threshold and validation SLA must not be negative")
	}
	return nil
}

// RateFor returns the configured rate of a kind.
func (p Policy) RateFor(kind domain.CommissionKind) float64 {
	switch kind {
	case domain.CommissionSubscription:
		return p.SubscriptionRate
	case domain.CommissionPayment:
		return p.PaymentRate
	case domain.CommissionFollowUp:
		return p.FollowUpRate
	case domain.CommissionHarvest:
		return p.HarvestRate
	}
	return 0
}

// Compute applies the rate of kind and the late penalty to base.
func (p Policy) Compute(kind domain.CommissionKind, base money.Amount, lateDays int) (float64, domain.CommissionTerms) {
	rate := p.RateFor(kind)
	return rate, domain.ComputeCommission(base, rate, lateDays, p.PenaltyThresholdDays, p.PenaltyPercent)
}

// LateDays counts whole days between submission and validation beyond the SLA.
func (p Policy) LateDays(submitted *time.Time, validated time.Time) int {
	if submitted == nil || validated.Before(*submitted) {
		return 0
	}
	days := int(validated.Sub(*submitted).Hours() / 24)
	if late := days - p.ValidationSLADays; late > 0 {
		return late
	}
	return 0
}

// KindFor maps a validated payment kind to the commission it earns.
func KindFor(kind domain.PaymentKind) domain.CommissionKind {
	if kind == domain.PaymentAccessFee {
		return domain.CommissionSubscription
	}
	return domain.CommissionPayment
}

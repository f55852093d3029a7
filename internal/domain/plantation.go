// Package domain contains the records and state machines of the accrual engine.
package domain

import (
	"strings"
	"time"

	"agrifin/internal/common/money"
)

// PlantationStatus is the soft lifecycle status of a plantation.
type PlantationStatus string

const (
	PlantationActive     PlantationStatus = "active"
	PlantationSuspended  PlantationStatus = "suspended"
	PlantationTerminated PlantationStatus = "terminated"
)

// ParsePlantationStatus rejects unknown statuses
func ParsePlantationStatus(s string) (PlantationStatus, error) {
	switch v := PlantationStatus(s); v {
	case PlantationActive, PlantationSuspended, PlantationTerminated:
		return v, nil
	}
	return "", NewValidationError("status", "unknown plantation status "+s)
}

// Subscriber is the contract holder. The engine only reads it.
type Subscriber struct {
	ID            string `json:"id"`
	FullName      string `json:"full_name"`
	Phone         string `json:"phone"`
	SalespersonID string `json:"salesperson_id,omitempty"`
}

// Plantation is a subscribed parcel of land.
type Plantation struct {
	ID             string           `json:"id"`
	SubscriberID   string           `json:"subscriber_id"`
	Hectares       float64          `json:"hectares"`
	SignatureDate  time.Time        `json:"signature_date"`
	ValidatedTotal money.Amount     `json:"validated_total"`
	Status         PlantationStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// AcceptsPayments reports whether new payments may be recorded
func (p *Plantation) AcceptsPayments() bool {
	return p.Status != PlantationTerminated
}

// NormalizePhone keeps the digits of a phone number and drops the
// international prefix for Côte d'Ivoire so local and E.164 forms compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	digits = strings.TrimPrefix(digits, "00")
	if len(digits) > 10 && strings.HasPrefix(digits, "225") {
		digits = digits[3:]
	}
	return digits
}

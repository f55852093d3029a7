// Package accrual computes theoretical contribution dues, the arrears or
// advance position of a plantation, and the coverage of a contribution amount.
package accrual

import (
	"fmt"
	"math"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Schedule holds the contribution rates.
type Schedule struct {
	DailyRate        int64   `envconfig:"ACCRUAL_DAILY_RATE" default:"65"`
	MonthlyAmount    int64   `envconfig:"ACCRUAL_MONTHLY_AMOUNT" default:"1900"`
	QuarterlyAmount  int64   `envconfig:"ACCRUAL_QUARTERLY_AMOUNT" default:"5500"`
	AnnualAmount     int64   `envconfig:"ACCRUAL_ANNUAL_AMOUNT" default:"20000"`
	AverageMonthDays float64 `envconfig:"ACCRUAL_AVERAGE_MONTH_DAYS" default:"29.2"`
}

// DefaultSchedule returns the standard contribution schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		DailyRate:        65,
		MonthlyAmount:    1900,
		QuarterlyAmount:  5500,
		AnnualAmount:     20000,
		AverageMonthDays: 29.2,
	}
}

// Rate returns the daily rate as an amount.
func (s Schedule) Rate() money.Amount { return money.Amount(s.DailyRate) }

// Validate checks the schedule is usable.
func (s Schedule) Validate() error {
	if s.DailyRate <= 0 {
		return fmt.Errorf("daily rate must be positive, got %d", s.DailyRate)
	}
	if s.MonthlyAmount <= 0 || s.QuarterlyAmount <= 0 || s.AnnualAmount <= 0 {
		return fmt.Errorf("canonical contribution amounts must be positive")
	}
	if s.AverageMonthDays <= 0 {
		return fmt.Errorf("average month length must be positive, got %v", s.AverageMonthDays)
	}
	return nil
}

// Standing is the sign of a plantation's position.
type Standing string

const (
	StandingArrears Standing = "arrears"
	StandingAdvance Standing = "advance"
	StandingCurrent Standing = "current"
)

// Position is the arrears or advance of a plantation at an instant.
type Position struct {
	ElapsedDays    int64        `json:"elapsed_days"`
	Theoretical    money.Amount `json:"theoretical"`
	ValidatedTotal money.Amount `json:"validated_total"`
	InProgress     money.Amount `json:"in_progress"`
	Delta          money.Amount `json:"delta"`
	Standing       Standing     `json:"standing"`

	// Populated unless Standing is current
	Days          int64 `json:"days,omitempty"`
	Months        int64 `json:"months,omitempty"`
	RemainderDays int64 `json:"remainder_days,omitempty"`
	// Advance only
	Years           int64 `json:"years,omitempty"`
	RemainingMonths int64 `json:"remaining_months,omitempty"`

	Message string `json:"message"`
}

// ElapsedDays counts started days between signature and now, rounded up.
// A signature in the future yields zero.
func ElapsedDays(signature, now time.Time) int64 {
	hours := now.Sub(signature).Hours()
	if hours <= 0 {
		return 0
	}
	return int64(math.Ceil(hours / 24))
}

// ComputePosition derives the position from the signature date, the validated
// contribution total and an amount being entered.
func (s Schedule) ComputePosition(signature time.Time, validated, inProgress money.Amount, now time.Time) Position {
	days := ElapsedDays(signature, now)
	theoretical := s.Rate().Multiply(days)
	delta := theoretical - (validated + inProgress)

	pos := Position{
		ElapsedDays:    days,
		Theoretical:    theoretical,
		ValidatedTotal: validated,
		InProgress:     inProgress,
		Delta:          delta,
	}

	if delta.IsZero() {
		pos.Standing = StandingCurrent
		pos.Message = "contributions are up to date"
		return pos
	}

	pos.Days = delta.Abs().Units(s.Rate())
	pos.Months = int64(math.Floor(float64(pos.Days) / s.AverageMonthDays))
	pos.RemainderDays = int64(math.Floor(float64(pos.Days) - float64(pos.Months)*s.AverageMonthDays))

	if delta.IsPositive() {
		pos.Standing = StandingArrears
		pos.Message = fmt.Sprintf("%s in arrears (%s)", delta, spell(0, pos.Months, pos.RemainderDays))
		return pos
	}

	pos.Standing = StandingAdvance
	pos.Years = pos.Months / 12
	pos.RemainingMonths = pos.Months % 12
	pos.Message = fmt.Sprintf("%s in advance (%s)", delta.Abs(), spell(pos.Years, pos.RemainingMonths, pos.RemainderDays))
	return pos
}

// Unit is the canonical period a contribution amount is counted in.
type Unit string

const (
	UnitYear    Unit = "year"
	UnitQuarter Unit = "quarter"
	UnitMonth   Unit = "month"
	UnitDay     Unit = "day"
)

// Coverage is the classification of a contribution amount.
type Coverage struct {
	Amount  money.Amount `json:"amount"`
	Valid   bool         `json:"valid"`
	Unit    Unit         `json:"unit,omitempty"`
	Count   int64        `json:"count,omitempty"`
	Exact   bool         `json:"exact"`
	Label   string       `json:"label"`
	Message string       `json:"message"`
}

// Classify reports which canonical period an amount covers. Larger periods
// win when the amount divides by several.
func (s Schedule) Classify(amount money.Amount) Coverage {
	cov := Coverage{Amount: amount}
	if !amount.IsPositive() {
		cov.Message = "amount must be positive"
		return cov
	}

	units := []struct {
		unit  Unit
		value money.Amount
	}{
		{UnitYear, money.Amount(s.AnnualAmount)},
		{UnitQuarter, money.Amount(s.QuarterlyAmount)},
		{UnitMonth, money.Amount(s.MonthlyAmount)},
		{UnitDay, s.Rate()},
	}

	for _, u := range units {
		if amount == u.value {
			return cov.with(u.unit, 1, true)
		}
	}
	for _, u := range units {
		if amount.IsMultipleOf(u.value) {
			return cov.with(u.unit, amount.Units(u.value), false)
		}
	}

	cov.Message = fmt.Sprintf("must be a multiple of %d", s.DailyRate)
	return cov
}

func (c Coverage) with(unit Unit, count int64, exact bool) Coverage {
	c.Valid = true
	c.Unit = unit
	c.Count = count
	c.Exact = exact
	c.Label = plural(count, string(unit))
	c.Message = "covers " + c.Label
	return c
}

// Validate returns a ValidationError for an invalid classification.
func (c Coverage) Validate() error {
	if c.Valid {
		return nil
	}
	return domain.NewValidationError("amount", c.Message)
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func spell(years, months, days int64) string {
	var parts []string
	if years > 0 {
		parts = append(parts, plural(years, "year"))
	}
	if months > 0 {
		parts = append(parts, plural(months, "month"))
	}
	if days > 0 || len(parts) == 0 {
		parts = append(parts, plural(days, "day"))
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		if i == len(parts)-1 {
			out += " and " + parts[i]
		} else {
			out += ", " + parts[i]
		}
	}
	return out
}

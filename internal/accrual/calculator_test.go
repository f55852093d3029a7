package accrual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

func TestClassify(t *testing.T) {
	s := DefaultSchedule()

	cases := []struct {
		amount money.Amount
		label  string
		exact  bool
	}{
		{20000, "1 year", true},
		{40000, "2 years", false},
		{5500, "1 quarter", true},
		{11000, "2 quarters", false},
		{1900, "1 month", true},
		{3800, "2 months", false},
		{65, "1 day", true},
		{130, "2 days", false},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			cov := s.Classify(tc.amount)
			require.True(t, cov.Valid)
			assert.Equal(t, tc.label, cov.Label)
			assert.Equal(t, tc.exact, cov.Exact)
			assert.NoError(t, cov.Validate())
			// classification is stable
			assert.Equal(t, cov, s.Classify(tc.amount))
		})
	}
}

func TestClassifyRejectsNonMultiple(t *testing.T) {
	s := DefaultSchedule()

	cov := s.Classify(100)
	assert.False(t, cov.Valid)
	assert.Equal(t, "must be a multiple of 65", cov.Message)
	err := cov.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	assert.False(t, s.Classify(0).Valid)
	assert.False(t, s.Classify(-65).Valid)
}

func TestClassifyPrefersLargerUnits(t *testing.T) {
	s := DefaultSchedule()
	// 110000 divides by 20000? no; by 5500 yes, by 1900 no
	assert.Equal(t, UnitQuarter, s.Classify(110000).Unit)
	// 60000 is 3 years even though it also divides by quarters
	cov := s.Classify(60000)
	assert.Equal(t, UnitYear, cov.Unit)
	assert.EqualValues(t, 3, cov.Count)
}

func TestElapsedDays(t *testing.T) {
	sig := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.EqualValues(t, 0, ElapsedDays(sig, sig))
	assert.EqualValues(t, 0, ElapsedDays(sig, sig.Add(-time.Hour)))
	assert.EqualValues(t, 1, ElapsedDays(sig, sig.Add(time.Minute)))
	assert.EqualValues(t, 1, ElapsedDays(sig, sig.Add(24*time.Hour)))
	assert.EqualValues(t, 2, ElapsedDays(sig, sig.Add(25*time.Hour)))
}

func TestComputePositionArrears(t *testing.T) {
	s := DefaultSchedule()
	sig := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := sig.AddDate(0, 0, 100)

	pos := s.ComputePosition(sig, 1300, 0, now)
	assert.EqualValues(t, 100, pos.ElapsedDays)
	assert.EqualValues(t, 6500, pos.Theoretical)
	assert.EqualValues(t, 5200, pos.Delta)
	assert.Equal(t, StandingArrears, pos.Standing)
	assert.EqualValues(t, 80, pos.Days)
	// 80 / 29.2 = 2.74
	assert.EqualValues(t, 2, pos.Months)
	// 80 - 58.4 = 21.6
	assert.EqualValues(t, 21, pos.RemainderDays)
	assert.Zero(t, pos.Years)
	assert.Contains(t, pos.Message, "arrears")
}

func TestComputePositionAdvance(t *testing.T) {
	s := DefaultSchedule()
	sig := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := sig.AddDate(0, 0, 10)

	pos := s.ComputePosition(sig, 40000, 0, now)
	assert.Equal(t, StandingAdvance, pos.Standing)
	assert.EqualValues(t, -39350, pos.Delta)
	assert.EqualValues(t, 605, pos.Days)
	// 605 / 29.2 = 20.7 months
	assert.EqualValues(t, 20, pos.Months)
	assert.EqualValues(t, 1, pos.Years)
	assert.EqualValues(t, 8, pos.RemainingMonths)
	assert.Contains(t, pos.Message, "advance")
}

func TestComputePositionCurrent(t *testing.T) {
	s := DefaultSchedule()
	sig := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := sig.AddDate(0, 0, 2)

	pos := s.ComputePosition(sig, 65, 65, now)
	assert.Equal(t, StandingCurrent, pos.Standing)
	assert.Zero(t, pos.Days)
}

func TestPositionSignIsConsistent(t *testing.T) {
	s := DefaultSchedule()
	sig := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for paid := money.Amount(0); paid <= 40000; paid += 650 {
		pos := s.ComputePosition(sig, paid, 0, now)
		switch {
		case pos.Delta.IsPositive():
			assert.Equal(t, StandingArrears, pos.Standing)
		case pos.Delta.IsNegative():
			assert.Equal(t, StandingAdvance, pos.Standing)
		default:
			assert.Equal(t, StandingCurrent, pos.Standing)
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	assert.NoError(t, DefaultSchedule().Validate())
	bad := DefaultSchedule()
	bad.AverageMonthDays = 0
	assert.Error(t, bad.Validate())
}

package domain

import (
	"errors"
	"testing"
	"time"

	"agrifin/internal/common/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCommission(t *testing.T) {
	terms := ComputeCommission(20000, 10, 0, 3, 50)
	assert.EqualValues(t, 2000, terms.Amount)
	assert.False(t, terms.PenaltyApplied)

	// at the threshold no penalty
	terms = ComputeCommission(20000, 10, 3, 3, 50)
	assert.False(t, terms.PenaltyApplied)

	terms = ComputeCommission(20000, 10, 4, 3, 50)
	assert.EqualValues(t, 1000, terms.Amount)
	assert.True(t, terms.PenaltyApplied)

	terms = ComputeCommission(1950, 5, 10, 3, 20)
	// 97.5 rounds to 98, reduced by 20% to 78.4
	assert.EqualValues(t, 78, terms.Amount)
}

func TestNewCommissionValidation(t *testing.T) {
	terms := CommissionTerms{Amount: 100}
	_, err := NewCommission("c-1", "", CommissionHarvest, "2026-03", 1000, 10, 0, terms)
	assert.True(t, IsValidation(err))
	_, err = NewCommission("c-1", "sales-1", CommissionHarvest, "2026-3", 1000, 10, 0, terms)
	assert.True(t, IsValidation(err))
	_, err = NewCommission("c-1", "sales-1", CommissionHarvest, "2026-03", 1000, 0, 0, terms)
	assert.True(t, IsValidation(err))

	c, err := NewCommission("c-1", "sales-1", CommissionHarvest, "2026-03", 1000, 10, -2, terms)
	require.NoError(t, err)
	assert.Equal(t, 0, c.LateDays)
	assert.Equal(t, CommissionPending, c.State)
}

func TestCommissionTransitions(t *testing.T) {
	now := time.Now()
	c, err := NewCommission("c-1", "sales-1", CommissionPayment, Period(now), 1950, 5, 0, CommissionTerms{Amount: 98})
	require.NoError(t, err)

	assert.True(t, errors.Is(c.MarkPaid("w-1", now), ErrConcurrencyConflict))
	require.NoError(t, c.Validate("manager-1", now))
	assert.True(t, errors.Is(c.Validate("manager-2", now), ErrConcurrencyConflict))
	assert.True(t, errors.Is(c.Cancel(now), ErrConcurrencyConflict))
	require.NoError(t, c.MarkPaid("w-1", now))
	assert.Equal(t, CommissionPaid, c.State)
	assert.Equal(t, "w-1", c.WithdrawalID)
}

func TestWithdrawalTransitions(t *testing.T) {
	now := time.Now()
	_, err := NewWithdrawalRequest("w-1", "sales-1", 500, PayoutMobileMoney, "")
	assert.True(t, IsValidation(err))

	w, err := NewWithdrawalRequest("w-1", "sales-1", 500, PayoutMobileMoney, "0700000000")
	require.NoError(t, err)
	assert.True(t, IsValidation(w.Reject("finance-1", " ", now)))
	require.NoError(t, w.Approve("finance-1", now))
	assert.True(t, errors.Is(w.Reject("finance-1", "late", now), ErrConcurrencyConflict))
}

func TestSettledPrefix(t *testing.T) {
	amounts := []money.Amount{500, 500, 1000}
	assert.Equal(t, 0, SettledPrefix(amounts, 0, 400))
	assert.Equal(t, 1, SettledPrefix(amounts, 0, 700))
	assert.Equal(t, 2, SettledPrefix(amounts, 0, 1000))
	// 500 already paid, 1000 withdrawn in total
	assert.Equal(t, 1, SettledPrefix(amounts[1:], 500, 1000))
	assert.Equal(t, 3, SettledPrefix(amounts, 0, 5000))
	assert.Equal(t, 0, SettledPrefix(nil, 0, 5000))
}

func TestPromotionWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	p, err := NewPromotion("p-1", "New year", 20000, 30000, start, end, PromotionActive)
	require.NoError(t, err)

	assert.True(t, p.AppliesAt(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.AppliesAt(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	p.Status = PromotionInactive
	assert.False(t, p.AppliesAt(start))

	q, err := NewPromotion("p-2", "February", 25000, 30000, end, end.AddDate(0, 1, 0), PromotionActive)
	require.NoError(t, err)
	assert.True(t, p.Overlaps(q))
	assert.True(t, q.Overlaps(p))

	_, err = NewPromotion("p-3", "Bad", 30000, 30000, start, end, PromotionActive)
	assert.True(t, IsValidation(err))
	_, err = NewPromotion("p-4", "Bad", 20000, 30000, end, start, PromotionActive)
	assert.True(t, IsValidation(err))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "0707070707", NormalizePhone("+225 07 07 07 07 07"))
	assert.Equal(t, "0707070707", NormalizePhone("00225-0707070707"))
	assert.Equal(t, "0707070707", NormalizePhone("07 07 07 07 07"))
}

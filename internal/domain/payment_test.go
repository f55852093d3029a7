package domain

import (
	"errors"
	"testing"
	"time"

	"agrifin/internal/common/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContribution(t *testing.T, amount int64) *Payment {
	t.Helper()
	p, err := NewPayment("pay-1", "plt-1", PaymentContribution, money.Amount(amount), 2026, "agent-1")
	require.NoError(t, err)
	return p
}

func TestPaymentHappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := newContribution(t, 1950)

	require.NoError(t, p.AttachProof(ProofTransactionID, " TX-123 ", OperatorWave, now))
	assert.Equal(t, PaymentProofProvided, p.State)
	assert.Equal(t, "TX-123", p.ProofRef)
	require.NotNil(t, p.ProofSubmittedAt)

	require.NoError(t, p.SubmitForReview(now))
	assert.Equal(t, PaymentUnderReview, p.State)

	require.NoError(t, p.Validate("backoffice-1", 65, now.Add(time.Hour)))
	assert.Equal(t, PaymentValidated, p.State)
	assert.Equal(t, "backoffice-1", p.ValidatedBy)
	assert.Equal(t, "TX-123", p.GatewayTxID)
	assert.True(t, p.IsTerminal())
	assert.True(t, p.CountsTowardArrears())
}

func TestPaymentProofGuards(t *testing.T) {
	now := time.Now()
	p := newContribution(t, 65)

	err := p.AttachProof(ProofReceipt, "  ", "", now)
	assert.True(t, IsValidation(err))

	err = p.AttachProof(ProofTransactionID, "TX-1", "", now)
	assert.True(t, IsValidation(err))
	assert.Equal(t, PaymentPending, p.State)

	require.NoError(t, p.AttachProof(ProofReceipt, "https://files/receipt.jpg", "", now))
	err = p.AttachProof(ProofReceipt, "other", "", now)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
}

func TestRejectedPaymentCannotBeValidated(t *testing.T) {
	now := time.Now()
	p := newContribution(t, 130)
	require.NoError(t, p.AttachProof(ProofReceipt, "r-1", "", now))
	require.NoError(t, p.SubmitForReview(now))

	assert.True(t, IsValidation(p.Reject("backoffice-1", "", now)))
	require.NoError(t, p.Reject("backoffice-1", "blurry receipt", now))
	assert.Equal(t, PaymentRejected, p.State)
	assert.Empty(t, p.GatewayTxID)

	err := p.Validate("backoffice-2", 65, now)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.Equal(t, PaymentRejected, p.State)
}

func TestPaymentValidateRequiresActor(t *testing.T) {
	now := time.Now()
	p := newContribution(t, 65)
	require.NoError(t, p.AttachProof(ProofReceipt, "r-1", "", now))
	require.NoError(t, p.SubmitForReview(now))
	assert.True(t, IsValidation(p.Validate("", 65, now)))
	assert.Equal(t, PaymentUnderReview, p.State)
}

func TestPaymentCheckAmount(t *testing.T) {
	contribution := newContribution(t, 100)
	err := contribution.CheckAmount(65)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a multiple of 65")

	contribution.PaidAmount = 130
	assert.NoError(t, contribution.CheckAmount(65))

	fee, err := NewPayment("pay-2", "plt-1", PaymentAccessFee, 20000, 2026, "agent-1")
	require.NoError(t, err)
	fee.UnitPrice = 30000
	assert.True(t, IsValidation(fee.CheckAmount(65)))
	fee.UnitPrice = 20000
	assert.NoError(t, fee.CheckAmount(65))
	assert.False(t, fee.CountsTowardArrears())
}

func TestParseEnums(t *testing.T) {
	k, err := ParsePaymentKind("contribution")
	require.NoError(t, err)
	assert.Equal(t, PaymentContribution, k)

	_, err = ParsePaymentKind("DONATION")
	assert.True(t, IsValidation(err))
	_, err = ParsePaymentState("approved")
	assert.True(t, IsValidation(err))
	_, err = ParseOperator("paypal")
	assert.True(t, IsValidation(err))
	op, err := ParseOperator("")
	require.NoError(t, err)
	assert.Equal(t, Operator(""), op)
	_, err = ParsePayoutMethod("crypto")
	assert.True(t, IsValidation(err))
}

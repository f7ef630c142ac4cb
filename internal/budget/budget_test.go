package budget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestChargeAccrues(t *testing.T) {
	tr := NewTracker(d("10.00"), 0)

	assert.Equal(t, "4", tr.Charge(d("4.00")).String())
	assert.Equal(t, "8", tr.Charge(d("4.00")).String())
	assert.Equal(t, "8", tr.Spend().String())
	assert.Equal(t, "2", tr.RemainingSpend().String())
}

func TestChargeClampsNegative(t *testing.T) {
	tr := NewTracker(d("10.00"), 0)
	tr.Charge(d("5.00"))
	assert.Equal(t, "5", tr.Charge(d("-3.00")).String())
}

func TestPreAuthorizeQuota(t *testing.T) {
	// Budget of 10.00 admits two 4.00 operations and rejects the third.
	tr := NewTracker(d("10.00"), 0)

	require.NoError(t, tr.PreAuthorize(d("4.00")))
	tr.Charge(d("4.00"))
	tr.Release(d("4.00"))
	require.NoError(t, tr.PreAuthorize(d("4.00")))
	tr.Charge(d("4.00"))
	tr.Release(d("4.00"))

	err := tr.PreAuthorize(d("4.00"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// The rejection is sticky: the budget reports exceeded even though the
	// running total (8.00) is below the ceiling.
	assert.ErrorIs(t, tr.Exceeded(), ErrExceeded)
	assert.Equal(t, "8", tr.Spend().String())
}

func TestReservationsCountAgainstQuota(t *testing.T) {
	// In-flight reservations block concurrent over-commitment even before
	// any actual charge lands.
	tr := NewTracker(d("10.00"), 0)

	require.NoError(t, tr.PreAuthorize(d("4.00")))
	require.NoError(t, tr.PreAuthorize(d("4.00")))
	assert.ErrorIs(t, tr.PreAuthorize(d("4.00")), ErrQuotaExceeded)

	// Releasing without spending frees the reservation, but the earlier
	// rejection already marked the budget breached.
	tr.Release(d("4.00"))
	tr.Release(d("4.00"))
	assert.ErrorIs(t, tr.Exceeded(), ErrExceeded)
}

func TestExceededBySpend(t *testing.T) {
	tr := NewTracker(d("10.00"), 0)
	assert.NoError(t, tr.Exceeded())

	tr.Charge(d("10.00"))
	assert.ErrorIs(t, tr.Exceeded(), ErrExceeded)
}

func TestExceededByTime(t *testing.T) {
	tr := NewTracker(d("100.00"), time.Nanosecond)
	time.Sleep(time.Millisecond)
	tr.Tick()
	assert.ErrorIs(t, tr.Exceeded(), ErrExceeded)
}

func TestRemainingTime(t *testing.T) {
	tr := NewTracker(d("1.00"), time.Hour)
	tr.Tick()
	rem := tr.RemainingTime()
	assert.Greater(t, rem, 59*time.Minute)
	assert.LessOrEqual(t, rem, time.Hour)

	unbounded := NewTracker(d("1.00"), 0)
	assert.Equal(t, time.Duration(0), unbounded.RemainingTime())
}

func TestExactAccumulation(t *testing.T) {
	// 0.1 charged ten times is exactly 1, not 0.9999999999.
	tr := NewTracker(d("100.00"), 0)
	for i := 0; i < 10; i++ {
		tr.Charge(d("0.1"))
	}
	assert.True(t, tr.Spend().Equal(d("1")))
}

// Package budget tracks a session's spend and elapsed time against the
// ceilings declared in its mission.
//
// Amounts are exact decimals so repeated small charges never drift. A quota
// rejection is sticky: once a pre-authorization fails, the tracker reports
// the budget as exhausted until the session ends.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrExceeded indicates the session crossed its spend or time ceiling.
	ErrExceeded = errors.New("budget exceeded")

	// ErrQuotaExceeded indicates a pre-authorization would cross the spend
	// ceiling, so the operation must not be dispatched.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Tracker accounts spend and wall-clock time for one session.
type Tracker struct {
	mu       sync.Mutex
	start    time.Time
	spend    decimal.Decimal
	reserved decimal.Decimal
	elapsed  time.Duration
	maxSpend decimal.Decimal
	maxTime  time.Duration
	breached bool
}

// NewTracker creates a tracker with the given ceilings. A zero maxTime
// disables the time ceiling.
func NewTracker(maxSpend decimal.Decimal, maxTime time.Duration) *Tracker {
	return &Tracker{
		start:    time.Now(),
		spend:    decimal.Zero,
		reserved: decimal.Zero,
		maxSpend: maxSpend,
		maxTime:  maxTime,
	}
}

// Charge records actual cost and returns the new running total. Negative
// amounts are clamped to zero; a provider cannot refund budget.
func (t *Tracker) Charge(amount decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	if amount.IsNegative() {
		amount = decimal.Zero
	}
	t.spend = t.spend.Add(amount)
	return t.spend
}

// PreAuthorize checks whether a declared cost hint fits in the remaining
// budget, counting reservations held by calls still in flight. On success
// the hint is reserved until Release. On rejection the tracker is marked
// breached so the session fails at its next safe point rather than limping
// on.
func (t *Tracker) PreAuthorize(hint decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hint.IsNegative() {
		hint = decimal.Zero
	}
	committed := t.spend.Add(t.reserved)
	if committed.Add(hint).GreaterThan(t.maxSpend) {
		t.breached = true
		return fmt.Errorf("%w: committed %s, hint %s, ceiling %s",
			ErrQuotaExceeded, committed.String(), hint.String(), t.maxSpend.String())
	}
	t.reserved = t.reserved.Add(hint)
	return nil
}

// Release returns a pre-authorized hint once its call has settled.
func (t *Tracker) Release(hint decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hint.IsNegative() {
		hint = decimal.Zero
	}
	t.reserved = t.reserved.Sub(hint)
	if t.reserved.IsNegative() {
		t.reserved = decimal.Zero
	}
}

// Tick refreshes the elapsed-time measurement.
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = time.Since(t.start)
}

// Exceeded reports whether the session crossed any ceiling. It returns nil
// while the budget holds and ErrExceeded once it does not.
func (t *Tracker) Exceeded() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.breached {
		return fmt.Errorf("%w: quota pre-authorization rejected", ErrExceeded)
	}
	if t.spend.GreaterThanOrEqual(t.maxSpend) && t.maxSpend.IsPositive() {
		return fmt.Errorf("%w: spent %s of %s", ErrExceeded, t.spend.String(), t.maxSpend.String())
	}
	if t.maxTime > 0 && t.elapsed >= t.maxTime {
		return fmt.Errorf("%w: elapsed %s of %s", ErrExceeded, t.elapsed, t.maxTime)
	}
	return nil
}

// Spend returns the running total.
func (t *Tracker) Spend() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spend
}

// RemainingSpend returns the unspent budget, never negative.
func (t *Tracker) RemainingSpend() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	rem := t.maxSpend.Sub(t.spend)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// RemainingTime returns the unspent wall-clock allowance, never negative.
// A zero maxTime reports zero.
func (t *Tracker) RemainingTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxTime == 0 {
		return 0
	}
	rem := t.maxTime - t.elapsed
	if rem < 0 {
		return 0
	}
	return rem
}

// Elapsed returns the last measured elapsed time.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

package offering

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrDepositBelowMinimum is returned when a single deposit is smaller
	// than the per-transaction minimum.
	ErrDepositBelowMinimum = errors.New("offering: deposit below minimum")

	// ErrDepositAboveMaximum is returned when a single deposit is larger
	// than the per-transaction maximum.
	ErrDepositAboveMaximum = errors.New("offering: deposit above maximum")

	// ErrCapExceeded is returned when a deposit would take the offering past
	// its global cap.
	ErrCapExceeded = errors.New("offering: cap exceeded")
)

// Limits enforces per-transaction bounds and the global cap. Bounds are
// inclusive: a deposit of exactly MinDeposit or MaxDeposit is accepted.
type Limits struct {
	MinDeposit *uint256.Int
	MaxDeposit *uint256.Int
	Cap        *uint256.Int
}

// NewLimits creates a limiter. A nil bound is treated as unbounded on that
// side.
func NewLimits(minDeposit, maxDeposit, cap *uint256.Int) *Limits {
	return &Limits{MinDeposit: minDeposit, MaxDeposit: maxDeposit, Cap: cap}
}

// Check validates payment against the per-transaction bounds and the
// remaining cap. It returns the cap left after the deposit.
func (l *Limits) Check(payment, remaining *uint256.Int) (*uint256.Int, error) {
	// 1. Per-transaction bounds.
	if l.MinDeposit != nil && payment.Lt(l.MinDeposit) {
		return nil, fmt.Errorf("%w: %s < %s", ErrDepositBelowMinimum, payment.Dec(), l.MinDeposit.Dec())
	}
	if l.MaxDeposit != nil && payment.Gt(l.MaxDeposit) {
		return nil, fmt.Errorf("%w: %s > %s", ErrDepositAboveMaximum, payment.Dec(), l.MaxDeposit.Dec())
	}

	// 2. Global cap, consumed monotonically.
	if payment.Gt(remaining) {
		return nil, fmt.Errorf("%w: %s > %s remaining", ErrCapExceeded, payment.Dec(), remaining.Dec())
	}
	return new(uint256.Int).Sub(remaining, payment), nil
}

package auction

import "errors"

// Configuration errors (StartAuction).
var (
	ErrInvalidStartTime = errors.New("auction: invalid start time")
	ErrInvalidDuration  = errors.New("auction: invalid duration")
	ErrInvalidAmount    = errors.New("auction: invalid amount")
	ErrInvalidPrice     = errors.New("auction: invalid price")
	ErrAmountOverflow   = errors.New("auction: start price * amount overflows")
	ErrNoGate           = errors.New("auction: eligibility gate not configured")
	ErrRolesFixed       = errors.New("auction: operator set is not mutable")
	ErrInvalidOperator  = errors.New("auction: invalid operator address")
)

// Conflict errors.
var (
	ErrAuctionActive = errors.New("auction: an auction is already active")
	ErrBondExists    = errors.New("auction: unredeemed bond already exists")
)

// State errors.
var (
	ErrNoAuction           = errors.New("auction: no auction")
	ErrAuctionNotActive    = errors.New("auction: auction not active")
	ErrInvalidFillAmount   = errors.New("auction: fill amount must be positive")
	ErrFillBelowMinimum    = errors.New("auction: fill amount below minimum")
	ErrAmountExceedsSupply = errors.New("auction: amount exceeds remaining supply")
	ErrSlippage            = errors.New("auction: price above maximum")

	ErrNoBondToRedeem             = errors.New("auction: no bond to redeem")
	ErrNoBondToWithdraw           = errors.New("auction: no bond to withdraw")
	ErrRedemptionWindowNotStarted = errors.New("auction: redemption window not started")
	ErrRedemptionWindowPassed     = errors.New("auction: redemption window passed")
)

// Package model defines the core domain types shared across the issuance engine.
// All token and payment amounts are raw integers (*uint256.Int) in the
// smallest unit of their asset; never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Auction is the single declining-price allocation the engine may run.
// Absence is expressed by the store returning ok=false, never by a zero
// StartTime.
type Auction struct {
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	StartPrice *uint256.Int  `json:"start_price"`
	EndPrice   *uint256.Int  `json:"end_price"`
	Amount     *uint256.Int  `json:"amount"` // remaining allocatable supply
}

// EndTime returns the first instant at which the auction is no longer active.
func (a Auction) EndTime() time.Time {
	return a.StartTime.Add(a.Duration)
}

// ActiveAt reports whether t falls inside [StartTime, StartTime+Duration).
func (a Auction) ActiveAt(t time.Time) bool {
	return !t.Before(a.StartTime) && t.Before(a.EndTime())
}

// Clone returns a deep copy so callers can mutate amounts freely.
func (a Auction) Clone() Auction {
	return Auction{
		StartTime:  a.StartTime,
		Duration:   a.Duration,
		StartPrice: cloneInt(a.StartPrice),
		EndPrice:   cloneInt(a.EndPrice),
		Amount:     cloneInt(a.Amount),
	}
}

// Bond is a deferred claim created by a bond-settled fill. At most one live
// bond exists per holder.
type Bond struct {
	Holder          common.Address `json:"holder"`
	AmountOut       *uint256.Int   `json:"amount_out"` // minted on redemption
	AmountIn        *uint256.Int   `json:"amount_in"`  // payment held in custody
	StartRedemption time.Time      `json:"start_redemption"`
}

// Clone returns a deep copy of the bond.
func (b Bond) Clone() Bond {
	return Bond{
		Holder:          b.Holder,
		AmountOut:       cloneInt(b.AmountOut),
		AmountIn:        cloneInt(b.AmountIn),
		StartRedemption: b.StartRedemption,
	}
}

// BondState is derived from wall-clock time; it is never stored.
type BondState string

const (
	BondNone       BondState = "none"
	BondPending    BondState = "pending"
	BondRedeemable BondState = "redeemable"
	BondExpired    BondState = "expired"
)

// StateAt derives the state of b at t for the given redemption window.
// The redeemable interval is inclusive at both ends.
func (b Bond) StateAt(t time.Time, window time.Duration) BondState {
	switch {
	case t.Before(b.StartRedemption):
		return BondPending
	case t.After(b.StartRedemption.Add(window)):
		return BondExpired
	default:
		return BondRedeemable
	}
}

// Fill kinds.
const (
	FillAuction = "auction"
	FillDeposit = "deposit"
)

// Fill is an immutable record of a settled allocation.
// Once created, these are never modified or deleted.
type Fill struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"` // "auction" or "deposit"
	Buyer        common.Address `json:"buyer"`
	AmountOut    *uint256.Int   `json:"amount_out"`
	AmountIn     *uint256.Int   `json:"amount_in"`
	Price        *uint256.Int   `json:"price"`
	AuctionStart time.Time      `json:"auction_start"`
	Timestamp    time.Time      `json:"timestamp"`
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return x.Clone()
}

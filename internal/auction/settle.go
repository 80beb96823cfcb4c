package auction

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/journal"
	"github.com/atmx/issuance-engine/internal/ledger"
)

// Settlement is what a validated fill hands to the settlement policy.
type Settlement struct {
	Buyer     common.Address
	AmountOut *uint256.Int
	AmountIn  *uint256.Int
	StartTime time.Time
	Duration  time.Duration
}

// Settler completes a fill. Every effect must either be registered on tx or
// be the final interaction of the call.
type Settler interface {
	Settle(ctx context.Context, tx *journal.Journal, s Settlement) error
}

// Immediate settles in the same call: the payment is pulled into custody
// and forwarded to the beneficiary, then the issued units are minted to the
// buyer.
type Immediate struct {
	custody     *ledger.Custody
	beneficiary common.Address
}

// NewImmediate creates the mint-for-payment settlement policy.
func NewImmediate(custody *ledger.Custody, beneficiary common.Address) *Immediate {
	return &Immediate{custody: custody, beneficiary: beneficiary}
}

func (p *Immediate) Settle(ctx context.Context, tx *journal.Journal, s Settlement) error {
	if err := p.custody.Collect(ctx, tx, s.Buyer, s.AmountIn); err != nil {
		return err
	}
	if err := p.custody.Release(ctx, tx, p.beneficiary, s.AmountIn); err != nil {
		return err
	}
	return p.custody.Issue(ctx, s.Buyer, s.AmountOut)
}

var _ Settler = (*Immediate)(nil)

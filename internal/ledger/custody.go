package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/journal"
)

// Custody moves payments through the engine's own account.
//
// Collect and Release register a compensating transfer on the journal, so a
// failed call returns every unit to where it came from. Issue mints and
// cannot be compensated; settlement code calls it as the final interaction.
type Custody struct {
	Token   Token
	Payment PaymentAsset
	Account common.Address
}

// Collect pulls amount from payer into custody.
func (c *Custody) Collect(ctx context.Context, tx *journal.Journal, payer common.Address, amount *uint256.Int) error {
	if err := Pull(ctx, c.Payment, payer, c.Account, amount); err != nil {
		return err
	}
	refund := amount.Clone()
	tx.OnRollback(func(ctx context.Context) error {
		return Push(ctx, c.Payment, c.Account, payer, refund)
	})
	return nil
}

// Release pays amount out of custody to to.
func (c *Custody) Release(ctx context.Context, tx *journal.Journal, to common.Address, amount *uint256.Int) error {
	if err := Push(ctx, c.Payment, c.Account, to, amount); err != nil {
		return err
	}
	back := amount.Clone()
	tx.OnRollback(func(ctx context.Context) error {
		return Push(ctx, c.Payment, to, c.Account, back)
	})
	return nil
}

// Issue mints amount to to.
func (c *Custody) Issue(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return MintTo(ctx, c.Token, to, amount)
}

// Decimals returns the issued token's precision.
func (c *Custody) Decimals() uint8 {
	return c.Token.Decimals()
}

package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/journal"
	"github.com/atmx/issuance-engine/internal/model"
)

// DefaultRedemptionWindow is how long a bond stays redeemable once its
// redemption opens.
const DefaultRedemptionWindow = 24 * time.Hour

// Bonds is the deferred settlement policy. A fill records a bond and holds
// the payment in custody; the holder later either redeems (payment goes to
// the beneficiary, units are minted) or withdraws (payment is refunded).
//
// State is derived from the clock:
//
//	None → Pending → Redeemable → Expired
//
// Redeemable spans [StartRedemption, StartRedemption+window] inclusive.
type Bonds struct {
	deps        Deps
	window      time.Duration
	beneficiary common.Address
}

// NewBonds creates the bond book. It shares Deps (and so the lock) with the
// engine it settles for.
func NewBonds(deps Deps, window time.Duration, beneficiary common.Address) *Bonds {
	if window <= 0 {
		window = DefaultRedemptionWindow
	}
	return &Bonds{deps: deps, window: window, beneficiary: beneficiary}
}

// Window returns the redemption window.
func (b *Bonds) Window() time.Duration {
	return b.window
}

// Settle records a bond for the buyer and collects the payment into custody.
// Called by the engine with its lock held.
func (b *Bonds) Settle(ctx context.Context, tx *journal.Journal, s Settlement) error {
	_, exists, err := b.deps.Store.GetBond(ctx, s.Buyer)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrBondExists, s.Buyer.Hex())
	}

	bond := model.Bond{
		Holder:          s.Buyer,
		AmountOut:       s.AmountOut.Clone(),
		AmountIn:        s.AmountIn.Clone(),
		StartRedemption: s.StartTime.Add(s.Duration),
	}
	if err := b.deps.Store.PutBond(ctx, bond); err != nil {
		return err
	}
	holder := s.Buyer
	tx.OnRollback(func(ctx context.Context) error { return b.deps.Store.DeleteBond(ctx, holder) })

	if err := b.deps.Custody.Collect(ctx, tx, s.Buyer, s.AmountIn); err != nil {
		return err
	}

	tx.Emit(events.Event{
		Kind:      events.BondCreated,
		Account:   holder.Hex(),
		AmountOut: bond.AmountOut.Dec(),
		AmountIn:  bond.AmountIn.Dec(),
		StartTime: bond.StartRedemption,
		Timestamp: b.deps.now(),
	})
	b.deps.log().Info("bond created",
		"holder", holder.Hex(),
		"amount_out", bond.AmountOut.Dec(),
		"amount_in", bond.AmountIn.Dec(),
		"start_redemption", bond.StartRedemption,
	)
	return nil
}

// Redeem exercises the holder's bond. Only allowed while Redeemable.
func (b *Bonds) Redeem(ctx context.Context, holder common.Address) (bond model.Bond, err error) {
	ctx, release, err := b.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return model.Bond{}, err
	}
	defer release()

	tx := journal.New()
	defer func() { err = tx.Finish(ctx, err, b.deps.emitter()) }()

	now := b.deps.now()
	bond, ok, err := b.deps.Store.GetBond(ctx, holder)
	if err != nil {
		return model.Bond{}, err
	}
	if !ok {
		return model.Bond{}, ErrNoBondToRedeem
	}
	switch bond.StateAt(now, b.window) {
	case model.BondPending:
		return model.Bond{}, ErrRedemptionWindowNotStarted
	case model.BondExpired:
		return model.Bond{}, ErrRedemptionWindowPassed
	}

	if err := b.deleteBond(ctx, tx, bond); err != nil {
		return model.Bond{}, err
	}
	if err := b.deps.Custody.Release(ctx, tx, b.beneficiary, bond.AmountIn); err != nil {
		return model.Bond{}, err
	}
	if err := b.deps.Custody.Issue(ctx, holder, bond.AmountOut); err != nil {
		return model.Bond{}, err
	}

	tx.Emit(events.Event{
		Kind:      events.BondRedeemed,
		Account:   holder.Hex(),
		AmountOut: bond.AmountOut.Dec(),
		AmountIn:  bond.AmountIn.Dec(),
		Timestamp: now,
	})
	b.deps.log().Info("bond redeemed", "holder", holder.Hex(), "amount_out", bond.AmountOut.Dec())
	return bond, nil
}

// Withdraw abandons the holder's bond and refunds the payment. Allowed once
// redemption has opened, including after the window has passed.
func (b *Bonds) Withdraw(ctx context.Context, holder common.Address) (bond model.Bond, err error) {
	ctx, release, err := b.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return model.Bond{}, err
	}
	defer release()

	tx := journal.New()
	defer func() { err = tx.Finish(ctx, err, b.deps.emitter()) }()

	now := b.deps.now()
	bond, ok, err := b.deps.Store.GetBond(ctx, holder)
	if err != nil {
		return model.Bond{}, err
	}
	if !ok {
		return model.Bond{}, ErrNoBondToWithdraw
	}
	if bond.StateAt(now, b.window) == model.BondPending {
		return model.Bond{}, ErrRedemptionWindowNotStarted
	}

	if err := b.deleteBond(ctx, tx, bond); err != nil {
		return model.Bond{}, err
	}
	if err := b.deps.Custody.Release(ctx, tx, holder, bond.AmountIn); err != nil {
		return model.Bond{}, err
	}

	tx.Emit(events.Event{
		Kind:      events.BondWithdrawn,
		Account:   holder.Hex(),
		AmountIn:  bond.AmountIn.Dec(),
		Timestamp: now,
	})
	b.deps.log().Info("bond withdrawn", "holder", holder.Hex(), "amount_in", bond.AmountIn.Dec())
	return bond, nil
}

// Bond returns the holder's bond snapshot.
func (b *Bonds) Bond(ctx context.Context, holder common.Address) (model.Bond, bool, error) {
	return b.deps.Store.GetBond(ctx, holder)
}

// State returns the holder's bond state at t.
func (b *Bonds) State(ctx context.Context, holder common.Address, t time.Time) (model.BondState, error) {
	bond, ok, err := b.deps.Store.GetBond(ctx, holder)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.BondNone, nil
	}
	return bond.StateAt(t, b.window), nil
}

// List returns every live bond.
func (b *Bonds) List(ctx context.Context) ([]model.Bond, error) {
	return b.deps.Store.ListBonds(ctx)
}

func (b *Bonds) deleteBond(ctx context.Context, tx *journal.Journal, bond model.Bond) error {
	if err := b.deps.Store.DeleteBond(ctx, bond.Holder); err != nil {
		return err
	}
	saved := bond.Clone()
	tx.OnRollback(func(ctx context.Context) error { return b.deps.Store.PutBond(ctx, saved) })
	return nil
}

var _ Settler = (*Bonds)(nil)

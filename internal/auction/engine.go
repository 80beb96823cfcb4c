// Package auction implements the declining-price allocation engine and its
// settlement policies.
//
// The engine owns at most one auction at a time. Fills are priced on a
// linear curve, decrement the remaining supply and hand the validated
// allocation to a pluggable Settler. Every mutating call holds the engine
// lock for its whole duration and runs inside a journal, so a failure
// anywhere reverts every effect of the call and publishes no event.
//
// All amounts use holiman/uint256; never float64 for money.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/auth"
	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/journal"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/model"
	"github.com/atmx/issuance-engine/internal/pricing"
	"github.com/atmx/issuance-engine/internal/store"
)

// LockKey is the lock shared by every mutating engine and bond operation.
const LockKey = "auction"

// Config bounds what operators may start and what buyers may fill.
type Config struct {
	MinFillAmount *uint256.Int
	MaxStartDelay time.Duration
	MaxDuration   time.Duration
}

// DefaultConfig returns the production bounds: start at most 7 days ahead,
// run at most 30 days, fills of at least one unit.
func DefaultConfig() Config {
	return Config{
		MinFillAmount: uint256.NewInt(1),
		MaxStartDelay: 7 * 24 * time.Hour,
		MaxDuration:   30 * 24 * time.Hour,
	}
}

// Deps are the collaborators shared by the engine and the bond book.
type Deps struct {
	Store   store.Store
	Custody *ledger.Custody
	Auth    auth.Authorizer
	Locker  lock.Locker
	Gate    *eligibility.Gate // nil disables eligibility checks entirely
	Events  events.Emitter
	Clock   func() time.Time
	Logger  *slog.Logger
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (d Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) emitter() events.Emitter {
	if d.Events != nil {
		return d.Events
	}
	return events.Discard
}

// Engine is the allocation engine.
type Engine struct {
	cfg     Config
	deps    Deps
	settler Settler
}

// NewEngine wires an engine to its settlement policy.
func NewEngine(cfg Config, deps Deps, settler Settler) *Engine {
	if cfg.MinFillAmount == nil {
		cfg.MinFillAmount = uint256.NewInt(1)
	}
	return &Engine{cfg: cfg, deps: deps, settler: settler}
}

// StartParams describes a new auction. A zero StartTime means now.
type StartParams struct {
	StartTime  time.Time
	Duration   time.Duration
	StartPrice *uint256.Int
	EndPrice   *uint256.Int
	Amount     *uint256.Int
}

// FillRequest is a buyer's order. MaxPrice and Signature are optional.
type FillRequest struct {
	AmountOut *uint256.Int
	MaxPrice  *uint256.Int
	Signature []byte
}

// StartAuction replaces the auction record. Restricted to operators.
func (e *Engine) StartAuction(ctx context.Context, caller common.Address, p StartParams) (a model.Auction, err error) {
	if err := e.deps.Auth.Authorize(ctx, caller, auth.Operator); err != nil {
		return model.Auction{}, err
	}

	ctx, release, err := e.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return model.Auction{}, err
	}
	defer release()

	tx := journal.New()
	defer func() { err = tx.Finish(ctx, err, e.deps.emitter()) }()

	now := e.deps.now()
	start := p.StartTime.Truncate(time.Second)
	if p.StartTime.IsZero() {
		start = now
	}
	if start.Before(now) || start.After(now.Add(e.cfg.MaxStartDelay)) {
		return model.Auction{}, fmt.Errorf("%w: %s", ErrInvalidStartTime, start.Format(time.RFC3339))
	}
	dur := p.Duration.Truncate(time.Second)
	if dur <= 0 || dur > e.cfg.MaxDuration {
		return model.Auction{}, fmt.Errorf("%w: %s", ErrInvalidDuration, p.Duration)
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return model.Auction{}, ErrInvalidAmount
	}
	if p.StartPrice == nil || p.EndPrice == nil {
		return model.Auction{}, ErrInvalidPrice
	}
	if err := pricing.CheckNotional(p.StartPrice, p.Amount); err != nil {
		return model.Auction{}, ErrAmountOverflow
	}

	prev, hadPrev, err := e.deps.Store.GetAuction(ctx)
	if err != nil {
		return model.Auction{}, err
	}
	if hadPrev && prev.ActiveAt(now) {
		return model.Auction{}, ErrAuctionActive
	}
	if p.EndPrice.IsZero() || p.StartPrice.Lt(p.EndPrice) {
		return model.Auction{}, fmt.Errorf("%w: start %s end %s", ErrInvalidPrice, p.StartPrice.Dec(), p.EndPrice.Dec())
	}

	a = model.Auction{
		StartTime:  start,
		Duration:   dur,
		StartPrice: p.StartPrice.Clone(),
		EndPrice:   p.EndPrice.Clone(),
		Amount:     p.Amount.Clone(),
	}
	if err := e.putAuction(ctx, tx, a, prev, hadPrev); err != nil {
		return model.Auction{}, err
	}

	tx.Emit(events.Event{
		Kind:       events.AuctionStarted,
		Account:    caller.Hex(),
		AmountOut:  a.Amount.Dec(),
		StartPrice: a.StartPrice.Dec(),
		EndPrice:   a.EndPrice.Dec(),
		StartTime:  a.StartTime,
		Duration:   int64(a.Duration / time.Second),
		Timestamp:  now,
	})

	e.deps.log().Info("auction started",
		"operator", caller.Hex(),
		"start", a.StartTime,
		"duration", a.Duration.String(),
		"start_price", a.StartPrice.Dec(),
		"end_price", a.EndPrice.Dec(),
		"amount", a.Amount.Dec(),
	)
	return a.Clone(), nil
}

// CancelAuction clears the auction record. Settled allocations are kept.
func (e *Engine) CancelAuction(ctx context.Context, caller common.Address) (err error) {
	if err := e.deps.Auth.Authorize(ctx, caller, auth.Operator); err != nil {
		return err
	}

	ctx, release, err := e.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return err
	}
	defer release()

	tx := journal.New()
	defer func() { err = tx.Finish(ctx, err, e.deps.emitter()) }()

	prev, hadPrev, err := e.deps.Store.GetAuction(ctx)
	if err != nil {
		return err
	}
	if err := e.deleteAuction(ctx, tx, prev, hadPrev); err != nil {
		return err
	}

	tx.Emit(events.Event{Kind: events.AuctionCancelled, Account: caller.Hex(), Timestamp: e.deps.now()})
	e.deps.log().Info("auction cancelled", "operator", caller.Hex(), "existed", hadPrev)
	return nil
}

// Fill buys amountOut units from the active auction at the current price.
func (e *Engine) Fill(ctx context.Context, buyer common.Address, req FillRequest) (fill model.Fill, err error) {
	ctx, release, err := e.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return model.Fill{}, err
	}
	defer release()

	tx := journal.New()
	defer func() {
		err = tx.Finish(ctx, err, e.deps.emitter())
		if err != nil {
			fill = model.Fill{}
		}
	}()

	now := e.deps.now()
	a, ok, err := e.deps.Store.GetAuction(ctx)
	if err != nil {
		return model.Fill{}, err
	}
	if !ok || !a.ActiveAt(now) {
		return model.Fill{}, ErrAuctionNotActive
	}

	amountOut := req.AmountOut
	switch {
	case amountOut == nil || amountOut.IsZero():
		return model.Fill{}, ErrInvalidFillAmount
	case amountOut.Lt(e.cfg.MinFillAmount):
		return model.Fill{}, fmt.Errorf("%w: %s < %s", ErrFillBelowMinimum, amountOut.Dec(), e.cfg.MinFillAmount.Dec())
	case amountOut.Gt(a.Amount):
		return model.Fill{}, fmt.Errorf("%w: %s > %s", ErrAmountExceedsSupply, amountOut.Dec(), a.Amount.Dec())
	}

	price, err := priceAt(a, now)
	if err != nil {
		return model.Fill{}, err
	}
	if req.MaxPrice != nil && price.Gt(req.MaxPrice) {
		return model.Fill{}, fmt.Errorf("%w: %s > %s", ErrSlippage, price.Dec(), req.MaxPrice.Dec())
	}

	amountIn, err := pricing.AmountIn(amountOut, price, e.deps.Custody.Decimals())
	if err != nil {
		return model.Fill{}, err
	}

	// Effects before interactions.
	prev := a.Clone()
	remaining := new(uint256.Int).Sub(a.Amount, amountOut)
	endedEarly := remaining.IsZero()
	if endedEarly {
		if err := e.deleteAuction(ctx, tx, prev, true); err != nil {
			return model.Fill{}, err
		}
		tx.Emit(events.Event{Kind: events.AuctionEndedEarly, Timestamp: now})
	} else {
		a.Amount = remaining
		if err := e.putAuction(ctx, tx, a, prev, true); err != nil {
			return model.Fill{}, err
		}
	}

	if e.deps.Gate != nil {
		digest := eligibility.RoundDigest(buyer, prev.StartTime, prev.Duration, prev.StartPrice, prev.EndPrice)
		if err := e.deps.Gate.Check(ctx, tx, digest, req.Signature); err != nil {
			return model.Fill{}, err
		}
	}

	tx.Emit(events.Event{
		Kind:      events.AuctionFilled,
		Account:   buyer.Hex(),
		AmountOut: amountOut.Dec(),
		AmountIn:  amountIn.Dec(),
		Price:     price.Dec(),
		Timestamp: now,
	})

	fill = model.Fill{
		ID:           uuid.New().String(),
		Kind:         model.FillAuction,
		Buyer:        buyer,
		AmountOut:    amountOut.Clone(),
		AmountIn:     amountIn,
		Price:        price,
		AuctionStart: prev.StartTime,
		Timestamp:    now,
	}
	if err := e.deps.Store.InsertFill(ctx, &fill); err != nil {
		return model.Fill{}, err
	}
	id := fill.ID
	tx.OnRollback(func(ctx context.Context) error { return e.deps.Store.DeleteFill(ctx, id) })

	if err := e.settler.Settle(ctx, tx, Settlement{
		Buyer:     buyer,
		AmountOut: amountOut.Clone(),
		AmountIn:  amountIn.Clone(),
		StartTime: prev.StartTime,
		Duration:  prev.Duration,
	}); err != nil {
		return model.Fill{}, err
	}

	e.deps.log().Info("auction filled",
		"fill_id", fill.ID,
		"buyer", buyer.Hex(),
		"amount_out", amountOut.Dec(),
		"amount_in", amountIn.Dec(),
		"price", price.Dec(),
		"ended_early", endedEarly,
	)
	return fill, nil
}

// SetSigner rotates the eligibility signer. nil opens the gate. Restricted
// to the owner.
func (e *Engine) SetSigner(ctx context.Context, caller common.Address, signer *common.Address) (err error) {
	if err := e.deps.Auth.Authorize(ctx, caller, auth.Owner); err != nil {
		return err
	}
	if e.deps.Gate == nil {
		return ErrNoGate
	}

	ctx, release, err := e.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return err
	}
	defer release()

	tx := journal.New()
	defer func() { err = tx.Finish(ctx, err, e.deps.emitter()) }()

	prev := e.deps.Gate.Signer()
	e.deps.Gate.SetSigner(signer)
	tx.OnRollback(func(context.Context) error {
		e.deps.Gate.SetSigner(prev)
		return nil
	})

	account := ""
	if signer != nil {
		account = signer.Hex()
	}
	tx.Emit(events.Event{Kind: events.SignerUpdated, Account: account, Timestamp: e.deps.now()})
	e.deps.log().Info("eligibility signer updated", "signer", account)
	return nil
}

// GrantOperator lets operator start and cancel auctions. Restricted to the
// owner; fails with ErrRolesFixed when the authorizer has no mutable roles.
func (e *Engine) GrantOperator(ctx context.Context, caller, operator common.Address) error {
	return e.changeOperator(ctx, caller, operator, true)
}

// RevokeOperator undoes GrantOperator. Revoking a non-operator is a no-op.
func (e *Engine) RevokeOperator(ctx context.Context, caller, operator common.Address) error {
	return e.changeOperator(ctx, caller, operator, false)
}

func (e *Engine) changeOperator(ctx context.Context, caller, operator common.Address, grant bool) error {
	admin, ok := e.deps.Auth.(auth.Administrator)
	if !ok {
		return ErrRolesFixed
	}
	change, kind := admin.Revoke, events.OperatorRevoked
	if grant {
		if operator == (common.Address{}) {
			return ErrInvalidOperator
		}
		change, kind = admin.Grant, events.OperatorGranted
	}
	if err := change(ctx, caller, operator); err != nil {
		return err
	}
	e.deps.emitter().Emit(events.Event{Kind: kind, Account: operator.Hex(), Timestamp: e.deps.now()})
	e.deps.log().Info("operator set changed", "operator", operator.Hex(), "granted", grant)
	return nil
}

// Signer returns the eligibility signer, or nil when the gate is open.
func (e *Engine) Signer() *common.Address {
	if e.deps.Gate == nil {
		return nil
	}
	return e.deps.Gate.Signer()
}

// --- Reads ---

// Auction returns the current auction snapshot.
func (e *Engine) Auction(ctx context.Context) (model.Auction, bool, error) {
	return e.deps.Store.GetAuction(ctx)
}

// CurrentPrice returns the unit price at t. Times before the start price at
// StartPrice; times past the end price at EndPrice.
func (e *Engine) CurrentPrice(ctx context.Context, t time.Time) (*uint256.Int, error) {
	a, ok, err := e.deps.Store.GetAuction(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoAuction
	}
	return priceAt(a, t)
}

// AmountIn returns the payment owed for amountOut units at t.
func (e *Engine) AmountIn(ctx context.Context, amountOut *uint256.Int, t time.Time) (*uint256.Int, error) {
	price, err := e.CurrentPrice(ctx, t)
	if err != nil {
		return nil, err
	}
	return pricing.AmountIn(amountOut, price, e.deps.Custody.Decimals())
}

// IsActive reports whether an auction accepts fills at t.
func (e *Engine) IsActive(ctx context.Context, t time.Time) (bool, error) {
	a, ok, err := e.deps.Store.GetAuction(ctx)
	if err != nil || !ok {
		return false, err
	}
	return a.ActiveAt(t), nil
}

// Fills returns the fill ledger.
func (e *Engine) Fills(ctx context.Context) ([]model.Fill, error) {
	return e.deps.Store.ListFills(ctx)
}

// FillsByBuyer returns one buyer's fills, oldest first.
func (e *Engine) FillsByBuyer(ctx context.Context, buyer common.Address) ([]model.Fill, error) {
	return e.deps.Store.ListFillsByBuyer(ctx, buyer)
}

// Decimals returns the issued token's precision.
func (e *Engine) Decimals() uint8 {
	return e.deps.Custody.Decimals()
}

// --- Helpers ---

func priceAt(a model.Auction, t time.Time) (*uint256.Int, error) {
	curve, err := pricing.NewCurve(a.StartPrice, a.EndPrice, uint64(a.Duration/time.Second))
	if err != nil {
		return nil, err
	}
	var elapsed uint64
	if d := t.Unix() - a.StartTime.Unix(); d > 0 {
		elapsed = uint64(d)
	}
	return curve.PriceAt(elapsed)
}

// putAuction writes a and registers the restore of the previous record.
func (e *Engine) putAuction(ctx context.Context, tx *journal.Journal, a, prev model.Auction, hadPrev bool) error {
	if err := e.deps.Store.PutAuction(ctx, a); err != nil {
		return err
	}
	tx.OnRollback(e.restoreAuction(prev, hadPrev))
	return nil
}

func (e *Engine) deleteAuction(ctx context.Context, tx *journal.Journal, prev model.Auction, hadPrev bool) error {
	if err := e.deps.Store.DeleteAuction(ctx); err != nil {
		return err
	}
	tx.OnRollback(e.restoreAuction(prev, hadPrev))
	return nil
}

func (e *Engine) restoreAuction(prev model.Auction, hadPrev bool) func(context.Context) error {
	prev = prev.Clone()
	return func(ctx context.Context) error {
		if !hadPrev {
			return e.deps.Store.DeleteAuction(ctx)
		}
		return e.deps.Store.PutAuction(ctx, prev)
	}
}

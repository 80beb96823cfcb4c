// Package offering implements the capped whitelisted deposit offering: a
// single fixed-price round where payments convert into issued units at an
// immutable rate and premium, bounded per transaction and by a global cap.
package offering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/journal"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/model"
	"github.com/atmx/issuance-engine/internal/pricing"
	"github.com/atmx/issuance-engine/internal/store"
)

// Denominator is the basis-point scale of PremiumBps.
const Denominator = 10_000

// LockKey serializes deposits.
const LockKey = "offering"

var (
	// ErrUnsolicitedTransfer is returned for value sent outside Deposit.
	ErrUnsolicitedTransfer = errors.New("offering: unsolicited transfer rejected")

	// ErrInvalidConfig is returned by New for inconsistent parameters.
	ErrInvalidConfig = errors.New("offering: invalid configuration")

	// ErrNothingIssued is returned when a deposit converts to zero units.
	ErrNothingIssued = errors.New("offering: deposit issues nothing")
)

// Config fixes the offering for its lifetime.
type Config struct {
	Cap        *uint256.Int
	MinDeposit *uint256.Int
	MaxDeposit *uint256.Int
	Rate       *uint256.Int // issued units per payment unit
	PremiumBps uint64       // discount applied to the conversion
	Owner      common.Address
}

// Deps are the offering's collaborators.
type Deps struct {
	Store   store.Store
	Custody *ledger.Custody
	Locker  lock.Locker
	Gate    *eligibility.Gate // participant-scoped; nil admits everyone
	Events  events.Emitter
	Clock   func() time.Time
	Logger  *slog.Logger
}

// Offering is the deposit variant.
type Offering struct {
	cfg    Config
	limits *Limits
	deps   Deps
}

// New validates cfg and returns an offering.
func New(cfg Config, deps Deps) (*Offering, error) {
	switch {
	case cfg.Cap == nil || cfg.Cap.IsZero():
		return nil, fmt.Errorf("%w: cap must be positive", ErrInvalidConfig)
	case cfg.Rate == nil || cfg.Rate.IsZero():
		return nil, fmt.Errorf("%w: rate must be positive", ErrInvalidConfig)
	case cfg.PremiumBps > Denominator:
		return nil, fmt.Errorf("%w: premium %d bps exceeds %d", ErrInvalidConfig, cfg.PremiumBps, Denominator)
	case cfg.MinDeposit != nil && cfg.MaxDeposit != nil && cfg.MinDeposit.Gt(cfg.MaxDeposit):
		return nil, fmt.Errorf("%w: min deposit above max deposit", ErrInvalidConfig)
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Offering{
		cfg:    cfg,
		limits: NewLimits(cfg.MinDeposit, cfg.MaxDeposit, cfg.Cap),
		deps:   deps,
	}, nil
}

// Config returns the offering parameters.
func (o *Offering) Config() Config {
	return o.cfg
}

func (o *Offering) now() time.Time {
	if o.deps.Clock != nil {
		return o.deps.Clock().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

// Quote returns the units issued for payment.
func (o *Offering) Quote(payment *uint256.Int) (*uint256.Int, error) {
	return pricing.ApplyRate(payment, o.cfg.Rate, o.cfg.PremiumBps, Denominator)
}

// Remaining returns the unconsumed cap.
func (o *Offering) Remaining(ctx context.Context) (*uint256.Int, error) {
	rem, ok, err := o.deps.Store.GetOfferingRemaining(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.cfg.Cap.Clone(), nil
	}
	return rem, nil
}

// Deposit converts payment into issued units for caller.
func (o *Offering) Deposit(ctx context.Context, caller common.Address, payment *uint256.Int, sig []byte) (fill model.Fill, err error) {
	ctx, release, err := o.deps.Locker.Acquire(ctx, LockKey)
	if err != nil {
		return model.Fill{}, err
	}
	defer release()

	tx := journal.New()
	defer func() {
		err = tx.Finish(ctx, err, o.deps.Events)
		if err != nil {
			fill = model.Fill{}
		}
	}()

	if payment == nil {
		payment = new(uint256.Int)
	}

	prev, hadPrev, err := o.deps.Store.GetOfferingRemaining(ctx)
	if err != nil {
		return model.Fill{}, err
	}
	if !hadPrev {
		prev = o.cfg.Cap.Clone()
	}
	next, err := o.limits.Check(payment, prev)
	if err != nil {
		return model.Fill{}, err
	}
	amount, err := o.Quote(payment)
	if err != nil {
		return model.Fill{}, err
	}
	if amount.IsZero() {
		return model.Fill{}, ErrNothingIssued
	}

	// Effects before interactions.
	if err := o.deps.Store.PutOfferingRemaining(ctx, next); err != nil {
		return model.Fill{}, err
	}
	restore := prev.Clone()
	tx.OnRollback(func(ctx context.Context) error {
		return o.deps.Store.PutOfferingRemaining(ctx, restore)
	})

	if o.deps.Gate != nil {
		if err := o.deps.Gate.Check(ctx, tx, eligibility.ParticipantDigest(caller), sig); err != nil {
			return model.Fill{}, err
		}
	}

	now := o.now()
	fill = model.Fill{
		ID:        uuid.New().String(),
		Kind:      model.FillDeposit,
		Buyer:     caller,
		AmountOut: amount,
		AmountIn:  payment.Clone(),
		Price:     o.cfg.Rate.Clone(),
		Timestamp: now,
	}
	if err := o.deps.Store.InsertFill(ctx, &fill); err != nil {
		return model.Fill{}, err
	}
	id := fill.ID
	tx.OnRollback(func(ctx context.Context) error { return o.deps.Store.DeleteFill(ctx, id) })

	if err := o.deps.Custody.Collect(ctx, tx, caller, payment); err != nil {
		return model.Fill{}, err
	}
	if err := o.deps.Custody.Release(ctx, tx, o.cfg.Owner, payment); err != nil {
		return model.Fill{}, err
	}
	if err := o.deps.Custody.Issue(ctx, caller, amount); err != nil {
		return model.Fill{}, err
	}

	tx.Emit(events.Event{
		Kind:      events.Deposited,
		Account:   caller.Hex(),
		AmountOut: amount.Dec(),
		AmountIn:  payment.Dec(),
		Price:     o.cfg.Rate.Dec(),
		Timestamp: now,
	})
	o.deps.Logger.Info("deposit accepted",
		"fill_id", fill.ID,
		"depositor", caller.Hex(),
		"payment", payment.Dec(),
		"issued", amount.Dec(),
		"remaining", next.Dec(),
	)
	return fill, nil
}

// Receive handles value sent to the offering outside Deposit. It always
// fails; only Deposit accepts payments.
func (o *Offering) Receive(_ context.Context, from common.Address, amount *uint256.Int) error {
	return fmt.Errorf("%w: %s from %s", ErrUnsolicitedTransfer, amount.Dec(), from.Hex())
}

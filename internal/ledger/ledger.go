// Package ledger defines the narrow capabilities the engine needs from the
// issued token and the payment asset, plus in-memory implementations used by
// the dev service and tests.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrTransferFailed is returned when a payment transfer reports false or
	// errors.
	ErrTransferFailed = errors.New("ledger: transfer failed")

	// ErrInsufficientBalance is returned by the in-memory ledgers.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrMintFailed wraps a failing Mint call.
	ErrMintFailed = errors.New("ledger: mint failed")
)

// Token is the issued asset. The engine only ever mints.
//
// Calls are made while the engine lock is held and carry the lock-holding
// context. An implementation that calls back into the engine must pass that
// same ctx, so the call is reported as reentrant (lock.ErrReentrant)
// instead of waiting on the lock its own caller holds.
type Token interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
	Decimals() uint8
}

// PaymentAsset is the asset buyers pay with. A transfer may report false
// instead of returning an error; callers must check both.
//
// The context rule of Token applies: callbacks into the engine must reuse
// the ctx passed to Transfer or TransferFrom.
type PaymentAsset interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	TransferFrom(ctx context.Context, owner, to common.Address, amount *uint256.Int) (bool, error)
}

// Pull moves amount from owner into to via TransferFrom and turns a false
// or an error into ErrTransferFailed.
func Pull(ctx context.Context, asset PaymentAsset, owner, to common.Address, amount *uint256.Int) error {
	ok, err := asset.TransferFrom(ctx, owner, to, amount)
	return checked(ok, err, owner, to, amount)
}

// Push moves amount from from to to via Transfer, checked like Pull.
func Push(ctx context.Context, asset PaymentAsset, from, to common.Address, amount *uint256.Int) error {
	ok, err := asset.Transfer(ctx, from, to, amount)
	return checked(ok, err, from, to, amount)
}

func checked(ok bool, err error, from, to common.Address, amount *uint256.Int) error {
	if err != nil {
		return fmt.Errorf("%w: %s -> %s (%s): %w", ErrTransferFailed, from.Hex(), to.Hex(), amount.Dec(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrTransferFailed, from.Hex(), to.Hex(), amount.Dec())
	}
	return nil
}

// MintTo calls token.Mint and wraps failures in ErrMintFailed.
func MintTo(ctx context.Context, token Token, to common.Address, amount *uint256.Int) error {
	if err := token.Mint(ctx, to, amount); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMintFailed, to.Hex(), err)
	}
	return nil
}

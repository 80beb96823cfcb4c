package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceStore persists ledger balances so they survive a restart. Each
// ledger owns a namespace.
type BalanceStore interface {
	LoadBalances(ctx context.Context, ledger string) (map[common.Address]*uint256.Int, error)
	// PutBalances writes every entry of changed atomically.
	PutBalances(ctx context.Context, ledger string, changed map[common.Address]*uint256.Int) error
}

// balances is a mutex-guarded address → amount map, optionally written
// through to a BalanceStore.
type balances struct {
	mu       sync.Mutex
	m        map[common.Address]*uint256.Int
	rejected map[common.Address]bool

	sink BalanceStore
	name string
}

func newBalances() balances {
	return balances{
		m:        make(map[common.Address]*uint256.Int),
		rejected: make(map[common.Address]bool),
	}
}

// attach loads the persisted balances of name and writes every later
// change through to bs.
func (b *balances) attach(ctx context.Context, bs BalanceStore, name string) (map[common.Address]*uint256.Int, error) {
	loaded, err := bs.LoadBalances(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ledger: load %s balances: %w", name, err)
	}
	for addr, v := range loaded {
		b.m[addr] = v.Clone()
	}
	b.sink, b.name = bs, name
	return loaded, nil
}

// commit persists the current balance of addrs. On failure the previous
// in-memory values in prev are put back.
func (b *balances) commit(ctx context.Context, prev map[common.Address]*uint256.Int) error {
	if b.sink == nil {
		return nil
	}
	changed := make(map[common.Address]*uint256.Int, len(prev))
	for addr := range prev {
		changed[addr] = b.get(addr)
	}
	if err := b.sink.PutBalances(ctx, b.name, changed); err != nil {
		for addr, v := range prev {
			b.m[addr] = v
		}
		return fmt.Errorf("ledger: persist %s balances: %w", b.name, err)
	}
	return nil
}

func (b *balances) snapshot(addrs ...common.Address) map[common.Address]*uint256.Int {
	prev := make(map[common.Address]*uint256.Int, len(addrs))
	for _, addr := range addrs {
		prev[addr] = b.get(addr)
	}
	return prev
}

func (b *balances) get(addr common.Address) *uint256.Int {
	if v, ok := b.m[addr]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (b *balances) credit(addr common.Address, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(b.get(addr), amount)
	if overflow {
		return errors.New("ledger: balance overflow")
	}
	b.m[addr] = next
	return nil
}

func (b *balances) move(from, to common.Address, amount *uint256.Int) error {
	have := b.get(from)
	if have.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	if err := b.credit(to, amount); err != nil {
		return err
	}
	b.m[from] = have.Sub(have, amount)
	return nil
}

// MemoryToken is an in-memory issued token.
//
// With Attach, balances are written through to a BalanceStore and the
// supply is recomputed from them.
type MemoryToken struct {
	b        balances
	decimals uint8
	supply   *uint256.Int
}

// NewMemoryToken creates a token with the given precision.
func NewMemoryToken(decimals uint8) *MemoryToken {
	return &MemoryToken{b: newBalances(), decimals: decimals, supply: new(uint256.Int)}
}

// Attach restores the token from bs under name and persists every later
// mint there.
func (t *MemoryToken) Attach(ctx context.Context, bs BalanceStore, name string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	loaded, err := t.b.attach(ctx, bs, name)
	if err != nil {
		return err
	}
	supply := new(uint256.Int)
	for _, v := range loaded {
		var overflow bool
		if supply, overflow = supply.AddOverflow(supply, v); overflow {
			return errors.New("ledger: persisted supply overflows")
		}
	}
	t.supply = supply
	return nil
}

func (t *MemoryToken) Decimals() uint8 { return t.decimals }

func (t *MemoryToken) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.b.rejected[to] {
		return errors.New("ledger: receiver rejected mint")
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return errors.New("ledger: supply overflow")
	}
	prev := t.b.snapshot(to)
	if err := t.b.credit(to, amount); err != nil {
		return err
	}
	if err := t.b.commit(ctx, prev); err != nil {
		return err
	}
	t.supply = supply
	return nil
}

// BalanceOf returns the holder's balance.
func (t *MemoryToken) BalanceOf(addr common.Address) *uint256.Int {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.b.get(addr)
}

// TotalSupply returns everything minted so far.
func (t *MemoryToken) TotalSupply() *uint256.Int {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.supply.Clone()
}

// Reject makes every future mint to addr fail.
func (t *MemoryToken) Reject(addr common.Address, reject bool) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.rejected[addr] = reject
}

// MemoryAsset is an in-memory payment asset. Allowances are not modelled:
// TransferFrom succeeds whenever the owner has the balance.
type MemoryAsset struct {
	b balances

	// Hook, when set, runs inside every transfer before balances move. Tests
	// use it to simulate a payment asset that calls back into the engine.
	Hook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// NewMemoryAsset creates an empty payment asset.
func NewMemoryAsset() *MemoryAsset {
	return &MemoryAsset{b: newBalances()}
}

// Attach restores the asset from bs under name and persists every later
// credit and transfer there.
func (a *MemoryAsset) Attach(ctx context.Context, bs BalanceStore, name string) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	_, err := a.b.attach(ctx, bs, name)
	return err
}

// Credit adds amount to addr out of thin air (faucet).
func (a *MemoryAsset) Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	prev := a.b.snapshot(addr)
	if err := a.b.credit(addr, amount); err != nil {
		return err
	}
	return a.b.commit(ctx, prev)
}

// BalanceOf returns the holder's balance.
func (a *MemoryAsset) BalanceOf(addr common.Address) *uint256.Int {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	return a.b.get(addr)
}

// Reject makes transfers to addr report false without moving funds.
func (a *MemoryAsset) Reject(addr common.Address, reject bool) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.rejected[addr] = reject
}

func (a *MemoryAsset) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	return a.transfer(ctx, from, to, amount)
}

func (a *MemoryAsset) TransferFrom(ctx context.Context, owner, to common.Address, amount *uint256.Int) (bool, error) {
	return a.transfer(ctx, owner, to, amount)
}

func (a *MemoryAsset) transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	if a.Hook != nil {
		if err := a.Hook(ctx, from, to, amount); err != nil {
			return false, err
		}
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if a.b.rejected[to] {
		return false, nil
	}
	prev := a.b.snapshot(from, to)
	if err := a.b.move(from, to, amount); err != nil {
		return false, err
	}
	if err := a.b.commit(ctx, prev); err != nil {
		return false, err
	}
	return true, nil
}

var (
	_ Token        = (*MemoryToken)(nil)
	_ PaymentAsset = (*MemoryAsset)(nil)
)

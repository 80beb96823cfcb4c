package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/model"
	"github.com/atmx/issuance-engine/internal/store"
)

const window = 24 * time.Hour

// bondHarness starts a one-hour auction at genesis and fills 10 units at
// price 10 for alice, so her bond opens at genesis+1h.
func bondHarness(t *testing.T) (*harness, time.Time) {
	t.Helper()
	h := newHarness(t, 0, true)
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(1_000))
	if _, err := h.eng.Fill(context.Background(), alice, FillRequest{AmountOut: u(10)}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	return h, genesis.Add(time.Hour)
}

func TestBonds_SettleRecordsBondAndHoldsPayment(t *testing.T) {
	h, startRedemption := bondHarness(t)
	ctx := context.Background()

	b, ok, err := h.bonds.Bond(ctx, alice)
	if err != nil || !ok {
		t.Fatalf("bond missing: %v", err)
	}
	if b.AmountOut.Uint64() != 10 || b.AmountIn.Uint64() != 100 || !b.StartRedemption.Equal(startRedemption) {
		t.Errorf("bond = %+v", b)
	}
	if h.asset.BalanceOf(custodyAcct).Uint64() != 100 {
		t.Errorf("custody = %s, want 100", h.asset.BalanceOf(custodyAcct))
	}
	if !h.token.BalanceOf(alice).IsZero() {
		t.Error("bond fill must not mint")
	}
	kinds := h.rec.Kinds()
	if kinds[len(kinds)-2] != events.AuctionFilled || kinds[len(kinds)-1] != events.BondCreated {
		t.Errorf("events = %v", kinds)
	}
}

func TestBonds_OneLiveBondPerHolder(t *testing.T) {
	h, _ := bondHarness(t)
	ctx := context.Background()

	_, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(5)})
	if !errors.Is(err, ErrBondExists) {
		t.Fatalf("expected ErrBondExists, got %v", err)
	}
	rem, _ := h.remaining(t)
	if rem.Uint64() != 90 {
		t.Errorf("rejected fill changed supply: %s", rem)
	}
	if h.asset.BalanceOf(alice).Uint64() != 900 {
		t.Errorf("rejected fill moved payment: %s", h.asset.BalanceOf(alice))
	}

	// Another buyer is unaffected.
	h.fund(t, bob, u(100))
	if _, err := h.eng.Fill(ctx, bob, FillRequest{AmountOut: u(5)}); err != nil {
		t.Errorf("bob fill: %v", err)
	}
	bonds, _ := h.bonds.List(ctx)
	if len(bonds) != 2 {
		t.Errorf("expected 2 bonds, got %d", len(bonds))
	}
}

func TestBonds_StateTimeline(t *testing.T) {
	h, T := bondHarness(t)
	ctx := context.Background()

	if s, _ := h.bonds.State(ctx, bob, T); s != model.BondNone {
		t.Errorf("bob state = %s, want none", s)
	}

	cases := []struct {
		at   time.Time
		want model.BondState
	}{
		{T.Add(-time.Second), model.BondPending},
		{T, model.BondRedeemable},
		{T.Add(window), model.BondRedeemable},
		{T.Add(window + time.Second), model.BondExpired},
	}
	for _, c := range cases {
		got, err := h.bonds.State(ctx, alice, c.at)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("state at T%+v = %s, want %s", c.at.Sub(T), got, c.want)
		}
	}
}

func TestBonds_RedeemScenario(t *testing.T) {
	h, T := bondHarness(t)
	ctx := context.Background()

	h.now = T.Add(-time.Second)
	if _, err := h.bonds.Redeem(ctx, alice); !errors.Is(err, ErrRedemptionWindowNotStarted) {
		t.Fatalf("T-1: expected ErrRedemptionWindowNotStarted, got %v", err)
	}

	h.now = T
	b, err := h.bonds.Redeem(ctx, alice)
	if err != nil {
		t.Fatalf("T: redeem: %v", err)
	}
	if b.AmountOut.Uint64() != 10 {
		t.Errorf("redeemed bond = %+v", b)
	}
	if h.token.BalanceOf(alice).Uint64() != 10 {
		t.Errorf("minted %s, want 10", h.token.BalanceOf(alice))
	}
	if h.asset.BalanceOf(beneficiary).Uint64() != 100 || !h.asset.BalanceOf(custodyAcct).IsZero() {
		t.Error("payment not forwarded to beneficiary")
	}
	if s, _ := h.bonds.State(ctx, alice, T); s != model.BondNone {
		t.Errorf("state after redeem = %s", s)
	}

	// Second call fails with "no bond".
	if _, err := h.bonds.Redeem(ctx, alice); !errors.Is(err, ErrNoBondToRedeem) {
		t.Errorf("second redeem: expected ErrNoBondToRedeem, got %v", err)
	}
	if _, err := h.bonds.Withdraw(ctx, alice); !errors.Is(err, ErrNoBondToWithdraw) {
		t.Errorf("withdraw after redeem: expected ErrNoBondToWithdraw, got %v", err)
	}
}

func TestBonds_RedeemWindowInclusiveEnd(t *testing.T) {
	h, T := bondHarness(t)
	h.now = T.Add(window)
	if _, err := h.bonds.Redeem(context.Background(), alice); err != nil {
		t.Errorf("redeem at T+W: %v", err)
	}
}

func TestBonds_ExpiredBondCanOnlyBeWithdrawn(t *testing.T) {
	h, T := bondHarness(t)
	ctx := context.Background()

	h.now = T.Add(window + time.Second)
	if _, err := h.bonds.Redeem(ctx, alice); !errors.Is(err, ErrRedemptionWindowPassed) {
		t.Fatalf("expected ErrRedemptionWindowPassed, got %v", err)
	}

	h.rec.Reset()
	b, err := h.bonds.Withdraw(ctx, alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if b.AmountIn.Uint64() != 100 {
		t.Errorf("withdrawn bond = %+v", b)
	}
	if h.asset.BalanceOf(alice).Uint64() != 1_000 {
		t.Errorf("refund: alice has %s, want 1000", h.asset.BalanceOf(alice))
	}
	if !h.token.TotalSupply().IsZero() {
		t.Error("withdraw must not mint")
	}
	if k := h.rec.Kinds(); len(k) != 1 || k[0] != events.BondWithdrawn {
		t.Errorf("events = %v", k)
	}
	if _, err := h.bonds.Withdraw(ctx, alice); !errors.Is(err, ErrNoBondToWithdraw) {
		t.Errorf("second withdraw: expected ErrNoBondToWithdraw, got %v", err)
	}
}

func TestBonds_WithdrawWhileRedeemable(t *testing.T) {
	h, T := bondHarness(t)
	h.now = T.Add(time.Hour)
	if _, err := h.bonds.Withdraw(context.Background(), alice); err != nil {
		t.Errorf("withdraw while redeemable: %v", err)
	}
}

func TestBonds_WithdrawPendingOrAbsent(t *testing.T) {
	h, T := bondHarness(t)
	ctx := context.Background()

	h.now = T.Add(-time.Second)
	if _, err := h.bonds.Withdraw(ctx, alice); !errors.Is(err, ErrRedemptionWindowNotStarted) {
		t.Errorf("pending: expected ErrRedemptionWindowNotStarted, got %v", err)
	}
	if _, err := h.bonds.Withdraw(ctx, bob); !errors.Is(err, ErrNoBondToWithdraw) {
		t.Errorf("absent: expected ErrNoBondToWithdraw, got %v", err)
	}
	if _, err := h.bonds.Redeem(ctx, bob); !errors.Is(err, ErrNoBondToRedeem) {
		t.Errorf("absent: expected ErrNoBondToRedeem, got %v", err)
	}
}

func TestBonds_FailedRedeemKeepsBond(t *testing.T) {
	h, T := bondHarness(t)
	ctx := context.Background()
	h.now = T
	h.token.Reject(alice, true)

	if _, err := h.bonds.Redeem(ctx, alice); !errors.Is(err, ledger.ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if _, ok, _ := h.bonds.Bond(ctx, alice); !ok {
		t.Error("bond lost after failed redeem")
	}
	if h.asset.BalanceOf(custodyAcct).Uint64() != 100 || !h.asset.BalanceOf(beneficiary).IsZero() {
		t.Error("payment not returned to custody")
	}

	h.token.Reject(alice, false)
	if _, err := h.bonds.Redeem(ctx, alice); err != nil {
		t.Errorf("retry redeem: %v", err)
	}
}

func TestBonds_FailedSettleLeavesNoBond(t *testing.T) {
	h := newHarness(t, 0, true)
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(5))

	if _, err := h.eng.Fill(context.Background(), alice, FillRequest{AmountOut: u(1)}); !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, ok, _ := h.bonds.Bond(context.Background(), alice); ok {
		t.Error("failed settle left a bond behind")
	}
}

// stallingStore runs hook once, after a bond has been read from the primary
// and before the reader gets it back.
type stallingStore struct {
	*store.MemoryStore
	hook func()
}

func (s *stallingStore) GetBond(ctx context.Context, holder common.Address) (model.Bond, bool, error) {
	b, ok, err := s.MemoryStore.GetBond(ctx, holder)
	if hook := s.hook; hook != nil {
		s.hook = nil
		hook()
	}
	return b, ok, err
}

func TestBonds_CachedReadRacingRedeemCannotRedeemTwice(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &stallingStore{MemoryStore: store.NewMemoryStore()}
	h := newHarnessOn(t, store.NewCachedStore(primary, rdb, time.Minute), 0, true)
	ctx := context.Background()

	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(100))
	h.fund(t, bob, u(100))
	for _, buyer := range []common.Address{alice, bob} {
		if _, err := h.eng.Fill(ctx, buyer, FillRequest{AmountOut: u(10)}); err != nil {
			t.Fatalf("fill %s: %v", buyer.Hex(), err)
		}
	}
	h.now = genesis.Add(time.Hour)

	// A read handler loads alice's bond; alice redeems before it returns.
	primary.hook = func() {
		if _, err := h.bonds.Redeem(ctx, alice); err != nil {
			t.Fatalf("redeem: %v", err)
		}
	}
	if _, ok, err := h.bonds.Bond(ctx, alice); err != nil || !ok {
		t.Fatalf("racing read: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := h.bonds.Bond(ctx, alice); ok {
		t.Error("redeemed bond was cached by the racing read")
	}
	if _, err := h.bonds.Redeem(ctx, alice); !errors.Is(err, ErrNoBondToRedeem) {
		t.Fatalf("second redeem: expected ErrNoBondToRedeem, got %v", err)
	}
	if got := h.token.BalanceOf(alice).Uint64(); got != 10 {
		t.Errorf("alice minted %d, want 10", got)
	}
	if got := h.asset.BalanceOf(custodyAcct).Uint64(); got != 100 {
		t.Errorf("custody = %d, want bob's 100 untouched", got)
	}
	if got := h.asset.BalanceOf(beneficiary).Uint64(); got != 100 {
		t.Errorf("beneficiary = %d, want 100", got)
	}
}

package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/auth"
	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/model"
	"github.com/atmx/issuance-engine/internal/store"
)

var (
	owner       = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	operator    = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	custodyAcct = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000be")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	genesis = time.Unix(1_700_000_000, 0).UTC()
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func ud(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

type harness struct {
	now   time.Time
	store store.Store
	token *ledger.MemoryToken
	asset *ledger.MemoryAsset
	rec   *events.Recorder
	gate  *eligibility.Gate
	deps  Deps
	eng   *Engine
	bonds *Bonds
}

// newHarness builds an engine on in-memory collaborators. bond selects the
// deferred settlement policy instead of the immediate one.
func newHarness(t *testing.T, decimals uint8, bond bool) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryStore(), decimals, bond)
}

// newHarnessOn is newHarness over a caller-supplied store.
func newHarnessOn(t *testing.T, st store.Store, decimals uint8, bond bool) *harness {
	t.Helper()
	h := &harness{
		now:   genesis,
		store: st,
		token: ledger.NewMemoryToken(decimals),
		asset: ledger.NewMemoryAsset(),
		rec:   &events.Recorder{},
	}
	h.gate = eligibility.NewGate(h.store, nil)
	h.deps = Deps{
		Store:   h.store,
		Custody: &ledger.Custody{Token: h.token, Payment: h.asset, Account: custodyAcct},
		Auth:    auth.NewRoles(owner, operator),
		Locker:  lock.NewLocal(),
		Gate:    h.gate,
		Events:  h.rec,
		Clock:   func() time.Time { return h.now },
	}
	var settler Settler = NewImmediate(h.deps.Custody, beneficiary)
	if bond {
		h.bonds = NewBonds(h.deps, 24*time.Hour, beneficiary)
		settler = h.bonds
	}
	h.eng = NewEngine(DefaultConfig(), h.deps, settler)
	return h
}

func (h *harness) fund(t *testing.T, who common.Address, amount *uint256.Int) {
	t.Helper()
	if err := h.asset.Credit(context.Background(), who, amount); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) start(t *testing.T, startPrice, endPrice, amount *uint256.Int, dur time.Duration) model.Auction {
	t.Helper()
	a, err := h.eng.StartAuction(context.Background(), operator, StartParams{
		Duration:   dur,
		StartPrice: startPrice,
		EndPrice:   endPrice,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	return a
}

func (h *harness) remaining(t *testing.T) (*uint256.Int, bool) {
	t.Helper()
	a, ok, err := h.eng.Auction(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return nil, false
	}
	return a.Amount, true
}

// --- StartAuction ---

func TestStartAuction_Validation(t *testing.T) {
	maxU := new(uint256.Int).SetAllOne()
	tests := []struct {
		name   string
		caller common.Address
		p      StartParams
		want   error
	}{
		{"not operator", alice, StartParams{Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, auth.ErrUnauthorized},
		{"start in past", operator, StartParams{StartTime: genesis.Add(-time.Second), Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, ErrInvalidStartTime},
		{"start too far ahead", operator, StartParams{StartTime: genesis.Add(7*24*time.Hour + time.Second), Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, ErrInvalidStartTime},
		{"zero duration", operator, StartParams{Duration: 0, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, ErrInvalidDuration},
		{"sub-second duration", operator, StartParams{Duration: 500 * time.Millisecond, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, ErrInvalidDuration},
		{"duration too long", operator, StartParams{Duration: 30*24*time.Hour + time.Second, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}, ErrInvalidDuration},
		{"zero amount", operator, StartParams{Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(0)}, ErrInvalidAmount},
		{"notional overflow", operator, StartParams{Duration: time.Hour, StartPrice: maxU, EndPrice: u(1), Amount: u(2)}, ErrAmountOverflow},
		{"zero end price", operator, StartParams{Duration: time.Hour, StartPrice: u(2), EndPrice: u(0), Amount: u(1)}, ErrInvalidPrice},
		{"rising price", operator, StartParams{Duration: time.Hour, StartPrice: u(1), EndPrice: u(2), Amount: u(1)}, ErrInvalidPrice},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0, false)
			_, err := h.eng.StartAuction(context.Background(), tc.caller, tc.p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, ok, _ := h.eng.Auction(context.Background()); ok {
				t.Error("failed start left an auction behind")
			}
			if len(h.rec.Events()) != 0 {
				t.Errorf("failed start published events: %v", h.rec.Kinds())
			}
		})
	}
}

func TestStartAuction_Boundaries(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()

	// Exactly 7 days ahead and exactly 30 days long are allowed.
	a, err := h.eng.StartAuction(ctx, operator, StartParams{
		StartTime:  genesis.Add(7 * 24 * time.Hour),
		Duration:   30 * 24 * time.Hour,
		StartPrice: u(5),
		EndPrice:   u(5),
		Amount:     u(10),
	})
	if err != nil {
		t.Fatalf("boundary start rejected: %v", err)
	}
	if !a.StartTime.Equal(genesis.Add(7 * 24 * time.Hour)) {
		t.Errorf("start = %v", a.StartTime)
	}

	// Scheduled but not yet active: a new start replaces it.
	if _, err := h.eng.StartAuction(ctx, owner, StartParams{Duration: time.Hour, StartPrice: u(9), EndPrice: u(3), Amount: u(1)}); err != nil {
		t.Fatalf("replacing scheduled auction: %v", err)
	}
	got, _, _ := h.eng.Auction(ctx)
	if !got.StartTime.Equal(genesis) || got.StartPrice.Uint64() != 9 {
		t.Errorf("auction not replaced: %+v", got)
	}
}

func TestStartAuction_RejectsWhileActive(t *testing.T) {
	h := newHarness(t, 0, false)
	h.start(t, u(10), u(5), u(100), time.Hour)

	_, err := h.eng.StartAuction(context.Background(), operator, StartParams{Duration: time.Hour, StartPrice: u(10), EndPrice: u(5), Amount: u(1)})
	if !errors.Is(err, ErrAuctionActive) {
		t.Fatalf("expected ErrAuctionActive, got %v", err)
	}

	// Once the window closes a new auction may start.
	h.now = genesis.Add(time.Hour)
	h.start(t, u(10), u(5), u(100), time.Hour)
}

func TestCancelAuction(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(5), u(100), time.Hour)

	if err := h.eng.CancelAuction(ctx, bob); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.eng.CancelAuction(ctx, operator); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.eng.Auction(ctx); ok {
		t.Error("auction still present after cancel")
	}
	kinds := h.rec.Kinds()
	if kinds[len(kinds)-1] != events.AuctionCancelled {
		t.Errorf("expected auction_cancelled, got %v", kinds)
	}

	// A fresh auction can start immediately.
	h.start(t, u(10), u(5), u(100), time.Hour)
}

// --- Pricing through the engine ---

func TestCurrentPrice_BoundsAndMonotonic(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	dur := 86400 * time.Second
	h.start(t, u(10_000), u(3_000), ud("100000000000000000000"), dur)

	p0, err := h.eng.CurrentPrice(ctx, genesis)
	if err != nil {
		t.Fatal(err)
	}
	if p0.Uint64() != 10_000 {
		t.Errorf("price at start = %s, want 10000", p0)
	}
	pEnd, _ := h.eng.CurrentPrice(ctx, genesis.Add(dur-time.Second))
	if pEnd.Uint64() != 3_000 {
		t.Errorf("price at last second = %s, want 3000", pEnd)
	}
	pBefore, _ := h.eng.CurrentPrice(ctx, genesis.Add(-time.Hour))
	if pBefore.Uint64() != 10_000 {
		t.Errorf("price before start = %s, want 10000", pBefore)
	}

	prev := p0
	for s := int64(0); s < 86400; s += 997 {
		p, err := h.eng.CurrentPrice(ctx, genesis.Add(time.Duration(s)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if p.Gt(prev) {
			t.Fatalf("price rose at %ds: %s > %s", s, p, prev)
		}
		prev = p
	}
}

func TestReads_NoAuction(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	if _, err := h.eng.CurrentPrice(ctx, genesis); !errors.Is(err, ErrNoAuction) {
		t.Errorf("expected ErrNoAuction, got %v", err)
	}
	if _, err := h.eng.AmountIn(ctx, u(1), genesis); !errors.Is(err, ErrNoAuction) {
		t.Errorf("expected ErrNoAuction, got %v", err)
	}
	active, err := h.eng.IsActive(ctx, genesis)
	if err != nil || active {
		t.Errorf("IsActive = %v, %v", active, err)
	}
}

func TestIsActive_Window(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(5), u(100), time.Hour)

	cases := []struct {
		at   time.Time
		want bool
	}{
		{genesis.Add(-time.Second), false},
		{genesis, true},
		{genesis.Add(time.Hour - time.Second), true},
		{genesis.Add(time.Hour), false},
	}
	for _, c := range cases {
		got, _ := h.eng.IsActive(ctx, c.at)
		if got != c.want {
			t.Errorf("IsActive(%v) = %v, want %v", c.at.Sub(genesis), got, c.want)
		}
	}
}

// --- Fill ---

func TestFill_ExampleScenario(t *testing.T) {
	h := newHarness(t, 18, false)
	ctx := context.Background()
	amount := ud("100000000000000000000") // 100e18
	h.start(t, u(10_000), u(3_000), amount, 86400*time.Second)
	h.fund(t, alice, u(10_000_000))

	quote, err := h.eng.AmountIn(ctx, amount, genesis)
	if err != nil {
		t.Fatal(err)
	}
	if quote.Uint64() != 1_000_000 {
		t.Errorf("quote = %s, want 1000000", quote)
	}

	fill, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: amount})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if fill.AmountIn.Uint64() != 1_000_000 || fill.Price.Uint64() != 10_000 {
		t.Errorf("fill = in %s at %s", fill.AmountIn, fill.Price)
	}
	if _, ok := h.remaining(t); ok {
		t.Error("exact fill must delete the auction")
	}

	// --- balances ---
	if !h.token.BalanceOf(alice).Eq(amount) {
		t.Errorf("minted %s, want %s", h.token.BalanceOf(alice), amount)
	}
	if h.asset.BalanceOf(beneficiary).Uint64() != 1_000_000 {
		t.Errorf("beneficiary got %s", h.asset.BalanceOf(beneficiary))
	}
	if !h.asset.BalanceOf(custodyAcct).IsZero() {
		t.Error("immediate settlement must not leave funds in custody")
	}

	want := []events.Kind{events.AuctionStarted, events.AuctionEndedEarly, events.AuctionFilled}
	got := h.rec.Kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	fills, _ := h.eng.Fills(ctx)
	if len(fills) != 1 || fills[0].ID != fill.ID || fills[0].Kind != model.FillAuction {
		t.Errorf("fill ledger = %+v", fills)
	}
}

func TestFill_PartialFillsAccumulate(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(2), u(1000), time.Hour)
	h.fund(t, alice, u(1_000_000))

	var sum uint64
	for i, amt := range []uint64{1, 10, 100, 250} {
		h.now = genesis.Add(time.Duration(i*60) * time.Second)
		if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(amt)}); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		sum += amt
		rem, ok := h.remaining(t)
		if !ok || rem.Uint64() != 1000-sum {
			t.Fatalf("after fill %d remaining = %v, want %d", i, rem, 1000-sum)
		}
	}
	for _, k := range h.rec.Kinds() {
		if k == events.AuctionEndedEarly {
			t.Error("partial fills must not end the auction")
		}
	}
	if h.token.BalanceOf(alice).Uint64() != sum {
		t.Errorf("minted %s, want %d", h.token.BalanceOf(alice), sum)
	}
}

func TestFill_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no auction", func(t *testing.T) {
		h := newHarness(t, 0, false)
		_, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)})
		if !errors.Is(err, ErrAuctionNotActive) {
			t.Errorf("expected ErrAuctionNotActive, got %v", err)
		}
	})

	t.Run("not started", func(t *testing.T) {
		h := newHarness(t, 0, false)
		_, err := h.eng.StartAuction(ctx, operator, StartParams{StartTime: genesis.Add(time.Minute), Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(5)})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)}); !errors.Is(err, ErrAuctionNotActive) {
			t.Errorf("expected ErrAuctionNotActive, got %v", err)
		}
	})

	t.Run("window closed", func(t *testing.T) {
		h := newHarness(t, 0, false)
		h.start(t, u(2), u(1), u(5), time.Hour)
		h.now = genesis.Add(time.Hour)
		if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)}); !errors.Is(err, ErrAuctionNotActive) {
			t.Errorf("expected ErrAuctionNotActive, got %v", err)
		}
	})

	h := newHarness(t, 0, false)
	h.eng.cfg.MinFillAmount = u(3)
	h.start(t, u(20), u(10), u(100), time.Hour)
	h.fund(t, alice, u(1_000_000))

	tests := []struct {
		name string
		req  FillRequest
		want error
	}{
		{"nil amount", FillRequest{}, ErrInvalidFillAmount},
		{"zero amount", FillRequest{AmountOut: u(0)}, ErrInvalidFillAmount},
		{"below minimum", FillRequest{AmountOut: u(2)}, ErrFillBelowMinimum},
		{"exceeds supply", FillRequest{AmountOut: u(101)}, ErrAmountExceedsSupply},
		{"slippage", FillRequest{AmountOut: u(5), MaxPrice: u(19)}, ErrSlippage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.Fill(ctx, alice, tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	rem, _ := h.remaining(t)
	if rem.Uint64() != 100 {
		t.Errorf("rejected fills changed supply: %s", rem)
	}

	// Max price equal to the current price passes.
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(5), MaxPrice: u(20)}); err != nil {
		t.Errorf("fill at max price rejected: %v", err)
	}
}

func TestFill_MinimumPaymentIsOneUnit(t *testing.T) {
	h := newHarness(t, 18, false)
	h.start(t, u(1), u(1), u(1000), time.Hour)
	h.fund(t, alice, u(10))

	fill, err := h.eng.Fill(context.Background(), alice, FillRequest{AmountOut: u(1)})
	if err != nil {
		t.Fatal(err)
	}
	if fill.AmountIn.Uint64() != 1 {
		t.Errorf("amountIn = %s, want 1", fill.AmountIn)
	}
}

// --- Atomic revert ---

func TestFill_PaymentFailureRevertsEverything(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(99)) // 10 units cost 100
	h.rec.Reset()

	_, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(10)})
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	rem, _ := h.remaining(t)
	if rem.Uint64() != 100 {
		t.Errorf("supply = %s, want 100", rem)
	}
	if len(h.rec.Events()) != 0 {
		t.Errorf("failed fill published %v", h.rec.Kinds())
	}
	if fills, _ := h.eng.Fills(ctx); len(fills) != 0 {
		t.Errorf("failed fill recorded: %+v", fills)
	}
}

func TestFill_ExactFillRevertRestoresAuction(t *testing.T) {
	h := newHarness(t, 0, false)
	h.start(t, u(10), u(10), u(5), time.Hour)
	h.fund(t, alice, u(1_000))
	h.asset.Reject(beneficiary, true)

	_, err := h.eng.Fill(context.Background(), alice, FillRequest{AmountOut: u(5)})
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	rem, ok := h.remaining(t)
	if !ok || rem.Uint64() != 5 {
		t.Errorf("auction not restored: %v %v", rem, ok)
	}
	if h.asset.BalanceOf(alice).Uint64() != 1_000 {
		t.Errorf("buyer not refunded: %s", h.asset.BalanceOf(alice))
	}
}

func TestFill_MintFailureRefundsBuyer(t *testing.T) {
	h := newHarness(t, 0, false)
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(1_000))
	h.token.Reject(alice, true)

	_, err := h.eng.Fill(context.Background(), alice, FillRequest{AmountOut: u(10)})
	if !errors.Is(err, ledger.ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if h.asset.BalanceOf(alice).Uint64() != 1_000 {
		t.Errorf("buyer balance = %s, want 1000", h.asset.BalanceOf(alice))
	}
	if !h.asset.BalanceOf(beneficiary).IsZero() || !h.asset.BalanceOf(custodyAcct).IsZero() {
		t.Error("payment not unwound")
	}
}

func TestFill_ReentrantCallFails(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(1_000))

	var inner error
	fired := false
	h.asset.Hook = func(ctx context.Context, _, _ common.Address, _ *uint256.Int) error {
		if fired {
			return nil
		}
		fired = true
		_, inner = h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)})
		return inner
	}

	_, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(10)})
	if !errors.Is(inner, lock.ErrReentrant) {
		t.Fatalf("inner call: expected ErrReentrant, got %v", inner)
	}
	if !errors.Is(err, ledger.ErrTransferFailed) || !errors.Is(err, lock.ErrReentrant) {
		t.Errorf("outer call: %v", err)
	}
	rem, _ := h.remaining(t)
	if rem.Uint64() != 100 {
		t.Errorf("supply = %s, want 100", rem)
	}

	// The lock was released: a normal fill now succeeds.
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)}); err != nil {
		t.Errorf("fill after reentrancy failure: %v", err)
	}
}

func TestFill_ConcurrentFillsSerialize(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(1), u(1), u(50), time.Hour)
	h.fund(t, alice, u(1_000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAuctionNotActive):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 50 || exhausted != 30 {
		t.Errorf("ok=%d exhausted=%d, want 50/30", ok, exhausted)
	}
	if h.token.TotalSupply().Uint64() != 50 {
		t.Errorf("minted %s, want 50", h.token.TotalSupply())
	}
}

// --- Eligibility ---

func TestFill_EligibilityGate(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	signer, err := eligibility.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	addr := signer.Address()

	if err := h.eng.SetSigner(ctx, operator, &addr); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("operator must not rotate signer, got %v", err)
	}
	if err := h.eng.SetSigner(ctx, owner, &addr); err != nil {
		t.Fatal(err)
	}
	if got := h.eng.Signer(); got == nil || *got != addr {
		t.Fatalf("signer = %v", got)
	}

	a := h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(50))

	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)}); !errors.Is(err, eligibility.ErrInvalidSignature) {
		t.Fatalf("unsigned fill: expected ErrInvalidSignature, got %v", err)
	}

	digest := eligibility.RoundDigest(alice, a.StartTime, a.Duration, a.StartPrice, a.EndPrice)
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatal(err)
	}

	// bob cannot use alice's signature.
	h.fund(t, bob, u(50))
	if _, err := h.eng.Fill(ctx, bob, FillRequest{AmountOut: u(1), Signature: sig}); !errors.Is(err, eligibility.ErrInvalidSignature) {
		t.Errorf("foreign signature: expected ErrInvalidSignature, got %v", err)
	}

	// A fill that fails for another reason does not burn the signature.
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(10), Signature: sig}); !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1), Signature: sig}); err != nil {
		t.Fatalf("signed fill: %v", err)
	}
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1), Signature: sig}); !errors.Is(err, eligibility.ErrSignatureConsumed) {
		t.Errorf("replay: expected ErrSignatureConsumed, got %v", err)
	}

	// Opening the gate again admits unsigned fills.
	if err := h.eng.SetSigner(ctx, owner, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Fill(ctx, alice, FillRequest{AmountOut: u(1)}); err != nil {
		t.Errorf("open gate fill: %v", err)
	}
}

func TestFillsByBuyer(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	h.start(t, u(10), u(10), u(100), time.Hour)
	h.fund(t, alice, u(1_000))
	h.fund(t, bob, u(1_000))
	for _, f := range []struct {
		buyer common.Address
		n     uint64
	}{{alice, 1}, {bob, 2}, {alice, 3}} {
		if _, err := h.eng.Fill(ctx, f.buyer, FillRequest{AmountOut: u(f.n)}); err != nil {
			t.Fatal(err)
		}
	}

	fills, err := h.eng.FillsByBuyer(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 || fills[0].AmountOut.Uint64() != 1 || fills[1].AmountOut.Uint64() != 3 {
		t.Fatalf("alice fills = %+v", fills)
	}
	for _, f := range fills {
		if f.Buyer != alice {
			t.Errorf("fill for %s in alice's ledger", f.Buyer.Hex())
		}
	}
	if none, _ := h.eng.FillsByBuyer(ctx, owner); len(none) != 0 {
		t.Errorf("owner fills = %d, want 0", len(none))
	}
}

func TestOperatorGrantRevoke(t *testing.T) {
	h := newHarness(t, 0, false)
	ctx := context.Background()
	params := StartParams{Duration: time.Hour, StartPrice: u(2), EndPrice: u(1), Amount: u(1)}

	if err := h.eng.GrantOperator(ctx, operator, bob); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("operator granting: expected ErrUnauthorized, got %v", err)
	}
	if err := h.eng.GrantOperator(ctx, owner, common.Address{}); !errors.Is(err, ErrInvalidOperator) {
		t.Fatalf("zero operator: expected ErrInvalidOperator, got %v", err)
	}
	if err := h.eng.GrantOperator(ctx, owner, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.StartAuction(ctx, bob, params); err != nil {
		t.Fatalf("granted operator cannot start: %v", err)
	}
	if err := h.eng.CancelAuction(ctx, bob); err != nil {
		t.Fatal(err)
	}

	if err := h.eng.RevokeOperator(ctx, owner, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.StartAuction(ctx, bob, params); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("revoked operator: expected ErrUnauthorized, got %v", err)
	}

	kinds := h.rec.Kinds()
	if kinds[0] != events.OperatorGranted || kinds[len(kinds)-1] != events.OperatorRevoked {
		t.Errorf("events = %v", kinds)
	}
}

type fixedAuthorizer struct{}

func (fixedAuthorizer) Authorize(context.Context, common.Address, auth.Role) error { return nil }

func TestOperatorGrant_FixedRoles(t *testing.T) {
	h := newHarness(t, 0, false)
	deps := h.deps
	deps.Auth = fixedAuthorizer{}
	eng := NewEngine(DefaultConfig(), deps, NewImmediate(deps.Custody, beneficiary))
	if err := eng.GrantOperator(context.Background(), owner, bob); !errors.Is(err, ErrRolesFixed) {
		t.Fatalf("expected ErrRolesFixed, got %v", err)
	}
}

// Package api exposes the allocation engine, the bond book and the deposit
// offering over HTTP, and streams committed events over WebSocket.
//
// Raw amounts travel as decimal strings of integer units. Responses also
// carry human-readable values scaled with shopspring/decimal.
//
// Mutating routes act as the account that signed the request (see
// Authenticator); request bodies never name the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/issuance-engine/internal/auction"
	"github.com/atmx/issuance-engine/internal/auth"
	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/model"
	"github.com/atmx/issuance-engine/internal/offering"
	"github.com/atmx/issuance-engine/internal/units"
)

var errBadRequest = errors.New("bad request")

// BalanceSource reads an account balance from a ledger.
type BalanceSource interface {
	BalanceOf(addr common.Address) *uint256.Int
}

// Faucet credits payment funds to an account. Only wired in dev.
type Faucet interface {
	Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error
}

// Options wires a Service. Bonds, Offering, balances and Faucet are
// optional; their routes answer 404 when unset.
type Options struct {
	Engine          *auction.Engine
	Bonds           *auction.Bonds
	Offering        *offering.Offering
	Token           BalanceSource
	Payment         BalanceSource
	PaymentDecimals uint8
	Faucet          Faucet
	Clock           func() time.Time
}

// Service handles issuance operations over HTTP.
type Service struct {
	opts Options
}

// NewService creates the HTTP service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{opts: opts}
}

// Routes mounts the handlers on r. Mutating routes other than the dev
// faucet sit behind authn.
func (s *Service) Routes(r chi.Router, authn *Authenticator) {
	r.Get("/auction", s.GetAuction)
	r.Get("/auction/price", s.GetPrice)
	r.Get("/auction/amount-in", s.GetAmountIn)
	r.Get("/auction/active", s.GetActive)
	r.Get("/fills", s.ListFills)
	r.Get("/bonds", s.ListBonds)
	r.Get("/bonds/{address}", s.GetBond)
	r.Get("/offering", s.GetOffering)
	r.Get("/signer", s.GetSigner)
	r.Get("/balances/{address}", s.GetBalances)
	r.Post("/dev/faucet", s.Faucet)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/auction", s.StartAuction)
		r.Delete("/auction", s.CancelAuction)
		r.Post("/auction/fill", s.Fill)
		r.Post("/bonds/{address}/redeem", s.RedeemBond)
		r.Post("/bonds/{address}/withdraw", s.WithdrawBond)
		r.Post("/offering/deposit", s.Deposit)
		r.Put("/signer", s.SetSigner)
		r.Put("/operators/{address}", s.GrantOperator)
		r.Delete("/operators/{address}", s.RevokeOperator)
	})
}

// --- Request/Response types ---

// StartAuctionRequest is the JSON body for POST /auction.
type StartAuctionRequest struct {
	StartTime       int64  `json:"start_time"` // unix seconds; 0 → now
	DurationSeconds int64  `json:"duration_seconds"`
	StartPrice      string `json:"start_price"`
	EndPrice        string `json:"end_price"`
	Amount          string `json:"amount"`
}

// FillRequest is the JSON body for POST /auction/fill.
type FillRequest struct {
	AmountOut string `json:"amount_out"`
	MaxPrice  string `json:"max_price,omitempty"` // optional slippage bound
	Signature string `json:"signature,omitempty"` // hex; required when a signer is set
}

// DepositRequest is the JSON body for POST /offering/deposit.
type DepositRequest struct {
	Payment   string `json:"payment"`
	Signature string `json:"signature,omitempty"`
}

// SetSignerRequest is the JSON body for PUT /signer. An empty signer opens
// the gate.
type SetSignerRequest struct {
	Signer string `json:"signer"`
}

// FaucetRequest is the JSON body for POST /dev/faucet.
type FaucetRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// AuctionView is the auction snapshot returned by the API.
type AuctionView struct {
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	DurationSeconds int64           `json:"duration_seconds"`
	StartPrice      string          `json:"start_price"`
	EndPrice        string          `json:"end_price"`
	Remaining       string          `json:"remaining"`
	RemainingUnits  decimal.Decimal `json:"remaining_units"`
	CurrentPrice    string          `json:"current_price"`
	Active          bool            `json:"active"`
}

// FillView is a fill with human-readable amounts.
type FillView struct {
	model.Fill
	AmountOutUnits decimal.Decimal `json:"amount_out_units"`
	AmountInUnits  decimal.Decimal `json:"amount_in_units"`
}

// BondView is a bond with its derived state.
type BondView struct {
	Holder          string          `json:"holder"`
	AmountOut       string          `json:"amount_out"`
	AmountIn        string          `json:"amount_in"`
	AmountOutUnits  decimal.Decimal `json:"amount_out_units"`
	StartRedemption time.Time       `json:"start_redemption"`
	RedemptionEnd   time.Time       `json:"redemption_end"`
	State           model.BondState `json:"state"`
}

// OfferingView describes the deposit offering.
type OfferingView struct {
	Cap        string `json:"cap"`
	Remaining  string `json:"remaining"`
	MinDeposit string `json:"min_deposit"`
	MaxDeposit string `json:"max_deposit"`
	Rate       string `json:"rate"`
	PremiumBps uint64 `json:"premium_bps"`
	Owner      string `json:"owner"`
}

// --- Auction handlers ---

// GetAuction handles GET /api/v1/auction
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok, err := s.opts.Engine.Auction(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeDomainError(w, auction.ErrNoAuction)
		return
	}
	view, err := s.auctionView(ctx, a, s.opts.Clock())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StartAuction handles POST /api/v1/auction
func (s *Service) StartAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	var req StartAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var err error
	p := auction.StartParams{Duration: time.Duration(req.DurationSeconds) * time.Second}
	if req.StartTime != 0 {
		p.StartTime = time.Unix(req.StartTime, 0).UTC()
	}
	if p.StartPrice, err = parseAmount("start_price", req.StartPrice); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.EndPrice, err = parseAmount("end_price", req.EndPrice); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Amount, err = parseAmount("amount", req.Amount); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	a, err := s.opts.Engine.StartAuction(r.Context(), caller, p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	view, err := s.auctionView(r.Context(), a, s.opts.Clock())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// CancelAuction handles DELETE /api/v1/auction
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	if err := s.opts.Engine.CancelAuction(r.Context(), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetPrice handles GET /api/v1/auction/price?at=<unix>
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	at, err := s.at(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := s.opts.Engine.CurrentPrice(r.Context(), at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":          at,
		"price":       price.Dec(),
		"price_units": units.ToDecimal(price, s.opts.PaymentDecimals),
	})
}

// GetAmountIn handles GET /api/v1/auction/amount-in?amount_out=&at=
func (s *Service) GetAmountIn(w http.ResponseWriter, r *http.Request) {
	at, err := s.at(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amountOut, err := parseAmount("amount_out", r.URL.Query().Get("amount_out"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amountIn, err := s.opts.Engine.AmountIn(r.Context(), amountOut, at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":              at,
		"amount_out":      amountOut.Dec(),
		"amount_in":       amountIn.Dec(),
		"amount_in_units": units.ToDecimal(amountIn, s.opts.PaymentDecimals),
	})
}

// GetActive handles GET /api/v1/auction/active?at=<unix>
func (s *Service) GetActive(w http.ResponseWriter, r *http.Request) {
	at, err := s.at(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	active, err := s.opts.Engine.IsActive(r.Context(), at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"at": at, "active": active})
}

// Fill handles POST /api/v1/auction/fill
func (s *Service) Fill(w http.ResponseWriter, r *http.Request) {
	buyer, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	var err error
	var fr auction.FillRequest
	if fr.AmountOut, err = parseAmount("amount_out", req.AmountOut); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxPrice != "" {
		if fr.MaxPrice, err = parseAmount("max_price", req.MaxPrice); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if fr.Signature, err = eligibility.DecodeSignature(req.Signature); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	fill, err := s.opts.Engine.Fill(r.Context(), buyer, fr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fillView(fill))
}

// ListFills handles GET /api/v1/fills, optionally filtered by ?buyer=.
func (s *Service) ListFills(w http.ResponseWriter, r *http.Request) {
	var fills []model.Fill
	var err error
	if b := r.URL.Query().Get("buyer"); b != "" {
		buyer, perr := parseAddress("buyer", b)
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		fills, err = s.opts.Engine.FillsByBuyer(r.Context(), buyer)
	} else {
		fills, err = s.opts.Engine.Fills(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list fills", http.StatusInternalServerError)
		return
	}

	views := make([]FillView, 0, len(fills))
	for _, f := range fills {
		views = append(views, s.fillView(f))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Bond handlers ---

// ListBonds handles GET /api/v1/bonds
func (s *Service) ListBonds(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bonds == nil {
		writeError(w, "bond settlement not enabled", http.StatusNotFound)
		return
	}
	bonds, err := s.opts.Bonds.List(r.Context())
	if err != nil {
		writeError(w, "failed to list bonds", http.StatusInternalServerError)
		return
	}
	now := s.opts.Clock()
	views := make([]BondView, 0, len(bonds))
	for _, b := range bonds {
		views = append(views, s.bondView(b, now))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetBond handles GET /api/v1/bonds/{address}
func (s *Service) GetBond(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bonds == nil {
		writeError(w, "bond settlement not enabled", http.StatusNotFound)
		return
	}
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, ok, err := s.opts.Bonds.Bond(r.Context(), holder)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "bond not found",
			"state": model.BondNone,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.bondView(b, s.opts.Clock()))
}

// RedeemBond handles POST /api/v1/bonds/{address}/redeem
func (s *Service) RedeemBond(w http.ResponseWriter, r *http.Request) {
	s.settleBond(w, r, true)
}

// WithdrawBond handles POST /api/v1/bonds/{address}/withdraw
func (s *Service) WithdrawBond(w http.ResponseWriter, r *http.Request) {
	s.settleBond(w, r, false)
}

func (s *Service) settleBond(w http.ResponseWriter, r *http.Request, redeem bool) {
	if s.opts.Bonds == nil {
		writeError(w, "bond settlement not enabled", http.StatusNotFound)
		return
	}
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	if caller != holder {
		writeDomainError(w, fmt.Errorf("%w: %s cannot settle the bond of %s", auth.ErrUnauthorized, caller.Hex(), holder.Hex()))
		return
	}

	op, outcome := s.opts.Bonds.Withdraw, "withdrawn"
	if redeem {
		op, outcome = s.opts.Bonds.Redeem, "redeemed"
	}
	b, err := op(r.Context(), holder)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	view := s.bondView(b, s.opts.Clock())
	view.State = model.BondNone
	writeJSON(w, http.StatusOK, map[string]any{"status": outcome, "bond": view})
}

// --- Offering handlers ---

// GetOffering handles GET /api/v1/offering
func (s *Service) GetOffering(w http.ResponseWriter, r *http.Request) {
	if s.opts.Offering == nil {
		writeError(w, "offering not enabled", http.StatusNotFound)
		return
	}
	rem, err := s.opts.Offering.Remaining(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	cfg := s.opts.Offering.Config()
	writeJSON(w, http.StatusOK, OfferingView{
		Cap:        decString(cfg.Cap),
		Remaining:  rem.Dec(),
		MinDeposit: decString(cfg.MinDeposit),
		MaxDeposit: decString(cfg.MaxDeposit),
		Rate:       decString(cfg.Rate),
		PremiumBps: cfg.PremiumBps,
		Owner:      cfg.Owner.Hex(),
	})
}

// Deposit handles POST /api/v1/offering/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Offering == nil {
		writeError(w, "offering not enabled", http.StatusNotFound)
		return
	}
	depositor, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig, err := eligibility.DecodeSignature(req.Signature)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	fill, err := s.opts.Offering.Deposit(r.Context(), depositor, payment, sig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fillView(fill))
}

// --- Admin and dev handlers ---

// GetSigner handles GET /api/v1/signer
func (s *Service) GetSigner(w http.ResponseWriter, _ *http.Request) {
	signer := ""
	if addr := s.opts.Engine.Signer(); addr != nil {
		signer = addr.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]string{"signer": signer})
}

// SetSigner handles PUT /api/v1/signer
func (s *Service) SetSigner(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	var req SetSignerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var signer *common.Address
	if req.Signer != "" {
		addr, err := parseAddress("signer", req.Signer)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		signer = &addr
	}
	if err := s.opts.Engine.SetSigner(r.Context(), caller, signer); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signer": req.Signer})
}

// GrantOperator handles PUT /api/v1/operators/{address}
func (s *Service) GrantOperator(w http.ResponseWriter, r *http.Request) {
	s.changeOperator(w, r, true)
}

// RevokeOperator handles DELETE /api/v1/operators/{address}
func (s *Service) RevokeOperator(w http.ResponseWriter, r *http.Request) {
	s.changeOperator(w, r, false)
}

func (s *Service) changeOperator(w http.ResponseWriter, r *http.Request, grant bool) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeDomainError(w, ErrUnauthenticated)
		return
	}
	op, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	change, status := s.opts.Engine.RevokeOperator, "revoked"
	if grant {
		change, status = s.opts.Engine.GrantOperator, "granted"
	}
	if err := change(r.Context(), caller, op); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operator": op.Hex(), "status": status})
}

// GetBalances handles GET /api/v1/balances/{address}
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token == nil || s.opts.Payment == nil {
		writeError(w, "balances not available", http.StatusNotFound)
		return
	}
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	issued := s.opts.Token.BalanceOf(addr)
	paid := s.opts.Payment.BalanceOf(addr)
	writeJSON(w, http.StatusOK, map[string]any{
		"address":       addr.Hex(),
		"issued":        issued.Dec(),
		"issued_units":  units.ToDecimal(issued, s.opts.Engine.Decimals()),
		"payment":       paid.Dec(),
		"payment_units": units.ToDecimal(paid, s.opts.PaymentDecimals),
	})
}

// Faucet handles POST /api/v1/dev/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	if s.opts.Faucet == nil {
		writeError(w, "faucet disabled", http.StatusNotFound)
		return
	}
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	addr, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Faucet.Credit(r.Context(), addr, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("faucet credit", "account", addr.Hex(), "amount", amount.Dec())
	writeJSON(w, http.StatusOK, map[string]string{"account": addr.Hex(), "credited": amount.Dec()})
}

// --- Helpers ---

func (s *Service) auctionView(ctx context.Context, a model.Auction, now time.Time) (AuctionView, error) {
	price, err := s.opts.Engine.CurrentPrice(ctx, now)
	if err != nil {
		return AuctionView{}, err
	}
	return AuctionView{
		StartTime:       a.StartTime,
		EndTime:         a.EndTime(),
		DurationSeconds: int64(a.Duration / time.Second),
		StartPrice:      a.StartPrice.Dec(),
		EndPrice:        a.EndPrice.Dec(),
		Remaining:       a.Amount.Dec(),
		RemainingUnits:  units.ToDecimal(a.Amount, s.opts.Engine.Decimals()),
		CurrentPrice:    price.Dec(),
		Active:          a.ActiveAt(now),
	}, nil
}

func (s *Service) fillView(f model.Fill) FillView {
	return FillView{
		Fill:           f,
		AmountOutUnits: units.ToDecimal(f.AmountOut, s.opts.Engine.Decimals()),
		AmountInUnits:  units.ToDecimal(f.AmountIn, s.opts.PaymentDecimals),
	}
}

func (s *Service) bondView(b model.Bond, now time.Time) BondView {
	window := s.opts.Bonds.Window()
	return BondView{
		Holder:          b.Holder.Hex(),
		AmountOut:       b.AmountOut.Dec(),
		AmountIn:        b.AmountIn.Dec(),
		AmountOutUnits:  units.ToDecimal(b.AmountOut, s.opts.Engine.Decimals()),
		StartRedemption: b.StartRedemption,
		RedemptionEnd:   b.StartRedemption.Add(window),
		State:           b.StateAt(now, window),
	}
}

// at reads ?at=<unix seconds>, defaulting to now.
func (s *Service) at(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return s.opts.Clock(), nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: at must be unix seconds", errBadRequest)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not a hex address", errBadRequest, field)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, field)
	}
	return x, nil
}

func decString(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return x.Dec()
}

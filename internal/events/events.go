// Package events defines the observable notifications published by the
// allocation engine, the bond book and the offering.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	AuctionStarted    Kind = "auction_started"
	AuctionFilled     Kind = "auction_filled"
	AuctionEndedEarly Kind = "auction_ended_early"
	AuctionCancelled  Kind = "auction_cancelled"
	BondCreated       Kind = "bond_created"
	BondRedeemed      Kind = "bond_redeemed"
	BondWithdrawn     Kind = "bond_withdrawn"
	Deposited         Kind = "deposited"
	SignerUpdated     Kind = "signer_updated"
	OperatorGranted   Kind = "operator_granted"
	OperatorRevoked   Kind = "operator_revoked"
)

// Event is a JSON-friendly notification. Amounts are decimal strings of
// raw integer units.
type Event struct {
	Kind       Kind      `json:"type"`
	Account    string    `json:"account,omitempty"` // buyer, holder or depositor
	AmountOut  string    `json:"amount_out,omitempty"`
	AmountIn   string    `json:"amount_in,omitempty"`
	Price      string    `json:"price,omitempty"`
	StartPrice string    `json:"start_price,omitempty"`
	EndPrice   string    `json:"end_price,omitempty"`
	StartTime  time.Time `json:"start_time,omitzero"`
	Duration   int64     `json:"duration_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter receives committed events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Multi fans an event out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Logger writes every event to slog.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Emit(e Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("event",
		"type", string(e.Kind),
		"account", e.Account,
		"amount_out", e.AmountOut,
		"amount_in", e.AmountIn,
		"price", e.Price,
	)
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/issuance-engine/internal/events"
)

func dialHub(t *testing.T, h *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *WSHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func TestWSHub_DeliversEvents(t *testing.T) {
	h := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { h.Run(ctx); close(stopped) }()
	defer func() { cancel(); <-stopped }()

	c := dialHub(t, h)
	deadline := time.Now().Add(2 * time.Second)
	for h.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Emit(events.Event{Kind: events.AuctionFilled, Account: "0xabc", AmountOut: "5"})
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != events.AuctionFilled || got.AmountOut != "5" {
		t.Errorf("event = %+v", got)
	}
}

func TestWSHub_RefusesConnectionsAfterRun(t *testing.T) {
	h := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// The handler must hang up instead of waiting for a loop that is gone.
	c := dialHub(t, h)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after the hub stopped")
	}
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if h.count() != 0 {
		t.Errorf("closed hub holds %d subscribers", h.count())
	}
}

func TestWSHub_EmitNeverBlocks(t *testing.T) {
	h := NewWSHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1_000; i++ {
			h.Emit(events.Event{Kind: events.Deposited})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked without a running hub")
	}
}

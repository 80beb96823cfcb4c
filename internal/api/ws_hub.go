package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSHub streams committed events to WebSocket subscribers. It implements
// events.Emitter; Emit never blocks, and a full queue drops the event.
//
// Once Run returns the hub is closed: new connections are refused and
// pumps of existing ones exit.
type WSHub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}

	queue chan []byte
	join  chan *websocket.Conn
	leave chan *websocket.Conn
	done  chan struct{}
}

// NewWSHub creates a hub. Call Run to start delivering.
func NewWSHub() *WSHub {
	return &WSHub{
		subs:  make(map[*websocket.Conn]struct{}),
		queue: make(chan []byte, 256),
		join:  make(chan *websocket.Conn),
		leave: make(chan *websocket.Conn),
		done:  make(chan struct{}),
	}
}

// Run delivers queued events until ctx is done, then closes every
// subscriber.
func (h *WSHub) Run(ctx context.Context) error {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-h.join:
			h.mu.Lock()
			h.subs[conn] = struct{}{}
			h.mu.Unlock()
			h.report()
		case conn := <-h.leave:
			h.drop(conn)
		case msg := <-h.queue:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) close() {
	close(h.done)
	h.mu.Lock()
	for conn := range h.subs {
		conn.Close()
		delete(h.subs, conn)
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		conn.Close()
	}
	h.mu.Unlock()
	h.report()
}

func (h *WSHub) deliver(msg []byte) {
	h.mu.Lock()
	for conn := range h.subs {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("ws subscriber dropped", "remote", conn.RemoteAddr().String(), "err", err)
			conn.Close()
			delete(h.subs, conn)
		}
	}
	h.mu.Unlock()
	h.report()
}

func (h *WSHub) report() {
	h.mu.Lock()
	n := len(h.subs)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *WSHub) subscribed(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[conn]
	return ok
}

// Emit queues an event for delivery.
func (h *WSHub) Emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case h.queue <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.join <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	slog.Info("ws subscriber joined", "remote", conn.RemoteAddr().String())

	go h.readPump(conn)
	go h.pingPump(conn)
}

// readPump consumes client frames so pongs and close frames are seen.
func (h *WSHub) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.leave <- conn:
	case <-h.done:
	}
}

func (h *WSHub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		if !h.subscribed(conn) {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

var _ events.Emitter = (*WSHub)(nil)

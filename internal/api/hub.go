package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/wealthdesk/ledger/internal/metrics"
	"github.com/wealthdesk/ledger/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// OrderEvent is pushed to WebSocket subscribers after an order commits.
type OrderEvent struct {
	Type      string          `json:"type"`
	ClientID  int64           `json:"client_id"`
	AdvisorID int64           `json:"-"`
	Order     model.Order     `json:"order"`
	Balance   decimal.Decimal `json:"balance"`
	Position  *model.Position `json:"position"`
}

// subscriber is one WebSocket connection. Only its write pump writes to
// conn.
type subscriber struct {
	conn  *websocket.Conn
	actor model.Actor
	send  chan []byte
}

// wants reports whether the event concerns the subscriber: its own orders
// for a client, its clients' orders for an advisor.
func (s *subscriber) wants(ev OrderEvent) bool {
	switch s.actor.Role {
	case model.RoleClient:
		return s.actor.ID == ev.ClientID
	case model.RoleAdvisor:
		return s.actor.ID == ev.AdvisorID
	}
	return false
}

type outgoing struct {
	event OrderEvent
	data  []byte
}

// Hub fans order events out to the subscribers entitled to see them.
type Hub struct {
	subs       map[*subscriber]bool
	broadcast  chan outgoing
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*subscriber]bool),
		broadcast:  make(chan outgoing, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx ends, closing every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subs[s] = true
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws subscriber connected", "actor_id", s.actor.ID, "role", s.actor.Role, "total", total)

		case s := <-h.unregister:
			h.mu.Lock()
			if h.subs[s] {
				h.drop(s)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subs {
				if !s.wants(msg.event) {
					continue
				}
				select {
				case s.send <- msg.data:
				default:
					slog.Warn("ws subscriber too slow, dropping", "actor_id", s.actor.ID)
					h.drop(s)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes s; the caller holds h.mu.
func (h *Hub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
	metrics.WebSocketClients.Dec()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues ev for delivery without blocking order execution; events
// are dropped when the queue is full.
func (h *Hub) Publish(ev OrderEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode order event", "error", err)
		return
	}
	select {
	case h.broadcast <- outgoing{event: ev, data: data}:
	default:
		slog.Warn("ws broadcast queue full, event dropped", "order_id", ev.Order.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades an authenticated request and subscribes it to the
// actor's order events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	s := &subscriber{conn: conn, actor: actor, send: make(chan []byte, wsSendBuffer)}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends queued events and keepalive pings until the hub closes
// s.send.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

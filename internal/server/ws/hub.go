// Package ws streams committed market events to WebSocket clients as
// protobuf binary frames.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// EventChannelPattern is the bus pattern the hub listens on when it runs
// behind a shared SignalBus.
const EventChannelPattern = "ch:market:*"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeMsg is the JSON text frame a client sends to narrow or widen its
// market filter. With no markets subscribed a client receives everything.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []uint32 `json:"markets"`
}

type broadcastMsg struct {
	marketID uint32
	data     []byte
}

// Hub fans market events out to connected clients. Events arrive either
// through PublishEvent (in-process) or from a SignalBus subscription.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a hub. bus may be nil, in which case only PublishEvent
// feeds it.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run drives registration and broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.marketID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// PublishEvent implements domain.EventPublisher.
func (h *Hub) PublishEvent(ctx context.Context, ev domain.MarketEvent) error {
	frame, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcastMsg{marketID: ev.MarketID, data: frame}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe forwards JSON events from the bus until ctx is done.
func (h *Hub) subscribe(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, EventChannelPattern)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", EventChannelPattern),
			slog.String("error", err.Error()),
		)
		return
	}
	for payload := range msgs {
		var ev domain.MarketEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
			continue
		}
		if err := h.PublishEvent(ctx, ev); err != nil {
			return
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		markets: make(map[uint32]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// EncodeEvent renders ev as a serialized structpb.Struct. Amounts are
// decimal strings so they survive the float64 number type.
func EncodeEvent(ev domain.MarketEvent) ([]byte, error) {
	fields := map[string]any{
		"type":                    "market_event",
		"id":                      ev.ID.String(),
		"kind":                    string(ev.Kind),
		"market_id":               float64(ev.MarketID),
		"caller":                  ev.Caller.Hex(),
		"amount":                  strconv.FormatUint(ev.Amount, 10),
		"total_collateral_locked": strconv.FormatUint(ev.TotalCollateralLocked, 10),
		"at":                      ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Outcome.Valid() {
		fields["outcome"] = ev.Outcome.String()
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	markets map[uint32]bool
	mu      sync.RWMutex
}

func (c *client) wants(marketID uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets) == 0 || c.markets[marketID]
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Markets {
			c.markets[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	}
}

// sendHello lets clients mark the connection healthy before any event flows.
func (c *client) sendHello() {
	s, err := structpb.NewStruct(map[string]any{
		"type":           "hub_status",
		"uptime_seconds": float64(int64(time.Since(c.hub.startedAt).Seconds())),
	})
	if err != nil {
		return
	}
	frame, err := proto.Marshal(s)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.EventPublisher = (*Hub)(nil)

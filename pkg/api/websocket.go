package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/timborden/gateway/pkg/order"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy lives in the CORS handler
	},
}

// OrdersChannel is the channel carrying order updates for one owner.
func OrdersChannel(owner common.Address) string { return "orders:" + owner.Hex() }

// normalizeChannel checksums the address in orders:{owner} so subscriptions
// match regardless of case.
func normalizeChannel(channel string) string {
	if rest, ok := strings.CutPrefix(channel, "orders:"); ok && common.IsHexAddress(rest) {
		return OrdersChannel(common.HexToAddress(rest))
	}
	return channel
}

// Hub tracks websocket clients and fans order updates out to subscribers.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run services registrations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws_connected", "client", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws_disconnected", "client", client.id, "total", total)
		}
	}
}

// BroadcastToChannel publishes data to every subscriber of channel. Slow
// clients with a full buffer miss the message.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				h.log.Debugw("ws_send_dropped", "client", client.id, "channel", channel)
			}
		}
	}
}

// OrderObserver returns a store observer that publishes every record change
// of the network on the owner's orders channel.
func (h *Hub) OrderObserver(network string) func(order.Record) {
	return func(rec order.Record) {
		h.BroadcastToChannel(OrdersChannel(rec.Owner), OrderUpdate{
			Type:            "order",
			Network:         network,
			ClientOrderID:   rec.ClientOrderID,
			ExchangeOrderID: rec.ExchangeOrderID,
			Market:          rec.Market,
			Status:          rec.Status,
			Filled:          rec.FilledAmount,
			Remaining:       rec.Remaining(),
			Timestamp:       rec.UpdatedAt,
		})
	}
}

func (h *Hub) subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 256
	maxMessageSize = 4096
)

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Client) Subscribe(channel string) {
	channel = normalizeChannel(channel)
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
	c.hub.log.Debugw("ws_subscribed", "client", c.id, "channel", channel)
}

func (c *Client) Unsubscribe(channel string) {
	channel = normalizeChannel(channel)
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
	c.hub.log.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
}

// handleCommand applies one subscribe/unsubscribe frame.
func (c *Client) handleCommand(raw []byte) {
	var req WSSubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
		return
	}
	var apply func(string)
	switch req.Op {
	case "subscribe":
		apply = c.Subscribe
	case "unsubscribe":
		apply = c.Unsubscribe
	default:
		c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		return
	}
	for _, ch := range req.Channels {
		apply(ch)
	}
}

// readPump consumes commands until the connection drops, then unregisters.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}
		c.handleCommand(raw)
	}
}

// writePump drains send, one JSON document per frame, and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, payload []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, payload)
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	c := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
		subs: make(map[string]struct{}),
	}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

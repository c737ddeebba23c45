// Package realtime streams mitigation decisions to WebSocket clients.
//
// Clients connect to /ws and receive every decision and reset. Sending a
// filter narrows the stream, and the hub echoes it back as a "subscribed"
// message:
//
//	{"actions":["blocked"],"categories":["Dos"],"minViolations":2}
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/metrics"
	"github.com/mbd888/mitigator/internal/mitigation"
)

const (
	// MaxClients caps concurrent WebSocket connections.
	MaxClients = 10000

	sendQueue    = 256
	maxFilterLen = 64 * 1024
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	writeWait    = 10 * time.Second
)

// MessageType tags every frame sent to a client.
type MessageType string

const (
	MessageDecision   MessageType = "decision"
	MessageReset      MessageType = "reset"
	MessageSubscribed MessageType = "subscribed"
	MessageError      MessageType = "error"
)

// Message is one frame on the stream. Exactly one payload field is set,
// matching Type.
type Message struct {
	Type     MessageType   `json:"type"`
	At       time.Time     `json:"at"`
	Decision *events.Event `json:"decision,omitempty"`
	Reset    *ResetNotice  `json:"reset,omitempty"`
	Filter   *Filter       `json:"filter,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ResetNotice announces that all mitigation state was cleared.
type ResetNotice struct {
	Principal string `json:"principal"`
}

// Filter narrows the decisions a client receives. Empty lists match
// everything. Resets are delivered unless SkipResets is set.
type Filter struct {
	Actions       []mitigation.Action   `json:"actions,omitempty"`
	Sources       []string              `json:"sources,omitempty"`
	Categories    []mitigation.Category `json:"categories,omitempty"`
	MinViolations int                   `json:"minViolations,omitempty"`
	SkipResets    bool                  `json:"skipResets,omitempty"`
}

// Match reports whether m passes the filter.
func (f Filter) Match(m *Message) bool {
	switch m.Type {
	case MessageReset:
		return !f.SkipResets
	case MessageDecision:
	default:
		return true
	}
	d := m.Decision
	if d == nil {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, d.Action) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, d.Source) {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, d.Category) {
		return false
	}
	return d.ViolationCount >= f.MinViolations
}

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	Delivered        int64 `json:"delivered"`
	Evicted          int64 `json:"evicted"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
}

func (c *client) currentFilter() Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

func (c *client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

type outbound struct {
	msg  *Message
	data []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts browser upgrades to the given origins in
// addition to same-host pages. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			h.origins[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
		}
	}
}

// Hub fans decisions out to connected clients. Membership changes and
// broadcasts are serialized through Run.
type Hub struct {
	logger     *slog.Logger
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	running    atomic.Bool
	maxClients int
	origins    map[string]struct{}
	upgrader   websocket.Upgrader

	peak      atomic.Int64
	total     atomic.Int64
	delivered atomic.Int64
	evicted   atomic.Int64
}

// NewHub returns a hub. Call Run before serving upgrades.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, sendQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
		origins:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := h.origins["*"]; ok {
		return true
	}
	if _, ok := h.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run owns client membership until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer close(h.done)
	defer h.running.Store(false)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.total.Add(1)
			if n > h.peak.Load() {
				h.peak.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case out := <-h.broadcast:
			h.fanOut(out)
		}
	}
}

// fanOut delivers one encoded message. Clients whose queue is full are
// evicted rather than blocking the hub.
func (h *Hub) fanOut(out outbound) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.currentFilter().Match(out.msg) {
			continue
		}
		select {
		case c.send <- out.data:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Add(1)
		h.logger.Warn("evicting slow websocket client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues m for every matching client. It never blocks; when the
// hub is backed up the message is dropped.
func (h *Hub) Broadcast(m *Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("failed to encode realtime message", "type", m.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{msg: m, data: data}:
	default:
		h.logger.Warn("realtime broadcast queue full, dropping message", "type", m.Type)
	}
}

// BroadcastReset tells clients that all mitigation state was cleared.
func (h *Hub) BroadcastReset(principal string) {
	h.Broadcast(&Message{Type: MessageReset, At: time.Now().UTC(), Reset: &ResetNotice{Principal: principal}})
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "websocket" }

// Write implements events.Sink. Delivery is best effort and never fails
// the batch.
func (h *Hub) Write(_ context.Context, batch []*events.Event) error {
	for _, ev := range batch {
		h.Broadcast(&Message{Type: MessageDecision, At: ev.DecidedAt, Decision: ev})
	}
	return nil
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peak.Load(),
		TotalClients:     h.total.Load(),
		Delivered:        h.delivered.Load(),
		Evicted:          h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendQueue)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// reply queues a message for this client only.
func (c *client) reply(m *Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readLoop applies filter updates until the connection fails.
func (c *client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFilterLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reply(&Message{Type: MessageError, At: time.Now().UTC(), Error: "invalid filter: " + err.Error()})
			continue
		}
		c.setFilter(f)
		c.reply(&Message{Type: MessageSubscribed, At: time.Now().UTC(), Filter: &f})
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

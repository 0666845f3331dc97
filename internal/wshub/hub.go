// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package wshub bridges the event bus to WebSocket clients. Each
// connection carries an authenticated principal and manages its topic
// set with JSON control messages; each subscribed topic is backed by a
// bounded bus subscription. A subscription that overflows keeps the
// newest events and tells the client to resync over REST.
package wshub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/auth"
	"scribe/pkg/contextkeys"
	"scribe/pkg/models"
)

// Options configures connection heartbeats and buffering.
type Options struct {
	// Heartbeat is the server ping interval.
	Heartbeat time.Duration
	// IdleKill closes a connection with no pong for this long.
	IdleKill time.Duration
	// RingCapacity is the per-topic event buffer size.
	RingCapacity int
}

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Hub upgrades connections and tracks them for shutdown.
type Hub struct {
	logger   *slog.Logger
	store    *store.Store
	bus      *eventbus.Bus
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New constructs a hub. Zero option fields get defaults.
func New(logger *slog.Logger, st *store.Store, bus *eventbus.Bus, opts Options) *Hub {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.IdleKill <= opts.Heartbeat {
		opts.IdleKill = 3 * opts.Heartbeat
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = eventbus.DefaultBufferSize
	}
	return &Hub{
		logger: logger,
		store:  st,
		bus:    bus,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Auth happens before the upgrade; the socket carries no
			// browser credentials of its own.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and runs the connection until the
// client goes away. The auth middleware must have attached a principal.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, ok := contextkeys.GetPrincipal(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:       h,
		conn:      conn,
		principal: principal,
		feeds:     make(map[string]*feed),
		ctx:       ctx,
		cancel:    cancel,
	}
	if !h.track(c) {
		conn.Close()
		cancel()
		return
	}
	metrics.AddWSConnections(1)
	h.logger.Info("websocket connected", "user_id", principal.UserID)

	go c.pingLoop()
	c.readLoop()
	c.teardown()
}

// Shutdown closes every connection and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) track(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// controlMsg is what clients send: subscribe, unsubscribe, or ping.
// last_seq on subscribe suppresses events the client already has.
type controlMsg struct {
	Action  string `json:"action"`
	Topic   string `json:"topic,omitempty"`
	LastSeq int64  `json:"last_seq,omitempty"`
}

// serverMsg is every frame the hub sends.
type serverMsg struct {
	Type    string        `json:"type"`
	Topic   string        `json:"topic,omitempty"`
	Dropped int64         `json:"dropped,omitempty"`
	Message string        `json:"message,omitempty"`
	Event   *models.Event `json:"event,omitempty"`
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal models.Principal

	writeMu sync.Mutex

	mu    sync.Mutex
	feeds map[string]*feed

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// feed is one subscribed topic: a bus subscription drained by its own
// forwarder goroutine.
type feed struct {
	sub     *eventbus.Subscription
	minSeq  int64
	dropped int64
	cancel  context.CancelFunc
}

func (c *client) readLoop() {
	h := c.hub
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.IdleKill))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.IdleKill))
	})

	for {
		var msg controlMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "user_id", c.principal.UserID, "error", err)
			}
			return
		}
		// Any inbound traffic proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.IdleKill))

		switch msg.Action {
		case "subscribe":
			if err := c.subscribe(msg.Topic, msg.LastSeq); err != nil {
				c.write(serverMsg{Type: "error", Topic: msg.Topic, Message: err.Error()})
				continue
			}
			c.write(serverMsg{Type: "subscribed", Topic: msg.Topic})
		case "unsubscribe":
			c.unsubscribe(msg.Topic)
			c.write(serverMsg{Type: "unsubscribed", Topic: msg.Topic})
		case "ping":
			c.write(serverMsg{Type: "pong"})
		default:
			c.write(serverMsg{Type: "error", Message: fmt.Sprintf("unknown action %q", msg.Action)})
		}
	}
}

// subscribe authorizes the topic and starts its forwarder. Subscribing
// to an already-subscribed topic replaces the feed, so a client can
// reattach with a fresh last_seq after a resync.
func (c *client) subscribe(topic string, lastSeq int64) error {
	if err := c.authorizeTopic(topic); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.feeds[topic]; ok {
		old.cancel()
		old.sub.Close()
	}

	fctx, fcancel := context.WithCancel(c.ctx)
	f := &feed{
		sub:    c.hub.bus.Subscribe(c.hub.opts.RingCapacity, topic),
		minSeq: lastSeq,
		cancel: fcancel,
	}
	c.feeds[topic] = f
	go c.forward(fctx, topic, f)
	return nil
}

func (c *client) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.feeds[topic]; ok {
		f.cancel()
		f.sub.Close()
		delete(c.feeds, topic)
	}
}

// authorizeTopic enforces the topic grammar: principals see their own
// job, user, and batch topics; admins see everything including the
// broadcast topic.
func (c *client) authorizeTopic(topic string) error {
	p := c.principal
	if !auth.Authorize(p, models.PermRead) {
		return errors.New("forbidden")
	}

	kind, id, found := strings.Cut(topic, ":")
	if !found || id == "" {
		return fmt.Errorf("malformed topic %q", topic)
	}
	switch kind {
	case "admin":
		if topic != eventbus.TopicAdmin || !p.IsAdmin() {
			return errors.New("forbidden")
		}
		return nil
	case "user":
		if !auth.CanAccess(p, id) {
			return errors.New("forbidden")
		}
		return nil
	case "job":
		job, err := c.hub.store.GetJob(c.ctx, id)
		if err != nil {
			return errors.New("not found")
		}
		if !auth.CanAccess(p, job.UserID) {
			return errors.New("forbidden")
		}
		return nil
	case "batch":
		batch, err := c.hub.store.GetBatch(c.ctx, id)
		if err != nil {
			return errors.New("not found")
		}
		if !auth.CanAccess(p, batch.UserID) {
			return errors.New("forbidden")
		}
		return nil
	default:
		return fmt.Errorf("unknown topic kind %q", kind)
	}
}

// forward drains one topic feed onto the socket. Ring overflow shows
// up as a grown drop counter; the client is told to resync because the
// gap cannot be replayed.
func (c *client) forward(ctx context.Context, topic string, f *feed) {
	for {
		ev, err := f.sub.Next(ctx)
		if err != nil {
			return
		}
		if d := f.sub.Dropped(); d > f.dropped {
			f.dropped = d
			metrics.IncWSResync()
			if !c.write(serverMsg{Type: "resync_required", Topic: topic, Dropped: d}) {
				return
			}
		}
		if f.minSeq > 0 && ev.Seq > 0 && ev.Seq <= f.minSeq {
			continue
		}
		if !c.write(serverMsg{Type: "event", Topic: topic, Event: &ev}) {
			return
		}
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.hub.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// write serializes one frame onto the socket; a failed write kills the
// connection.
func (c *client) write(msg serverMsg) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.cancel()
		return false
	}
	return true
}

// close sends a close frame and unblocks the read loop.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.cancel()
		c.conn.Close()
	})
}

func (c *client) teardown() {
	c.cancel()
	c.mu.Lock()
	for topic, f := range c.feeds {
		f.sub.Close()
		delete(c.feeds, topic)
	}
	c.mu.Unlock()
	c.conn.Close()
	c.hub.untrack(c)
	metrics.AddWSConnections(-1)
	c.hub.logger.Info("websocket disconnected", "user_id", c.principal.UserID)
}

package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/app/gateway/resolver"
	"github.com/canopy-network/chaingate/pkg/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	ID     string `json:"id"`     // client chosen subscription id
	Module string `json:"module,omitempty"`
	Name   string `json:"name,omitempty"`
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "subscribed", "event", "complete", "error"
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// errorPayload mirrors resolver.FieldError for transport-level failures.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// connection tracks the subscriptions opened over one socket.
type connection struct {
	mu      sync.Mutex
	streams map[string]*resolver.Stream
	wg      sync.WaitGroup
}

func (cn *connection) add(id string, s *resolver.Stream) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if _, ok := cn.streams[id]; ok {
		return false
	}
	cn.streams[id] = s
	return true
}

func (cn *connection) get(id string) *resolver.Stream {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.streams[id]
}

// take removes id and returns its stream, or nil if it was already gone.
func (cn *connection) take(id string) *resolver.Stream {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	s := cn.streams[id]
	delete(cn.streams, id)
	return s
}

func (cn *connection) takeAll() []*resolver.Stream {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	out := make([]*resolver.Stream, 0, len(cn.streams))
	for id, s := range cn.streams {
		out = append(out, s)
		delete(cn.streams, id)
	}
	return out
}

// HandleWebSocket upgrades HTTP connection to WebSocket and streams live events.
//
// Protocol:
// Client sends: {"action": "subscribe", "id": "1", "module": "Balances", "name": "Transfer"}
// Client sends: {"action": "unsubscribe", "id": "1"}
//
// Server sends:
// - {"type": "subscribed", "id": "1"}
// - {"type": "event", "id": "1", "payload": {"seq": 4, "event": {...}}}
// - {"type": "complete", "id": "1"}
// - {"type": "error", "id": "1", "payload": {"message": "...", "code": "..."}}
//
// An unsubscribe still delivers the events already queued for the subscription, then complete.
// A subscription ended by the server gets an error frame followed by complete.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.Resolver == nil {
		http.Error(w, "Live events not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		err := conn.Close()
		if err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	// the socket outlives the upgrade request's context
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	cn := &connection{streams: map[string]*resolver.Stream{}}
	send := make(chan ServerMessage, 256)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverSocket("ping ticker", r.RemoteAddr, cancel)
		c.sendPings(ctx, conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverSocket("message writer", r.RemoteAddr, cancel)
		c.writeMessages(conn, send, cancel)
	}()

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, cn, send)

	cancel()
	for _, s := range cn.takeAll() {
		s.Close()
	}
	cn.wg.Wait()
	close(send)
	wg.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (c *Controller) recoverSocket(name, remote string, cancel context.CancelFunc) {
	if rec := recover(); rec != nil {
		c.App.Logger.Error("Panic in "+name+" goroutine",
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())),
			zap.String("remote_addr", remote))
		cancel()
	}
}

// push queues msg unless the connection is shutting down.
func push(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorMessage(id string, err error) ServerMessage {
	return ServerMessage{Type: "error", ID: id, Payload: errorPayload{Message: err.Error(), Code: errs.Code(err)}}
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
// The client will automatically respond with pong frames, which resets the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes messages from the send channel to the WebSocket connection.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage, cancel context.CancelFunc) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			cancel()
			_ = conn.Close()
			// keep draining so producers never block on a dead socket
			for range send {
			}
			return
		}
	}
}

// readClientMessages reads messages from the WebSocket connection.
// Handles subscribe and unsubscribe requests and detects connection closure.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, cn *connection, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}

		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			c.App.Logger.Error("Failed to reset read deadline", zap.Error(err))
			return
		}

		switch msg.Action {
		case "subscribe":
			c.subscribe(ctx, cn, send, msg)

		case "unsubscribe":
			if msg.ID == "" {
				push(ctx, send, errorMessage("", errs.Validation("id is required")))
				continue
			}
			s := cn.get(msg.ID)
			if s == nil {
				push(ctx, send, errorMessage(msg.ID, errs.Validation("unknown subscription %q", msg.ID)))
				continue
			}
			// forward flushes what is already queued and then sends complete
			s.Unsubscribe()
			c.App.Logger.Debug("Client unsubscribed", zap.String("id", msg.ID), zap.String("subscription_id", s.ID()))

		default:
			push(ctx, send, errorMessage(msg.ID, errs.Validation("unknown action %q", msg.Action)))
		}
	}
}

func (c *Controller) subscribe(ctx context.Context, cn *connection, send chan<- ServerMessage, msg ClientMessage) {
	if msg.ID == "" {
		push(ctx, send, errorMessage("", errs.Validation("id is required")))
		return
	}

	stream, err := c.App.Resolver.OpenSubscription(ctx, resolver.SubscriptionRequest{Module: msg.Module, Name: msg.Name})
	if err != nil {
		push(ctx, send, errorMessage(msg.ID, err))
		return
	}
	if !cn.add(msg.ID, stream) {
		stream.Close()
		push(ctx, send, errorMessage(msg.ID, errs.Validation("subscription %q already exists", msg.ID)))
		return
	}

	c.App.Logger.Debug("Client subscribed",
		zap.String("id", msg.ID),
		zap.String("subscription_id", stream.ID()),
		zap.String("module", msg.Module),
		zap.String("name", msg.Name))
	push(ctx, send, ServerMessage{Type: "subscribed", ID: msg.ID})

	cn.wg.Add(1)
	go func() {
		defer cn.wg.Done()
		c.forward(ctx, cn, send, msg.ID, stream)
	}()
}

// forward relays one stream to the socket. Once the stream ends, whether drained after an
// unsubscribe or ended by the server, the client is told the subscription is complete. A
// disconnect sends nothing.
func (c *Controller) forward(ctx context.Context, cn *connection, send chan<- ServerMessage, id string, stream *resolver.Stream) {
	for m := range stream.Messages() {
		var out ServerMessage
		if m.Error != nil {
			out = ServerMessage{Type: "error", ID: id, Payload: errorPayload{Message: m.Error.Message, Code: m.Error.Code}}
		} else {
			out = ServerMessage{Type: "event", ID: id, Payload: m}
		}
		if !push(ctx, send, out) {
			return
		}
	}

	if cn.take(id) == nil || ctx.Err() != nil {
		return
	}
	push(ctx, send, ServerMessage{Type: "complete", ID: id})
}

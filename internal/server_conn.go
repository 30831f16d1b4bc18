package internal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"simplepresence/internal/presence"
	"simplepresence/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 8192
	sendBufferSize = 256
)

// conn serves one presence socket. The read pump handles requests in arrival
// order; the write pump is the only writer to the socket.
type conn struct {
	server *Server
	actor  *Actor
	handle presence.Handle
	ws     *websocket.Conn
	log    slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// subs is only touched by the read pump.
	subs   map[uint64]*pubsub.Subscription
	relays sync.WaitGroup
}

func newConn(server *Server, actor *Actor, handle presence.Handle, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(actor.Context())
	return &conn{
		server: server,
		actor:  actor,
		handle: handle,
		ws:     ws,
		log:    server.log.With(slog.F("app_key", actor.Key()), slog.F("session_id", handle)),
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*pubsub.Subscription),
	}
}

func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug(c.ctx, "socket read failed", slog.Error(err))
			}
			return
		}
		c.handleRequest(payload)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// close runs once the read pump exits, whatever the reason.
func (c *conn) close() {
	c.cancel()
	for id, sub := range c.subs {
		sub.Close()
		delete(c.subs, id)
	}
	c.relays.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.actor.Disconnect(ctx, c.handle); err != nil && !xerrors.Is(err, errActorStopped) {
		c.log.Warn(ctx, "disconnect from actor", slog.Error(err))
	}
	c.server.hub.Release(c.actor)
	c.server.messageLimiter.Forget(string(c.handle))
	_ = c.ws.Close()
	c.log.Debug(ctx, "socket closed")
	c.server.metrics.ActiveConnections.Dec()
}

// enqueue hands resp to the write pump. A peer too slow to drain its buffer
// is disconnected.
func (c *conn) enqueue(resp Response) bool {
	if c.ctx.Err() != nil {
		return false
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		c.log.Error(c.ctx, "encode response", slog.Error(err))
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn(c.ctx, "send buffer full, dropping socket")
		c.cancel()
		// Both pumps may be blocked on the peer; closing unblocks them.
		_ = c.ws.Close()
		return false
	}
}

func (c *conn) handleRequest(payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.enqueue(errorResponse(0, CodeBadRequest, "malformed request"))
		return
	}
	if !c.server.messageLimiter.Allow(string(c.handle)) {
		c.enqueue(errorResponse(req.ID, CodeRateLimited, "too many requests, slow down"))
		return
	}
	switch req.Type {
	case RequestUpdate:
		c.handleUpdate(req)
	case RequestOn:
		c.handleOn(req)
	case RequestOff:
		c.handleOff(req)
	default:
		c.enqueue(errorResponse(req.ID, CodeBadRequest, "unknown request type "+req.Type))
	}
}

func (c *conn) handleUpdate(req Request) {
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		c.server.metrics.Updates.WithLabelValues(resultRejected).Inc()
		c.enqueue(errorResponse(req.ID, CodeInvalidInput, err.Error()))
		return
	}
	count, err := c.actor.Update(c.ctx, c.handle, req.Tag, status)
	switch {
	case err == nil:
		c.server.metrics.Updates.WithLabelValues(resultOK).Inc()
		c.enqueue(Response{ID: req.ID, Type: ResponseOK, Tag: req.Tag, Count: &count})
	case presence.IsInvalidInput(err):
		c.server.metrics.Updates.WithLabelValues(resultRejected).Inc()
		c.enqueue(errorResponse(req.ID, CodeInvalidInput, err.Error()))
	case xerrors.Is(err, presence.ErrUnknownConnection):
		c.server.metrics.Updates.WithLabelValues(resultRejected).Inc()
		c.enqueue(errorResponse(req.ID, CodeUnknownConnection, err.Error()))
	default:
		c.server.metrics.Updates.WithLabelValues(resultError).Inc()
		c.enqueue(errorResponse(req.ID, CodeUnavailable, "presence is shutting down"))
	}
}

func (c *conn) handleOn(req Request) {
	if req.Tag == "" {
		c.enqueue(errorResponse(req.ID, CodeInvalidInput, presence.ErrEmptyTag.Error()))
		return
	}
	if _, exists := c.subs[req.ID]; exists {
		c.enqueue(errorResponse(req.ID, CodeBadRequest, "subscription id already in use"))
		return
	}
	sub := c.actor.Subscribe(c.ctx, req.Tag)
	c.subs[req.ID] = sub
	c.server.metrics.Subscriptions.Inc()
	// Acknowledge before the relay starts so "ok" precedes any count.
	c.enqueue(okResponse(req.ID))
	c.relays.Add(1)
	go c.relay(req.ID, sub)
}

func (c *conn) handleOff(req Request) {
	sub, ok := c.subs[req.Sub]
	if !ok {
		c.enqueue(errorResponse(req.ID, CodeUnknownSubscription, "no active subscription with that id"))
		return
	}
	delete(c.subs, req.Sub)
	sub.Close()
	c.enqueue(okResponse(req.ID))
}

// relay forwards counts from sub to the socket until the subscription ends.
// A subscription ended by "off" is terminated with a done frame.
func (c *conn) relay(id uint64, sub *pubsub.Subscription) {
	defer c.relays.Done()
	defer c.server.metrics.Subscriptions.Dec()
	for count := range sub.C() {
		if !c.enqueue(countResponse(id, sub.Tag(), count)) {
			sub.Close()
			return
		}
	}
	c.enqueue(doneResponse(id))
}

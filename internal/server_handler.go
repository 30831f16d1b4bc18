package internal

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cdr.dev/slog/v3"

	"simplepresence/internal/presence"
)

const appKeyHeader = "X-App-Key"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Presence is embedded on arbitrary sites; the app key is the gate.
		return true
	},
}

func appKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(appKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// ServeWS resolves the app key, upgrades the request, and attaches the socket
// to the key's actor.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := appKeyFromRequest(r)
	if key == "" {
		s.metrics.RejectedConnections.WithLabelValues("missing_key").Inc()
		http.Error(w, "missing app key", http.StatusUnauthorized)
		return
	}
	app, err := s.store.GetAppByKey(ctx, key)
	if err != nil {
		s.log.Error(ctx, "resolve app key", slog.Error(err))
		s.metrics.RejectedConnections.WithLabelValues("error").Inc()
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if app == nil {
		s.metrics.RejectedConnections.WithLabelValues("unknown_key").Inc()
		http.Error(w, "unknown app key", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug(ctx, "upgrade failed", slog.Error(err))
		return
	}
	actor, err := s.hub.Acquire(app.PublicKey)
	if err != nil {
		rejectSocket(ws)
		return
	}

	handle := presence.Handle(uuid.NewString())
	c := newConn(s, actor, handle, ws)
	if err := actor.Connect(c.ctx, handle, r.UserAgent()); err != nil {
		c.log.Warn(c.ctx, "register socket", slog.Error(err))
		c.cancel()
		s.hub.Release(actor)
		s.metrics.RejectedConnections.WithLabelValues("unavailable").Inc()
		rejectSocket(ws)
		return
	}
	s.metrics.ActiveConnections.Inc()
	c.log.Debug(c.ctx, "socket connected")

	go c.writePump()
	go c.readPump()
}

// rejectSocket closes an upgraded socket the server cannot serve.
func rejectSocket(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
		time.Now().Add(writeWait))
	_ = ws.Close()
}

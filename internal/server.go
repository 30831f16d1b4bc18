package internal

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"simplepresence/internal/storage"
)

const (
	diagnosticsLimit  = 30
	diagnosticsWindow = time.Minute
	messageLimit      = 20
	messageWindow     = time.Second
)

// ServerOptions configure a Server. Only Store is required.
type ServerOptions struct {
	Logger  slog.Logger
	Clock   quartz.Clock
	Store   *storage.Store
	Metrics *Metrics

	RecorderQueueSize int
	SubscriberBuffer  int
	// TrustProxy makes the diagnostics rate limiter key on the first
	// X-Forwarded-For address instead of the peer address.
	TrustProxy bool
}

// Server serves presence sockets and the diagnostic endpoints of every app.
type Server struct {
	log        slog.Logger
	clock      quartz.Clock
	store      *storage.Store
	metrics    *Metrics
	hub        *Hub
	trustProxy bool

	diagLimiter    *RateLimiter
	messageLimiter *RateLimiter
}

func NewServer(opts ServerOptions) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Server{
		log:     opts.Logger.Named("http"),
		clock:   opts.Clock,
		store:   opts.Store,
		metrics: opts.Metrics,
		hub: NewHub(HubOptions{
			Logger:            opts.Logger,
			Clock:             opts.Clock,
			Metrics:           opts.Metrics,
			Store:             opts.Store,
			RecorderQueueSize: opts.RecorderQueueSize,
			SubscriberBuffer:  opts.SubscriberBuffer,
		}),
		trustProxy:     opts.TrustProxy,
		diagLimiter:    NewRateLimiter(opts.Clock, diagnosticsLimit, diagnosticsWindow),
		messageLimiter: NewRateLimiter(opts.Clock, messageLimit, messageWindow),
	}
}

// Hub exposes the actor registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// MetricsHandler serves the Prometheus endpoint.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Close stops every actor, closing their sockets and draining their event
// queues. The store is left open.
func (s *Server) Close(ctx context.Context) error {
	return s.hub.Close(ctx)
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

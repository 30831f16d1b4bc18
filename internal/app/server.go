package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	intrnl "simplepresence/internal"
	"simplepresence/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	http     *http.Server
	server   *intrnl.Server
	store    *storage.Store
	timeout  time.Duration
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
	shutdown chan struct{}
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Server returns the presence server behind the handle.
func (h *ServerHandle) Server() *intrnl.Server {
	return h.server
}

// Store returns the open store. It is closed when the handle stops.
func (h *ServerHandle) Store() *storage.Store {
	return h.store
}

// Stop shuts down the listener, then every actor, then the store. A nil ctx
// uses the configured shutdown timeout.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.http == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
	}
	h.stopOnce.Do(func() {
		defer close(h.shutdown)
		var errs []error
		if err := h.http.Shutdown(ctx); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errs = append(errs, xerrors.Errorf("http shutdown: %w", err))
		}
		// Hijacked sockets are not tracked by http.Server; stopping the actors
		// closes them and flushes pending events before the store goes away.
		if err := h.server.Close(ctx); err != nil {
			errs = append(errs, xerrors.Errorf("close hub: %w", err))
		}
		if err := h.store.Close(); err != nil {
			errs = append(errs, xerrors.Errorf("close store: %w", err))
		}
		h.stopErr = errors.Join(errs...)
	})
	return h.stopErr
}

// Wait blocks until the server exits and has been fully shut down.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	err := h.group.Wait()
	<-h.shutdown
	return errors.Join(err, h.stopErr)
}

// RunServer opens the SQLite store, runs migrations, wires the presence and
// diagnostic handlers and starts serving in the background. The server stops
// when ctx is canceled or Stop is called.
func RunServer(ctx context.Context, log slog.Logger, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, xerrors.New("database path is required")
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = Default().Server.ShutdownTimeout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, xerrors.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, xerrors.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, xerrors.Errorf("migrate: %w", err)
	}

	server := intrnl.NewServer(intrnl.ServerOptions{
		Logger:            log,
		Store:             store,
		RecorderQueueSize: cfg.RecorderQueueSize,
		SubscriberBuffer:  cfg.SubscriberBuffer,
		TrustProxy:        cfg.TrustProxy,
	})
	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, server)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = server.Close(ctx)
		_ = store.Close()
		return nil, xerrors.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: server,
		store:  store,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		timeout:  cfg.ShutdownTimeout,
		shutdown: make(chan struct{}),
	}

	var eg errgroup.Group
	eg.Go(func() error {
		err := handle.http.Serve(listener)
		if xerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if err != nil {
			// Serve failed on its own; release the rest.
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = handle.Stop(stopCtx)
		}
		return err
	})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-handle.shutdown:
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "server shutdown", slog.Error(err))
		}
		return nil
	})
	handle.group = &eg

	log.Info(ctx, "presence server listening",
		slog.F("addr", handle.addr),
		slog.F("path", cfg.Path),
		slog.F("db", cfg.DBPath),
	)
	return handle, nil
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/stats", server.HandleStats)
	mux.HandleFunc("/events", server.HandleEvents)
	mux.HandleFunc("/tags", server.HandleTags)
	mux.HandleFunc("/healthz", server.HandleHealthz)
	mux.Handle("/metrics", server.MetricsHandler())
}

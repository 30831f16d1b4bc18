package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"simplepresence/internal/presence"
	"simplepresence/internal/storage"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

var (
	errUnauthorized = xerrors.New("unauthorized")
	errUnknownApp   = xerrors.New("unknown app key")
)

// authenticateApp checks the X-App-Key header and the bearer secret against
// the app registry.
func (s *Server) authenticateApp(r *http.Request) (*storage.App, error) {
	key := strings.TrimSpace(r.Header.Get(appKeyHeader))
	secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if key == "" || !ok || secret == "" {
		return nil, errUnauthorized
	}
	app, err := s.store.GetAppByKey(r.Context(), key)
	if err != nil {
		return nil, xerrors.Errorf("resolve app key: %w", err)
	}
	if app == nil {
		return nil, errUnknownApp
	}
	if bcrypt.CompareHashAndPassword(app.SecretHash, []byte(secret)) != nil {
		return nil, errUnauthorized
	}
	return app, nil
}

// diagnostic wraps a GET-only, rate-limited, app-authenticated handler.
func (s *Server) diagnostic(next func(http.ResponseWriter, *http.Request, *storage.App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if !s.diagLimiter.Allow(s.clientIP(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		app, err := s.authenticateApp(r)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case xerrors.Is(err, errUnauthorized):
				status = http.StatusUnauthorized
			case xerrors.Is(err, errUnknownApp):
				status = http.StatusNotFound
			default:
				s.log.Error(r.Context(), "authenticate diagnostics request", slog.Error(err))
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next(w, r, app)
	}
}

// HandleStats returns the live tag occupancy of the caller's app.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	s.diagnostic(s.stats)(w, r)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, app *storage.App) {
	stats, err := s.liveStats(r.Context(), app.PublicKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// liveStats reads through the actor's inbox. A key without a running actor
// has no connections, so no actor is started for it.
func (s *Server) liveStats(ctx context.Context, key string) (presence.Stats, error) {
	empty := presence.Stats{LastUpdated: s.clock.Now(), Tags: []presence.TagStat{}}
	actor := s.hub.Lookup(key)
	if actor == nil {
		return empty, nil
	}
	stats, err := actor.Stats(ctx)
	if xerrors.Is(err, errActorStopped) {
		return empty, nil
	}
	return stats, err
}

// HandleEvents returns the newest events of the caller's app.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	s.diagnostic(s.events)(w, r)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request, app *storage.App) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, xerrors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.store.RecentEvents(r.Context(), app.PublicKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleTags returns the per-tag analytics of the caller's app.
func (s *Server) HandleTags(w http.ResponseWriter, r *http.Request) {
	s.diagnostic(s.tags)(w, r)
}

func (s *Server) tags(w http.ResponseWriter, r *http.Request, app *storage.App) {
	tags, err := s.store.TagSummaries(r.Context(), app.PublicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tags == nil {
		tags = []storage.TagSummary{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

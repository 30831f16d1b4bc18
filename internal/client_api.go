package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"simplepresence/internal/presence"
	"simplepresence/internal/storage"
)

var (
	httpTimeout = 5 * time.Second
)

// DiagnosticsClient queries the diagnostic endpoints of one app.
type DiagnosticsClient struct {
	baseURL string
	appKey  string
	secret  string
	http    *http.Client
}

// NewDiagnosticsClient accepts either an http(s) base URL or the ws(s) URL
// of the presence socket.
func NewDiagnosticsClient(serverURL, appKey, secret string) (*DiagnosticsClient, error) {
	base, err := httpBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &DiagnosticsClient{
		baseURL: base,
		appKey:  appKey,
		secret:  secret,
		http:    &http.Client{Timeout: httpTimeout},
	}, nil
}

func (c *DiagnosticsClient) Stats(ctx context.Context) (presence.Stats, error) {
	var stats presence.Stats
	err := c.get(ctx, "/stats", &stats)
	return stats, err
}

func (c *DiagnosticsClient) Events(ctx context.Context, limit int) ([]storage.Event, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []storage.Event
	err := c.get(ctx, path, &events)
	return events, err
}

func (c *DiagnosticsClient) Tags(ctx context.Context) ([]storage.TagSummary, error) {
	var tags []storage.TagSummary
	err := c.get(ctx, "/tags", &tags)
	return tags, err
}

func (c *DiagnosticsClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(appKeyHeader, c.appKey)
	req.Header.Set("Authorization", "Bearer "+c.secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return errUnknownApp
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return xerrors.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

func httpBaseURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", xerrors.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// buildPresenceURL adds the app key to the socket URL.
func buildPresenceURL(base, appKey string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", xerrors.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("key", appKey)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

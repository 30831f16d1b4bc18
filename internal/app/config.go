package app

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
)

// Config is the full configuration of the presence binaries. It is built from
// defaults, then a YAML file, then PRESENCE_* environment variables, then
// command line flags.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"`
	DBPath            string        `yaml:"db_path"`
	RecorderQueueSize int           `yaml:"recorder_queue_size"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig defines the parameters the watch client and the diagnostic
// commands need.
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	AppKey    string `yaml:"app_key"`
	Secret    string `yaml:"secret"`
	Tag       string `yaml:"tag"`
}

// LogConfig selects the log sink.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			Path:              "/presence",
			RecorderQueueSize: 1024,
			SubscriberBuffer:  8,
			ShutdownTimeout:   5 * time.Second,
		},
		Client: ClientConfig{
			ServerURL: "ws://localhost:8080/presence",
			Tag:       "/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "human",
		},
	}
}

// Load overlays the YAML file at path on the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, xerrors.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, xerrors.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields with PRESENCE_* environment variables.
func (c *Config) ApplyEnv() {
	c.Server.Addr = envOrDefault("PRESENCE_ADDR", c.Server.Addr)
	c.Server.Path = envOrDefault("PRESENCE_PATH", c.Server.Path)
	c.Server.DBPath = envOrDefault("PRESENCE_DB_PATH", c.Server.DBPath)
	if v, err := strconv.ParseBool(os.Getenv("PRESENCE_TRUST_PROXY")); err == nil {
		c.Server.TrustProxy = v
	}
	c.Client.ServerURL = envOrDefault("PRESENCE_SERVER", c.Client.ServerURL)
	c.Client.AppKey = envOrDefault("PRESENCE_APP_KEY", c.Client.AppKey)
	c.Client.Secret = envOrDefault("PRESENCE_SECRET", c.Client.Secret)
	c.Log.Level = envOrDefault("PRESENCE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("PRESENCE_LOG_FORMAT", c.Log.Format)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) (slog.Logger, error) {
	var logger slog.Logger
	switch strings.ToLower(cfg.Format) {
	case "", "human":
		logger = slog.Make(sloghuman.Sink(w))
	case "json":
		logger = slog.Make(slogjson.Sink(w))
	default:
		return slog.Logger{}, xerrors.Errorf("unknown log format %q", cfg.Format)
	}
	switch strings.ToLower(cfg.Level) {
	case "debug":
		return logger.Leveled(slog.LevelDebug), nil
	case "", "info":
		return logger.Leveled(slog.LevelInfo), nil
	case "warn":
		return logger.Leveled(slog.LevelWarn), nil
	case "error":
		return logger.Leveled(slog.LevelError), nil
	default:
		return slog.Logger{}, xerrors.Errorf("unknown log level %q", cfg.Level)
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PRESENCE_DATA_DIR"); env != "" {
		return filepath.Join(env, "presence.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "simplepresence", "presence.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "SimplePresence", "presence.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "SimplePresence", "presence.db")
		}
		return filepath.Join(home, ".local", "share", "simplepresence", "presence.db")
	}
	return filepath.Join(".", ".simplepresence", "presence.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /presence when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/presence"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

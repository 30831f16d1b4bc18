package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	intrnl "simplepresence/internal"
	"simplepresence/internal/app"
)

const (
	modeServer  = "server"
	modeWatch   = "watch"
	modeLocal   = "local"
	modeApps    = "apps"
	modeStats   = "stats"
	modeEvents  = "events"
	modeTags    = "tags"
	modeVersion = "version"
)

const usage = `usage: presence <mode> [flags] [args]

modes:
  server                 run the presence server
  watch [app-key] [tag]  watch a tag's live count
  local                  run a server on a random port and watch it
  apps create <name>     register an app and print its credentials
  apps list              list registered apps
  stats|events|tags      query the diagnostic endpoints
  version                print the version
`

func main() {
	mode, args := parseMode(os.Args[1:])
	if mode == "" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	flagSet := pflag.NewFlagSet("presence", pflag.ExitOnError)
	configPath := flagSet.StringP("config", "c", envOrDefault("PRESENCE_CONFIG", ""), "YAML config file")
	addr := flagSet.String("addr", "", "server listen address")
	path := flagSet.String("path", "", "websocket path")
	db := flagSet.String("db", "", "sqlite database path (defaults to a per-user path)")
	serverURL := flagSet.String("server-url", "", "server websocket URL")
	appKey := flagSet.String("key", "", "app public key")
	secret := flagSet.String("secret", "", "app secret (diagnostics)")
	limit := flagSet.Int("limit", 50, "number of events to fetch")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	logFormat := flagSet.String("log-format", "", "human or json")
	trustProxy := flagSet.Bool("trust-proxy", false, "rate limit on X-Forwarded-For")
	quiet := flagSet.BoolP("quiet", "q", false, "only log errors")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage, "\nflags:\n")
		flagSet.PrintDefaults()
	}
	_ = flagSet.Parse(args)

	cfg, err := app.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	cfg.ApplyEnv()
	if mode == modeLocal {
		cfg.Server.Addr = "127.0.0.1:0"
	}
	overrideString(flagSet, "addr", &cfg.Server.Addr, *addr)
	overrideString(flagSet, "path", &cfg.Server.Path, *path)
	overrideString(flagSet, "db", &cfg.Server.DBPath, *db)
	overrideString(flagSet, "server-url", &cfg.Client.ServerURL, *serverURL)
	overrideString(flagSet, "key", &cfg.Client.AppKey, *appKey)
	overrideString(flagSet, "secret", &cfg.Client.Secret, *secret)
	overrideString(flagSet, "log-level", &cfg.Log.Level, *logLevel)
	overrideString(flagSet, "log-format", &cfg.Log.Format, *logFormat)
	if flagSet.Changed("trust-proxy") {
		cfg.Server.TrustProxy = *trustProxy
	}
	if *quiet {
		cfg.Log.Level = "error"
	}
	cfg.Server.Path = app.NormalizeJoinPath(cfg.Server.Path)
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = app.DefaultDBPath()
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := flagSet.Args()
	switch mode {
	case modeServer:
		err = runServerMode(ctx, logger, cfg.Server)
	case modeWatch:
		err = runWatchMode(cfg.Client, rest)
	case modeLocal:
		err = runLocalMode(ctx, logger, cfg, rest)
	case modeApps:
		err = runAppsMode(ctx, cfg.Server.DBPath, rest, os.Stdout)
	case modeStats, modeEvents, modeTags:
		err = runDiagnosticsMode(ctx, mode, cfg.Client, *limit, os.Stdout)
	case modeVersion:
		fmt.Println(intrnl.VersionString())
	}

	if err != nil && !xerrors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

func runServerMode(ctx context.Context, logger slog.Logger, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, logger, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runWatchMode(cfg app.ClientConfig, args []string) error {
	if len(args) > 0 {
		cfg.AppKey = args[0]
	}
	if len(args) > 1 {
		cfg.Tag = args[1]
	}
	if cfg.AppKey == "" {
		return xerrors.New("watch mode requires an app key (argument, --key or PRESENCE_APP_KEY)")
	}
	return app.RunClient(cfg)
}

// runLocalMode starts a throwaway server, registers a demo app when no key
// was given and attaches the watch client to it.
func runLocalMode(ctx context.Context, logger slog.Logger, cfg app.Config, args []string) error {
	handle, err := app.RunServer(ctx, logger, cfg.Server)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg := cfg.Client
	if len(args) > 0 {
		clientCfg.AppKey = args[0]
	}
	if len(args) > 1 {
		clientCfg.Tag = args[1]
	}
	if clientCfg.AppKey == "" {
		creds, err := intrnl.CreateApp(ctx, handle.Store(), "local-"+time.Now().Format("20060102-150405"))
		if err != nil {
			return err
		}
		clientCfg.AppKey = creds.PublicKey
		logger.Info(ctx, "created demo app",
			slog.F("key", creds.PublicKey),
			slog.F("secret", creds.Secret),
		)
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), cfg.Server.Path)
	logger.Info(ctx, "launching watch client", slog.F("url", clientCfg.ServerURL))

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func runAppsMode(ctx context.Context, dbPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return xerrors.New("usage: presence apps create <name> | apps list")
	}
	switch args[0] {
	case "create":
		if len(args) < 2 {
			return xerrors.New("usage: presence apps create <name>")
		}
		creds, err := app.CreateApp(ctx, dbPath, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "name:   %s\nkey:    %s\nsecret: %s\n", creds.Name, creds.PublicKey, creds.Secret)
		fmt.Fprintln(out, "The secret is shown only once.")
		return nil
	case "list":
		apps, err := app.ListApps(ctx, dbPath)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKEY\tCREATED")
		for _, a := range apps {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.PublicKey, a.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	default:
		return xerrors.Errorf("unknown apps command %q", args[0])
	}
}

func runDiagnosticsMode(ctx context.Context, mode string, cfg app.ClientConfig, limit int, out io.Writer) error {
	client, err := app.Diagnostics(cfg)
	if err != nil {
		return err
	}
	var payload interface{}
	switch mode {
	case modeStats:
		payload, err = client.Stats(ctx)
	case modeEvents:
		payload, err = client.Events(ctx, limit)
	case modeTags:
		payload, err = client.Tags(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return xerrors.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeWatch, args
	}
	switch mode := strings.ToLower(args[0]); mode {
	case modeServer, modeWatch, modeLocal, modeApps, modeStats, modeEvents, modeTags, modeVersion:
		return mode, args[1:]
	case "-h", "--help", "help":
		return "", nil
	}
	return modeWatch, args
}

func overrideString(fs *pflag.FlagSet, name string, dst *string, value string) {
	if fs.Changed(name) {
		*dst = value
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "presence: "+format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"simplepresence/internal/app"
)

func main() {
	cfg := app.Default()
	cfg.ApplyEnv()

	serverURL := pflag.String("server", cfg.Client.ServerURL, "WebSocket URL (e.g., ws://localhost:8080/presence)")
	tag := pflag.String("tag", cfg.Client.Tag, "tag to watch")
	pflag.Parse()

	cfg.Client.ServerURL = *serverURL
	cfg.Client.Tag = *tag
	if args := pflag.Args(); len(args) >= 1 {
		cfg.Client.AppKey = args[0]
	}

	if err := app.RunClient(cfg.Client); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

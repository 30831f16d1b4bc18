package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"simplepresence/internal/app"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("PRESENCE_CONFIG"), "YAML config file")
	addr := pflag.String("addr", "", "server listen address")
	db := pflag.String("db", "", "sqlite database path")
	pflag.Parse()

	cfg, err := app.Load(*configPath)
	if err != nil {
		exit(err)
	}
	cfg.ApplyEnv()
	if pflag.CommandLine.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if pflag.CommandLine.Changed("db") {
		cfg.Server.DBPath = *db
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = app.DefaultDBPath()
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		exit(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, logger, cfg.Server)
	if err != nil {
		exit(err)
	}
	if err := handle.Wait(); err != nil {
		exit(err)
	}
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

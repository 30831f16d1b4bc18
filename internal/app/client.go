package app

import (
	"context"

	"golang.org/x/xerrors"

	intrnl "simplepresence/internal"
	"simplepresence/internal/storage"
)

// RunClient launches the Bubble Tea watch TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return xerrors.New("server URL is required")
	}
	if cfg.AppKey == "" {
		return xerrors.New("app key is required")
	}
	return intrnl.RunClient(cfg.ServerURL, cfg.AppKey, cfg.Tag)
}

// Diagnostics returns an HTTP client for the diagnostic endpoints of the
// server cfg points at.
func Diagnostics(cfg ClientConfig) (*intrnl.DiagnosticsClient, error) {
	if cfg.AppKey == "" || cfg.Secret == "" {
		return nil, xerrors.New("app key and secret are required")
	}
	return intrnl.NewDiagnosticsClient(cfg.ServerURL, cfg.AppKey, cfg.Secret)
}

// CreateApp opens the store at dbPath and registers a new app.
func CreateApp(ctx context.Context, dbPath, name string) (intrnl.AppCredentials, error) {
	store, err := openStore(ctx, dbPath)
	if err != nil {
		return intrnl.AppCredentials{}, err
	}
	defer store.Close()
	return intrnl.CreateApp(ctx, store, name)
}

// ListApps opens the store at dbPath and lists its apps.
func ListApps(ctx context.Context, dbPath string) ([]storage.App, error) {
	store, err := openStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListApps(ctx)
}

func openStore(ctx context.Context, dbPath string) (*storage.Store, error) {
	store, err := storage.NewStore(dbPath)
	if err != nil {
		return nil, xerrors.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, xerrors.Errorf("migrate: %w", err)
	}
	return store, nil
}

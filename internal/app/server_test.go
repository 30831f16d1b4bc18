package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	intrnl "simplepresence/internal"
	"simplepresence/internal/testutil"
)

func TestRunServer_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testutil.Context(t, testutil.WaitMedium))
	defer cancel()

	cfg := Default().Server
	cfg.Addr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "presence.db")

	handle, err := RunServer(ctx, testutil.Logger(t), cfg)
	require.NoError(t, err)

	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "OK", string(body))

	creds, err := intrnl.CreateApp(ctx, handle.Store(), "lifecycle")
	require.NoError(t, err)
	client, err := Diagnostics(ClientConfig{
		ServerURL: "ws://" + handle.Addr() + cfg.Path,
		AppKey:    creds.PublicKey,
		Secret:    creds.Secret,
	})
	require.NoError(t, err)
	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	require.Empty(t, stats.Tags)

	cancel()
	require.NoError(t, handle.Wait())
	require.NoError(t, handle.Stop(context.Background()), "stopping twice is a no-op")

	// The store outlives the process; the app is still registered.
	apps, err := ListApps(context.Background(), cfg.DBPath)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	require.Equal(t, "lifecycle", apps[0].Name)
}

func TestRunServer_RequiresDBPath(t *testing.T) {
	t.Parallel()
	_, err := RunServer(context.Background(), testutil.Logger(t), ServerConfig{Addr: "127.0.0.1:0"})
	require.Error(t, err)
}

func TestCreateAndListApps(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	dbPath := filepath.Join(t.TempDir(), "presence.db")

	creds, err := CreateApp(ctx, dbPath, "docs")
	require.NoError(t, err)
	require.NotEmpty(t, creds.Secret)

	apps, err := ListApps(ctx, dbPath)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	require.Equal(t, creds.PublicKey, apps[0].PublicKey)
}

func TestRunClient_Validates(t *testing.T) {
	t.Parallel()
	require.Error(t, RunClient(ClientConfig{}))
	require.Error(t, RunClient(ClientConfig{ServerURL: "ws://localhost/presence"}))
	_, err := Diagnostics(ClientConfig{ServerURL: "ws://localhost/presence", AppKey: "pk_x"})
	require.Error(t, err)
}

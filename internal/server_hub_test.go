package internal

import (
	"context"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"simplepresence/internal/presence"
	"simplepresence/internal/storage"
	"simplepresence/internal/testutil"
)

type memoryEvents struct {
	mu     sync.Mutex
	events []storage.Event
}

func (m *memoryEvents) AppendEvent(_ context.Context, ev storage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryEvents) types(appKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.AppKey == appKey {
			out = append(out, ev.Type)
		}
	}
	return out
}

func newTestHub(t *testing.T) (*Hub, *memoryEvents, *Metrics) {
	t.Helper()
	events := &memoryEvents{}
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(HubOptions{
		Logger:  testutil.Logger(t),
		Clock:   quartz.NewMock(t),
		Metrics: metrics,
		Store:   events,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitShort)
		defer cancel()
		require.NoError(t, hub.Close(ctx))
	})
	return hub, events, metrics
}

func TestHub_AcquireSharesActorPerKey(t *testing.T) {
	t.Parallel()
	hub, _, metrics := newTestHub(t)

	a1, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	a2, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	b, err := hub.Acquire("pk_b")
	require.NoError(t, err)

	require.Same(t, a1, a2)
	require.NotSame(t, a1, b)
	require.Equal(t, 2, hub.Len())
	require.Same(t, a1, hub.Lookup("pk_a"))
	require.Nil(t, hub.Lookup("pk_c"))
	require.Equal(t, float64(2), promtest.ToFloat64(metrics.Actors))
}

func TestHub_ReleaseEvictsAfterLastReference(t *testing.T) {
	t.Parallel()
	hub, events, _ := newTestHub(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	actor, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	_, err = hub.Acquire("pk_a")
	require.NoError(t, err)

	require.NoError(t, actor.Connect(ctx, "h1", "ua"))
	_, err = actor.Update(ctx, "h1", "lobby", presence.StatusOnline)
	require.NoError(t, err)
	require.NoError(t, actor.Disconnect(ctx, "h1"))

	hub.Release(actor)
	require.Same(t, actor, hub.Lookup("pk_a"), "one reference is still held")

	hub.Release(actor)
	require.Nil(t, hub.Lookup("pk_a"))
	testutil.RequireClosed(ctx, t, actor.Context().Done())

	// Everything queued before the last release was applied and persisted.
	require.Eventually(t, func() bool {
		return len(events.types("pk_a")) == 3
	}, testutil.WaitShort, testutil.IntervalFast)
	require.Equal(t, []string{"connect", "update", "disconnect"}, events.types("pk_a"))

	// A new reference starts a fresh actor.
	fresh, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	require.NotSame(t, actor, fresh)
	hub.Release(fresh)
}

func TestActor_PublishesCounts(t *testing.T) {
	t.Parallel()
	hub, _, metrics := newTestHub(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	actor, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	sub := actor.Subscribe(ctx, "lobby")
	defer sub.Close()

	require.NoError(t, actor.Connect(ctx, "h1", ""))
	require.NoError(t, actor.Connect(ctx, "h2", ""))
	count, err := actor.Update(ctx, "h1", "lobby", presence.StatusOnline)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 1, testutil.RequireReceive(ctx, t, sub.C()))

	count, err = actor.Update(ctx, "h2", "lobby", presence.StatusOnline)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2, testutil.RequireReceive(ctx, t, sub.C()))

	require.NoError(t, actor.Disconnect(ctx, "h1"))
	require.Equal(t, 1, testutil.RequireReceive(ctx, t, sub.C()))

	_, err = actor.Update(ctx, "ghost", "lobby", presence.StatusOnline)
	require.ErrorIs(t, err, presence.ErrUnknownConnection)

	stats, err := actor.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []presence.TagStat{{Name: "lobby", Sessions: 1}}, stats.Tags)
	require.Equal(t, float64(3), promtest.ToFloat64(metrics.Publishes))
}

func TestHub_Close(t *testing.T) {
	t.Parallel()
	hub, events, metrics := newTestHub(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	actor, err := hub.Acquire("pk_a")
	require.NoError(t, err)
	sub := actor.Subscribe(ctx, "lobby")
	require.NoError(t, actor.Connect(ctx, "h1", ""))

	require.NoError(t, hub.Close(ctx))
	require.NoError(t, hub.Close(ctx), "closing twice is a no-op")
	testutil.RequireClosed(ctx, t, actor.Context().Done())
	testutil.RequireClosed(ctx, t, sub.C())
	require.Equal(t, []string{"connect"}, events.types("pk_a"))
	require.Zero(t, promtest.ToFloat64(metrics.Actors))

	_, err = hub.Acquire("pk_a")
	require.ErrorIs(t, err, errHubClosed)
	_, err = actor.Update(ctx, "h1", "lobby", presence.StatusOnline)
	require.ErrorIs(t, err, errActorStopped)

	// Releasing a reference the hub no longer tracks is harmless.
	hub.Release(actor)
}

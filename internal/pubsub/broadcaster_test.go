package pubsub_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"simplepresence/internal/pubsub"
	"simplepresence/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(16)
	defer b.Close()

	sub := b.Subscribe(ctx, "lobby")
	for i := 1; i <= 5; i++ {
		b.Publish("lobby", i)
	}
	for i := 1; i <= 5; i++ {
		require.Equal(t, i, testutil.RequireReceive(ctx, t, sub.C()))
	}
}

func TestBroadcaster_NoInitialValue(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	b.Publish("lobby", 7)
	sub := b.Subscribe(ctx, "lobby")
	testutil.RequireEmpty(t, sub.C())

	b.Publish("lobby", 8)
	require.Equal(t, 8, testutil.RequireReceive(ctx, t, sub.C()))
}

func TestBroadcaster_TagsAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	lobby := b.Subscribe(ctx, "lobby")
	other := b.Subscribe(ctx, "other")
	b.Publish("lobby", 1)

	require.Equal(t, 1, testutil.RequireReceive(ctx, t, lobby.C()))
	testutil.RequireEmpty(t, other.C())
}

func TestBroadcaster_EverySubscriberReceives(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	subs := []*pubsub.Subscription{
		b.Subscribe(ctx, "lobby"),
		b.Subscribe(ctx, "lobby"),
		b.Subscribe(ctx, "lobby"),
	}
	require.Equal(t, 3, b.SubscriberCount("lobby"))

	b.Publish("lobby", 3)
	for _, sub := range subs {
		require.Equal(t, 3, testutil.RequireReceive(ctx, t, sub.C()))
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	b := pubsub.New(0)
	defer b.Close()

	b.Publish("nobody", 1)
	require.Zero(t, b.Len())
}

func TestBroadcaster_LatestValueWins(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(2)
	defer b.Close()

	slow := b.Subscribe(ctx, "lobby")
	fast := b.Subscribe(ctx, "lobby")

	// Nobody reads slow; publishing must still never block.
	for i := 1; i <= 10; i++ {
		b.Publish("lobby", i)
		if i > 8 {
			require.Equal(t, i-1, testutil.RequireReceive(ctx, t, fast.C()))
		}
	}

	require.Equal(t, 9, testutil.RequireReceive(ctx, t, slow.C()))
	require.Equal(t, 10, testutil.RequireReceive(ctx, t, slow.C()))
	testutil.RequireEmpty(t, slow.C())
}

func TestBroadcaster_CloseStopsDelivery(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	sub := b.Subscribe(ctx, "lobby")
	sub.Close()
	sub.Close()
	b.Publish("lobby", 1)

	testutil.RequireClosed(ctx, t, sub.C())
	assert.Zero(t, b.SubscriberCount("lobby"))
	assert.Zero(t, b.Len(), "tag should be pruned with its last subscriber")
}

func TestBroadcaster_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	subCtx, cancel := context.WithCancel(ctx)
	sub := b.Subscribe(subCtx, "lobby")
	keep := b.Subscribe(ctx, "lobby")
	cancel()

	testutil.RequireClosed(ctx, t, sub.C())
	require.Eventually(t, func() bool {
		return b.SubscriberCount("lobby") == 1
	}, testutil.WaitShort, testutil.IntervalFast)

	b.Publish("lobby", 2)
	require.Equal(t, 2, testutil.RequireReceive(ctx, t, keep.C()))
}

func TestBroadcaster_SubscribeWithCanceledContext(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)
	defer b.Close()

	done, cancel := context.WithCancel(ctx)
	cancel()
	sub := b.Subscribe(done, "lobby")

	testutil.RequireClosed(ctx, t, sub.C())
	require.Eventually(t, func() bool {
		return b.Len() == 0
	}, testutil.WaitShort, testutil.IntervalFast)
}

func TestBroadcaster_Close(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(0)

	sub := b.Subscribe(ctx, "lobby")
	b.Close()
	testutil.RequireClosed(ctx, t, sub.C())
	sub.Close()

	late := b.Subscribe(ctx, "lobby")
	testutil.RequireClosed(ctx, t, late.C())
	b.Publish("lobby", 1)
	require.Zero(t, b.Len())
}

func TestBroadcaster_ConcurrentUse(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := pubsub.New(4)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := b.Subscribe(ctx, "lobby")
				b.Publish("lobby", j)
				sub.Close()
			}
		}()
	}
	wg.Wait()
	require.Zero(t, b.Len())
}

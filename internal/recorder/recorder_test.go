package recorder_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"simplepresence/internal/presence"
	"simplepresence/internal/recorder"
	"simplepresence/internal/storage"
	"simplepresence/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu     sync.Mutex
	events []storage.Event
	err    error
	// gate, when set, blocks every write until it is closed.
	gate    chan struct{}
	entered chan storage.Event
}

func (f *fakeStore) AppendEvent(ctx context.Context, ev storage.Event) error {
	if f.entered != nil {
		select {
		case f.entered <- ev:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) snapshot() []storage.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Event(nil), f.events...)
}

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name})
}

func TestRecorder_WritesInOrder(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store := &fakeStore{}
	rec := recorder.New("pk_test", store, recorder.Options{Logger: testutil.Logger(t)})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h1", UserAgent: "ua", Timestamp: now})
	rec.Record(presence.Event{Type: presence.EventUpdate, Handle: "h1", Tag: "home", Status: presence.StatusOnline, Count: 1, Timestamp: now})
	rec.Record(presence.Event{Type: presence.EventDisconnect, Handle: "h1", Tag: "home", Duration: 1500 * time.Millisecond, Timestamp: now})
	require.NoError(t, rec.Close(ctx))

	events := store.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "connect", events[0].Type)
	assert.Equal(t, "ua", events[0].UserAgent)
	assert.Equal(t, "pk_test", events[0].AppKey)
	assert.Equal(t, "h1", events[0].SessionID)
	assert.Equal(t, "update", events[1].Type)
	assert.Equal(t, "online", events[1].Status)
	assert.Equal(t, 1, events[1].Count)
	assert.Equal(t, "disconnect", events[2].Type)
	assert.EqualValues(t, 1, events[2].Duration)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store := &fakeStore{
		gate:    make(chan struct{}),
		entered: make(chan storage.Event, 16),
	}
	dropped := newCounter("dropped")
	rec := recorder.New("pk_test", store, recorder.Options{
		Logger:    testutil.Logger(t),
		QueueSize: 2,
		Dropped:   dropped,
	})

	// The writer takes the first event and blocks on the gate, two more fill
	// the queue, and everything after that is dropped without blocking.
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h0"})
	require.Equal(t, "h0", testutil.RequireReceive(ctx, t, store.entered).SessionID)
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h1"})
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h2"})
	for i := 0; i < 10; i++ {
		rec.Record(presence.Event{Type: presence.EventConnect, Handle: "late"})
	}
	assert.Equal(t, float64(10), promtest.ToFloat64(dropped))

	close(store.gate)
	require.NoError(t, rec.Close(ctx))
	events := store.snapshot()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("h%d", i), ev.SessionID)
	}
}

func TestRecorder_FailuresAreSuppressed(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store := &fakeStore{err: xerrors.New("disk full")}
	failures := newCounter("failures")
	rec := recorder.New("pk_test", store, recorder.Options{
		Logger:   slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		Failures: failures,
	})

	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h1"})
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h2"})
	require.NoError(t, rec.Close(ctx))

	assert.Equal(t, float64(2), promtest.ToFloat64(failures))
	assert.Empty(t, store.snapshot())
}

func TestRecorder_CloseTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeStore{gate: make(chan struct{})}
	defer close(store.gate)
	rec := recorder.New("pk_test", store, recorder.Options{
		Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h1"})
	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rec.Close(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.snapshot())
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store := &fakeStore{}
	dropped := newCounter("dropped")
	rec := recorder.New("pk_test", store, recorder.Options{
		Logger:  testutil.Logger(t),
		Dropped: dropped,
	})
	require.NoError(t, rec.Close(ctx))
	require.ErrorIs(t, rec.Close(ctx), recorder.ErrClosed)

	rec.Record(presence.Event{Type: presence.EventConnect, Handle: "h1"})
	assert.Equal(t, float64(1), promtest.ToFloat64(dropped))
	assert.Empty(t, store.snapshot())
}

func TestRecorder_EngineIntegration(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store := &fakeStore{}
	rec := recorder.New("pk_test", store, recorder.Options{Logger: testutil.Logger(t)})
	engine := presence.NewEngine(nil, rec)

	engine.OnConnect("h1", "")
	_, err := engine.Update("h1", "docs", presence.StatusOnline)
	require.NoError(t, err)
	_, _ = engine.OnDisconnect("h1")
	require.NoError(t, rec.Close(ctx))

	var types []string
	for _, ev := range store.snapshot() {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"connect", "update", "disconnect"}, types)
}

func TestRecorder_RetagMarksPreviousTagInactive(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.Migrate(ctx))

	rec := recorder.New("pk_test", store, recorder.Options{Logger: testutil.Logger(t)})
	engine := presence.NewEngine(nil, rec)
	engine.OnConnect("a", "")
	_, err = engine.Update("a", "t1", presence.StatusOnline)
	require.NoError(t, err)
	_, err = engine.Update("a", "t2", presence.StatusOnline)
	require.NoError(t, err)
	require.NoError(t, rec.Close(ctx))

	tags, err := store.TagSummaries(ctx, "pk_test")
	require.NoError(t, err)
	active := make(map[string]bool)
	for _, tag := range tags {
		active[tag.Name] = tag.Active
	}
	require.Equal(t, map[string]bool{"t1": false, "t2": true}, active)
}

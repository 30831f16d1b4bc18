// Package recorder persists presence transitions off the hot path. Events are
// queued in memory and written by a single goroutine; a full queue drops new
// events rather than slowing the engine down.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"simplepresence/internal/presence"
	"simplepresence/internal/storage"
)

const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = xerrors.New("recorder closed")

// EventStore is the persistence the recorder writes to.
type EventStore interface {
	AppendEvent(ctx context.Context, ev storage.Event) error
}

// Options tune a Recorder. Zero values pick defaults and nil counters are
// replaced with unregistered ones.
type Options struct {
	Logger       slog.Logger
	QueueSize    int
	WriteTimeout time.Duration
	Dropped      prometheus.Counter
	Failures     prometheus.Counter
}

// Recorder implements presence.Recorder for one app key.
type Recorder struct {
	appKey string
	store  EventStore
	log    slog.Logger

	writeTimeout time.Duration
	dropped      prometheus.Counter
	failures     prometheus.Counter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	queue  chan storage.Event
}

var _ presence.Recorder = (*Recorder)(nil)

// New starts a recorder writing events for appKey to store.
func New(appKey string, store EventStore, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Dropped == nil {
		opts.Dropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "recorder_dropped_total"})
	}
	if opts.Failures == nil {
		opts.Failures = prometheus.NewCounter(prometheus.CounterOpts{Name: "recorder_failures_total"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		appKey:       appKey,
		store:        store,
		log:          opts.Logger.With(slog.F("app_key", appKey)),
		writeTimeout: opts.WriteTimeout,
		dropped:      opts.Dropped,
		failures:     opts.Failures,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		queue:        make(chan storage.Event, opts.QueueSize),
	}
	go r.run()
	return r
}

// Record enqueues ev. It never blocks; events arriving while the queue is
// full or after Close are dropped.
func (r *Recorder) Record(ev presence.Event) {
	row := storage.Event{
		AppKey:    r.appKey,
		Type:      string(ev.Type),
		SessionID: string(ev.Handle),
		Tag:       ev.Tag,
		Status:    string(ev.Status),
		Timestamp: ev.Timestamp,
		UserAgent: ev.UserAgent,
		Duration:  int64(ev.Duration / time.Second),
		Count:     ev.Count,

		PreviousTag:   ev.PreviousTag,
		PreviousCount: ev.PreviousCount,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Inc()
		return
	}
	select {
	case r.queue <- row:
	default:
		r.dropped.Inc()
		r.log.Warn(context.Background(), "event queue full, dropping event",
			slog.F("type", row.Type),
			slog.F("session_id", row.SessionID))
	}
}

// Close stops accepting events and waits for queued ones to be written. If ctx
// expires first the remaining events are discarded.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return xerrors.Errorf("drain event queue: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		if r.ctx.Err() != nil {
			r.dropped.Inc()
			continue
		}
		r.write(ev)
	}
}

func (r *Recorder) write(ev storage.Event) {
	ctx, cancel := context.WithTimeout(r.ctx, r.writeTimeout)
	defer cancel()
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.failures.Inc()
		r.log.Error(ctx, "append presence event",
			slog.F("type", ev.Type),
			slog.F("session_id", ev.SessionID),
			slog.Error(err))
	}
}

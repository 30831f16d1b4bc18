package internal

import (
	"context"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"simplepresence/internal/presence"
	"simplepresence/internal/pubsub"
	"simplepresence/internal/recorder"
)

const actorInboxSize = 64

var errActorStopped = xerrors.New("actor stopped")

type connectMsg struct {
	handle    presence.Handle
	userAgent string
}

type updateResult struct {
	count int
	err   error
}

type updateMsg struct {
	handle presence.Handle
	tag    string
	status presence.Status
	reply  chan updateResult
}

type disconnectMsg struct {
	handle presence.Handle
}

type statsMsg struct {
	reply chan presence.Stats
}

type stopMsg struct{}

// Actor owns the presence state of one app key. Every mutation and read of
// the engine happens on the actor's goroutine, in inbox order.
type Actor struct {
	key         string
	log         slog.Logger
	metrics     *Metrics
	engine      *presence.Engine
	broadcaster *pubsub.Broadcaster
	recorder    *recorder.Recorder

	inbox chan any
	// ctx is canceled once the actor stops; sockets served by it derive
	// their contexts from it.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newActor(key string, log slog.Logger, clock quartz.Clock, metrics *Metrics, rec *recorder.Recorder, buffer int) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		key:         key,
		log:         log,
		metrics:     metrics,
		engine:      presence.NewEngine(clock, rec),
		broadcaster: pubsub.New(buffer),
		recorder:    rec,
		inbox:       make(chan any, actorInboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Key returns the app key the actor serves.
func (a *Actor) Key() string {
	return a.key
}

// Context is canceled when the actor stops.
func (a *Actor) Context() context.Context {
	return a.ctx
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		var msg any
		select {
		case msg = <-a.inbox:
		case <-a.ctx.Done():
			return
		}
		switch msg := msg.(type) {
		case connectMsg:
			a.engine.OnConnect(msg.handle, msg.userAgent)
		case updateMsg:
			msg.reply <- a.update(msg)
		case disconnectMsg:
			if tag, ok := a.engine.OnDisconnect(msg.handle); ok {
				a.publish(tag)
			}
		case statsMsg:
			msg.reply <- a.engine.Stats()
		case stopMsg:
			return
		}
	}
}

func (a *Actor) update(msg updateMsg) updateResult {
	var previous string
	if conn, ok := a.engine.Connection(msg.handle); ok {
		previous = conn.Tag
	}
	count, err := a.engine.Update(msg.handle, msg.tag, msg.status)
	if err != nil {
		return updateResult{err: err}
	}
	if previous != "" && previous != msg.tag {
		a.publish(previous)
	}
	a.broadcaster.Publish(msg.tag, count)
	a.metrics.Publishes.Inc()
	return updateResult{count: count}
}

func (a *Actor) publish(tag string) {
	a.broadcaster.Publish(tag, a.engine.Count(tag))
	a.metrics.Publishes.Inc()
}

func (a *Actor) send(ctx context.Context, msg any) error {
	// A stopped actor may still have inbox room; never queue into it.
	select {
	case <-a.done:
		return errActorStopped
	default:
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-a.done:
		return errActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a freshly accepted socket.
func (a *Actor) Connect(ctx context.Context, handle presence.Handle, userAgent string) error {
	return a.send(ctx, connectMsg{handle: handle, userAgent: userAgent})
}

// Update applies an update and returns the occupancy of tag afterwards.
func (a *Actor) Update(ctx context.Context, handle presence.Handle, tag string, status presence.Status) (int, error) {
	reply := make(chan updateResult, 1)
	if err := a.send(ctx, updateMsg{handle: handle, tag: tag, status: status, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.count, res.err
	case <-a.done:
		return 0, errActorStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect forgets handle. It is queued behind every earlier message from
// the same socket, so a pending update is always applied first.
func (a *Actor) Disconnect(ctx context.Context, handle presence.Handle) error {
	return a.send(ctx, disconnectMsg{handle: handle})
}

// Stats returns a snapshot of the actor's tag index.
func (a *Actor) Stats(ctx context.Context) (presence.Stats, error) {
	reply := make(chan presence.Stats, 1)
	if err := a.send(ctx, statsMsg{reply: reply}); err != nil {
		return presence.Stats{}, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-a.done:
		return presence.Stats{}, errActorStopped
	case <-ctx.Done():
		return presence.Stats{}, ctx.Err()
	}
}

// Subscribe registers for counts published on tag until ctx is done or the
// subscription is closed.
func (a *Actor) Subscribe(ctx context.Context, tag string) *pubsub.Subscription {
	return a.broadcaster.Subscribe(ctx, tag)
}

// stop processes everything already queued, ends all subscriptions, and
// drains the recorder.
func (a *Actor) stop(ctx context.Context) error {
	select {
	case a.inbox <- stopMsg{}:
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	case <-a.done:
	case <-ctx.Done():
	}
	a.cancel()
	<-a.done
	a.broadcaster.Close()
	if err := a.recorder.Close(ctx); err != nil && !xerrors.Is(err, recorder.ErrClosed) {
		return xerrors.Errorf("close recorder for %s: %w", a.key, err)
	}
	return nil
}

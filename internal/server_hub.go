package internal

import (
	"context"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"simplepresence/internal/recorder"
)

var errHubClosed = xerrors.New("hub closed")

// HubOptions configure the actors a Hub creates.
type HubOptions struct {
	Logger  slog.Logger
	Clock   quartz.Clock
	Metrics *Metrics
	// Store receives every actor's events.
	Store recorder.EventStore
	// RecorderQueueSize bounds each actor's pending event queue.
	RecorderQueueSize int
	// SubscriberBuffer is the number of counts a subscription holds before
	// older ones are discarded.
	SubscriberBuffer int
}

type actorRef struct {
	actor *Actor
	refs  int
}

// Hub maps app keys to their actors. An actor is started on first use and
// stopped once its last connection is released.
type Hub struct {
	opts HubOptions
	log  slog.Logger

	mutex  sync.Mutex
	closed bool
	actors map[string]*actorRef
	// stopping tracks evicted actors that are still draining.
	stopping sync.WaitGroup
}

// NewHub builds an empty hub ready to serve websocket requests.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Hub{
		opts:   opts,
		log:    opts.Logger.Named("hub"),
		actors: make(map[string]*actorRef),
	}
}

// Acquire returns the actor for key, starting one if needed, and holds a
// reference on it until Release.
func (hub *Hub) Acquire(key string) (*Actor, error) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return nil, errHubClosed
	}
	if ref, ok := hub.actors[key]; ok {
		ref.refs++
		return ref.actor, nil
	}
	rec := recorder.New(key, hub.opts.Store, recorder.Options{
		Logger:    hub.opts.Logger.Named("recorder"),
		QueueSize: hub.opts.RecorderQueueSize,
		Dropped:   hub.opts.Metrics.RecorderDropped,
		Failures:  hub.opts.Metrics.RecorderFailures,
	})
	actor := newActor(key,
		hub.opts.Logger.Named("actor").With(slog.F("app_key", key)),
		hub.opts.Clock, hub.opts.Metrics, rec, hub.opts.SubscriberBuffer)
	hub.actors[key] = &actorRef{actor: actor, refs: 1}
	hub.opts.Metrics.Actors.Inc()
	go actor.run()
	hub.log.Debug(context.Background(), "actor started", slog.F("app_key", key))
	return actor, nil
}

// Release drops a reference taken by Acquire. The last release stops the
// actor in the background.
func (hub *Hub) Release(actor *Actor) {
	hub.mutex.Lock()
	ref, ok := hub.actors[actor.key]
	if !ok || ref.actor != actor {
		hub.mutex.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		hub.mutex.Unlock()
		return
	}
	delete(hub.actors, actor.key)
	hub.opts.Metrics.Actors.Dec()
	hub.stopping.Add(1)
	hub.mutex.Unlock()

	go func() {
		defer hub.stopping.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recorder.DefaultWriteTimeout)
		defer cancel()
		if err := actor.stop(ctx); err != nil {
			hub.log.Warn(ctx, "stop idle actor", slog.F("app_key", actor.key), slog.Error(err))
			return
		}
		hub.log.Debug(ctx, "actor stopped", slog.F("app_key", actor.key))
	}()
}

// Lookup returns the running actor for key, or nil. It never starts one.
func (hub *Hub) Lookup(key string) *Actor {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if ref, ok := hub.actors[key]; ok {
		return ref.actor
	}
	return nil
}

// Len returns the number of running actors.
func (hub *Hub) Len() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.actors)
}

// Close stops every actor, which disconnects their sockets, and waits for
// evicted actors to finish draining.
func (hub *Hub) Close(ctx context.Context) error {
	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		return nil
	}
	hub.closed = true
	actors := make([]*Actor, 0, len(hub.actors))
	for key, ref := range hub.actors {
		actors = append(actors, ref.actor)
		delete(hub.actors, key)
	}
	hub.opts.Metrics.Actors.Sub(float64(len(actors)))
	hub.mutex.Unlock()

	var eg errgroup.Group
	for _, actor := range actors {
		eg.Go(func() error {
			return actor.stop(ctx)
		})
	}
	err := eg.Wait()
	hub.stopping.Wait()
	return err
}

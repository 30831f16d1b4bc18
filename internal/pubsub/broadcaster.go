// Package pubsub fans tag occupancy counts out to live subscribers.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the number of undelivered counts a subscription holds
// before the oldest one is discarded.
const DefaultBuffer = 8

// Broadcaster delivers counts published for a tag to every subscription on
// that tag. It is safe for concurrent use.
type Broadcaster struct {
	buffer int

	mut    sync.Mutex
	closed bool
	subs   map[string]map[uuid.UUID]*Subscription
}

// New returns a Broadcaster whose subscriptions buffer up to buffer counts.
// A non-positive buffer uses DefaultBuffer.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[string]map[uuid.UUID]*Subscription),
	}
}

// Subscription is one consumer's view of a tag. Counts arrive on C in publish
// order; when the buffer is full the oldest undelivered count is dropped.
type Subscription struct {
	b   *Broadcaster
	id  uuid.UUID
	tag string
	ch  chan int

	once sync.Once

	// Guarded by b.mut.
	stop     func() bool
	detached bool
}

// Subscribe registers interest in tag until ctx is done or Close is called.
// Only counts published after Subscribe returns are delivered.
func (b *Broadcaster) Subscribe(ctx context.Context, tag string) *Subscription {
	sub := &Subscription{
		b:   b,
		id:  uuid.New(),
		tag: tag,
		ch:  make(chan int, b.buffer),
	}

	b.mut.Lock()
	if b.closed {
		sub.detached = true
		close(sub.ch)
		b.mut.Unlock()
		return sub
	}
	listeners, ok := b.subs[tag]
	if !ok {
		listeners = make(map[uuid.UUID]*Subscription)
		b.subs[tag] = listeners
	}
	listeners[sub.id] = sub
	sub.stop = context.AfterFunc(ctx, sub.Close)
	b.mut.Unlock()
	return sub
}

// Tag returns the tag the subscription listens on.
func (s *Subscription) Tag() string {
	return s.tag
}

// C returns the delivery channel. It is closed once the subscription ends.
func (s *Subscription) C() <-chan int {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once and from
// any goroutine. No value is delivered after Close returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if stop := s.b.detach(s); stop != nil {
			stop()
		}
	})
}

func (b *Broadcaster) detach(s *Subscription) func() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if s.detached {
		return s.stop
	}
	s.detached = true
	if listeners, ok := b.subs[s.tag]; ok {
		delete(listeners, s.id)
		if len(listeners) == 0 {
			delete(b.subs, s.tag)
		}
	}
	close(s.ch)
	return s.stop
}

// Publish delivers count to every current subscriber of tag. It never blocks:
// a subscriber with a full buffer loses its oldest pending count.
func (b *Broadcaster) Publish(tag string, count int) {
	b.mut.Lock()
	defer b.mut.Unlock()
	for _, sub := range b.subs[tag] {
		select {
		case sub.ch <- count:
			continue
		default:
		}
		// Only publishers send, and they hold the lock, so freeing one slot
		// guarantees the second send succeeds.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- count:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions on tag.
func (b *Broadcaster) SubscriberCount(tag string) int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.subs[tag])
}

// Len returns the number of tags with at least one subscriber.
func (b *Broadcaster) Len() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Subscribe after Close returns a subscription
// whose channel is already closed.
func (b *Broadcaster) Close() {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for tag, listeners := range b.subs {
		for _, sub := range listeners {
			sub.detached = true
			close(sub.ch)
		}
		delete(b.subs, tag)
	}
}

// Package presence tracks which connections are viewing which tag for a single
// application key. An Engine is owned by exactly one goroutine; none of its
// methods are safe for concurrent use.
package presence

import (
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// EventType classifies engine transitions written to the event log.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventUpdate     EventType = "update"
	EventDisconnect EventType = "disconnect"
)

// Event describes one engine transition. Count is the occupancy of Tag after
// the transition was applied. When an update moves a connection off another
// tag, PreviousTag names it and PreviousCount is its occupancy afterwards.
type Event struct {
	Type          EventType
	Handle        Handle
	Tag           string
	Status        Status
	Count         int
	PreviousTag   string
	PreviousCount int
	UserAgent string
	Duration  time.Duration
	Timestamp time.Time
}

// Recorder receives every transition. Implementations must not block.
type Recorder interface {
	Record(Event)
}

type discardRecorder struct{}

func (discardRecorder) Record(Event) {}

// Stats is a read-only snapshot of the index.
type Stats struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Tags        []TagStat `json:"tags"`
}

// Engine applies connect, update and disconnect transitions to the connection
// registry and tag index.
type Engine struct {
	clock       quartz.Clock
	recorder    Recorder
	registry    *registry
	index       *index
	lastUpdated time.Time
}

// NewEngine returns an empty engine. A nil recorder discards events.
func NewEngine(clock quartz.Clock, recorder Recorder) *Engine {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if recorder == nil {
		recorder = discardRecorder{}
	}
	return &Engine{
		clock:       clock,
		recorder:    recorder,
		registry:    newRegistry(),
		index:       newIndex(),
		lastUpdated: clock.Now(),
	}
}

// OnConnect registers handle with no tag. Registering a known handle keeps
// its existing state.
func (e *Engine) OnConnect(handle Handle, userAgent string) {
	now := e.clock.Now()
	e.registry.add(handle, now)
	e.lastUpdated = now
	e.recorder.Record(Event{
		Type:      EventConnect,
		Handle:    handle,
		UserAgent: userAgent,
		Timestamp: now,
	})
}

// Update moves handle to tag with the given status and returns the occupancy
// of tag afterwards. Input is validated before anything is mutated.
func (e *Engine) Update(handle Handle, tag string, status Status) (int, error) {
	if tag == "" {
		return 0, ErrEmptyTag
	}
	if !status.Valid() {
		return 0, xerrors.Errorf("status %q: %w", status, ErrInvalidStatus)
	}
	conn, ok := e.registry.get(handle)
	if !ok {
		return 0, xerrors.Errorf("update %s: %w", handle, ErrUnknownConnection)
	}

	// Always remove before inserting so a connection can never sit in two tags.
	previous := conn.Tag
	if previous != "" {
		e.index.remove(previous, handle)
	}
	conn.Tag = tag
	conn.Status = status
	if status == StatusOnline {
		e.index.add(tag, handle)
	}

	now := e.clock.Now()
	e.lastUpdated = now
	count := e.index.count(tag)
	ev := Event{
		Type:      EventUpdate,
		Handle:    handle,
		Tag:       tag,
		Status:    status,
		Count:     count,
		Timestamp: now,
	}
	if previous != "" && previous != tag {
		ev.PreviousTag = previous
		ev.PreviousCount = e.index.count(previous)
	}
	e.recorder.Record(ev)
	return count, nil
}

// OnDisconnect forgets handle and returns the tag it was associated with, if
// any, so the caller can publish that tag's final count. Unknown handles are
// ignored.
func (e *Engine) OnDisconnect(handle Handle) (string, bool) {
	conn, ok := e.registry.remove(handle)
	if !ok {
		return "", false
	}
	if conn.Tag != "" {
		e.index.remove(conn.Tag, handle)
	}

	now := e.clock.Now()
	e.lastUpdated = now
	e.recorder.Record(Event{
		Type:      EventDisconnect,
		Handle:    handle,
		Tag:       conn.Tag,
		Status:    conn.Status,
		Count:     e.index.count(conn.Tag),
		Duration:  now.Sub(conn.ConnectedAt),
		Timestamp: now,
	})
	return conn.Tag, conn.Tag != ""
}

// Count returns the number of online connections under tag.
func (e *Engine) Count(tag string) int {
	return e.index.count(tag)
}

// Connection returns a copy of the record for handle.
func (e *Engine) Connection(handle Handle) (Connection, bool) {
	conn, ok := e.registry.get(handle)
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Len returns the number of registered connections.
func (e *Engine) Len() int {
	return e.registry.len()
}

// Stats snapshots the tag index without mutating it.
func (e *Engine) Stats() Stats {
	return Stats{
		LastUpdated: e.lastUpdated,
		Tags:        e.index.stats(),
	}
}

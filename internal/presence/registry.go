package presence

import "time"

// Handle identifies one live transport connection. Handles are never reused.
type Handle string

// Connection is the last-known presence record of a handle.
type Connection struct {
	Handle      Handle
	Tag         string
	Status      Status
	ConnectedAt time.Time
}

// Counted reports whether the connection belongs to its tag's subscriber set.
func (c Connection) Counted() bool {
	return c.Tag != "" && c.Status == StatusOnline
}

// registry maps handles to their presence record. Not safe for concurrent use.
type registry struct {
	conns map[Handle]*Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[Handle]*Connection)}
}

func (r *registry) get(handle Handle) (*Connection, bool) {
	conn, ok := r.conns[handle]
	return conn, ok
}

// add registers handle unless it is already known. It reports whether a new
// record was created.
func (r *registry) add(handle Handle, now time.Time) bool {
	if _, ok := r.conns[handle]; ok {
		return false
	}
	r.conns[handle] = &Connection{Handle: handle, ConnectedAt: now}
	return true
}

func (r *registry) remove(handle Handle) (*Connection, bool) {
	conn, ok := r.conns[handle]
	if !ok {
		return nil, false
	}
	delete(r.conns, handle)
	return conn, true
}

func (r *registry) len() int {
	return len(r.conns)
}

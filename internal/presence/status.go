package presence

import "golang.org/x/xerrors"

// Status is the session status a connection reports for its tag.
type Status string

const (
	// StatusOnline connections are counted in their tag's occupancy.
	StatusOnline Status = "online"
	// StatusAway connections keep their tag association but are not counted.
	StatusAway Status = "away"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway:
		return true
	}
	return false
}

// ParseStatus converts wire input into a Status, rejecting anything else.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid() {
		return "", xerrors.Errorf("parse %q: %w", raw, ErrInvalidStatus)
	}
	return status, nil
}

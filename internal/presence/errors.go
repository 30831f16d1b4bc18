package presence

import "golang.org/x/xerrors"

var (
	// ErrEmptyTag is returned when an update names no tag.
	ErrEmptyTag = xerrors.New("tag must not be empty")
	// ErrInvalidStatus is returned for statuses other than online and away.
	ErrInvalidStatus = xerrors.New("status must be online or away")
	// ErrUnknownConnection is returned when updating a handle that never connected.
	ErrUnknownConnection = xerrors.New("unknown connection")
)

// IsInvalidInput reports whether err was caused by malformed update input.
func IsInvalidInput(err error) bool {
	return xerrors.Is(err, ErrEmptyTag) || xerrors.Is(err, ErrInvalidStatus)
}

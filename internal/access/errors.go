package access

import "errors"

var (
	ErrInvalidInput       = errors.New("access: invalid input")
	ErrNotFound           = errors.New("access: not found")
	ErrConflict           = errors.New("access: resource conflict")
	ErrInvalidEnvironment = errors.New("access: invalid environment")
	ErrPermissionDenied   = errors.New("access: permission denied")

	// ErrUnavailable marks infrastructure failures from the underlying
	// store. Resolution never returns it for missing data, only for
	// genuine I/O or timeout errors, so callers can tell "no
	// permissions" apart from "cannot answer".
	ErrUnavailable = errors.New("access: store unavailable")
)

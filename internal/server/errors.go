package server

import "errors"

var (
	// ErrInvalidArgument is returned for bad parameters such as a nil device
	// or connection, or a negative wait interval.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResource is returned when a socket cannot be created or bound.
	ErrResource = errors.New("resource failure")
	// ErrNotRunning is returned by operations that need a running server.
	ErrNotRunning = errors.New("server not running")
	// ErrAlreadyRegistered is returned when a connection is added twice.
	ErrAlreadyRegistered = errors.New("client already registered")
	// ErrServerFull is returned when the registry is at its client limit.
	ErrServerFull = errors.New("server is full")
	// ErrDestroyed is returned by every operation on a destroyed server.
	ErrDestroyed = errors.New("server destroyed")
)

// IsConfigError reports whether err is a setup or usage error that the
// caller has to fix, as opposed to a failure isolated to one client.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrResource) ||
		errors.Is(err, ErrDestroyed)
}

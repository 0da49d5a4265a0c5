package backplane

import "errors"

var (
	// ErrConnectionClosing is returned when a subscription is attempted for a
	// connection that has already started closing.
	ErrConnectionClosing = errors.New("backplane: connection is closing")

	// ErrBusUnavailable is returned when the bus cannot be reached within the
	// configured wait.
	ErrBusUnavailable = errors.New("backplane: bus unavailable")

	// ErrRPCTimeout marks a group command that got no acknowledgement. It is
	// logged, never returned to callers.
	ErrRPCTimeout = errors.New("backplane: group command timed out")

	// ErrDecode is returned when a bus payload cannot be decoded.
	ErrDecode = errors.New("backplane: decode failed")

	// ErrDisposed is returned by every operation after Close.
	ErrDisposed = errors.New("backplane: hub closed")

	// ErrInvalidArgument is returned for empty ids, names or methods.
	ErrInvalidArgument = errors.New("backplane: invalid argument")
)

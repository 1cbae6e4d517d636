package protocol

import "github.com/pkg/errors"

// Errors of the data-distribution layer. Call sites attach context using
// errors.WithMessage and friends; callers compare errors.Cause(err) against
// these values (or use the standard library's errors.Is).
var (
	// ErrUnknownType is returned when a type name was never registered.
	ErrUnknownType = errors.New("unknown type")
	// ErrNotFound is returned for an unknown instance key.
	ErrNotFound = errors.New("not found")
	// ErrInvalidHandle is returned for an instance handle unknown to the callee.
	ErrInvalidHandle = errors.New("invalid instance handle")
	// ErrIncompatibleType is returned when a session handshake or topic
	// definition pairs mismatched type names or versions.
	ErrIncompatibleType = errors.New("incompatible type")
	// ErrNoData is returned by read and take calls which have nothing to return.
	ErrNoData = errors.New("no data")
	// ErrTransportTimeout is recorded when a frame exceeds its retransmission
	// bound, and the session is DEGRADED.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrSessionClosed is returned by operations on a CLOSED session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull is returned to writers when a reader's queue is full and
	// its overflow policy rejects the newest sample.
	ErrQueueFull = errors.New("sample queue full")
	// ErrNotMatched is returned by a write which no matched reader is able to
	// receive, so that the sample is surfaced as unreachable rather than
	// silently dropped.
	ErrNotMatched = errors.New("no matched readers reachable")
	// ErrPreconditionNotMet is returned by an operation upon an instance in a
	// state that does not permit it (eg, unregistering a writer which never
	// registered the instance).
	ErrPreconditionNotMet = errors.New("precondition not met")
	// ErrUnauthenticated is returned when a session handshake token fails
	// verification.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrDesyncDetected is returned upon detection of an invalid frame header.
	ErrDesyncDetected = errors.New("detected de-synchronization")
)

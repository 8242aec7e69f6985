package moonbot

import "errors"

// Error kinds shared across the transport and ingestion subsystem. Local
// conditions (bad HMAC, bad gzip, truncated datagrams) are counted and
// dropped where they occur; only the kinds below cross package boundaries.
var (
	// ErrAuthFailure marks a frame whose HMAC prefix does not match the
	// peer's password.
	ErrAuthFailure = errors.New("moonbot: frame authentication failed")

	// ErrDecodeFailure marks an undecodable payload (bad gzip or bad JSON
	// where an object was required).
	ErrDecodeFailure = errors.New("moonbot: payload decode failed")

	// ErrOverload is returned when a bounded queue refuses new work. The
	// submission is dropped, never queued late.
	ErrOverload = errors.New("moonbot: queue at capacity")

	// ErrPeerUnreachable wraps send errors and response timeouts talking to
	// a bot.
	ErrPeerUnreachable = errors.New("moonbot: peer unreachable")

	// ErrPersistFailure marks a batch flush that failed after its retry and
	// went to the dead-letter log.
	ErrPersistFailure = errors.New("moonbot: persistence failed")

	// ErrLifecycleConflict is returned for start-while-running and
	// stop-while-stopped listener transitions. Surfaced to HTTP callers as a
	// business error, not a fault.
	ErrLifecycleConflict = errors.New("moonbot: listener lifecycle conflict")

	// ErrCommandTooLong rejects outbound commands that would not fit a single
	// UDP datagram once framed.
	ErrCommandTooLong = errors.New("moonbot: command exceeds datagram limit")
)

package session

import "errors"

// Classified failure kinds surfaced to collaborators. Raw socket and parse
// errors never escape this package; callers branch with errors.Is.
var (
	// ErrNetwork covers connect, socket, and read/write timeout failures.
	ErrNetwork = errors.New("session: network failure")
	// ErrAuth means the storefront rejected the ticket. Callers should
	// obtain fresh credentials rather than retry.
	ErrAuth = errors.New("session: authentication rejected")
	// ErrChannel means the requested service channel was refused.
	ErrChannel = errors.New("session: service channel refused")
	// ErrProtocol means no matching answer arrived within the drain bound.
	ErrProtocol = errors.New("session: no matching answer from service")
	// ErrDecode means malformed or truncated wire data; the stream is never
	// resynchronized after it.
	ErrDecode = errors.New("session: malformed wire data")
)

package gridnet

import "errors"

var (
	// ErrProtocol is returned for malformed frames, unknown types or
	// channels, and duplicate request IDs. It is fatal at connection scope.
	ErrProtocol = errors.New("protocol error")
	// ErrChannelClosed is observed on sends and pending requests when the
	// channel leaves the open state.
	ErrChannelClosed = errors.New("channel closed")
	// ErrConnectionClosed is the connection-scope equivalent of
	// ErrChannelClosed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout is returned when a request or ping deadline is exceeded.
	// The core never re-issues a timed-out request.
	ErrTimeout = errors.New("timeout")
	// ErrAuthFailed is returned when the peer rejects the identity token
	// during the open handshake.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnsupported is returned for operations not valid on a given
	// implementation, such as Truncate on the local cache.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrNotReady is returned when the service is not yet accepting clients.
	ErrNotReady = errors.New("service not accepting clients")
	// ErrServiceStartFailed wraps the recorded cause of a failed start.
	ErrServiceStartFailed = errors.New("service start failed")
	// ErrInvalidConfig is returned when the provided options result in an
	// invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

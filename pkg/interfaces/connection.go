package interfaces

// Connection is one live transport connection of a user (one per device/tab).
type Connection interface {
	// Send delivers one event to the client. It must be safe for concurrent
	// use and must not block on network I/O for longer than the transport's
	// write timeout.
	Send(event string, payload interface{}) error

	// Close closes the connection and releases its resources.
	Close() error
}

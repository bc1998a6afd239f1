package types

import "errors"

// Error taxonomy shared by every component of the core.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrStorageFailure      = errors.New("storage failure")
)

// Validation errors.
var (
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidThreadID = errors.New("invalid thread ID")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLarge    = errors.New("message body exceeds 4096 bytes")
	ErrSelfMessage     = errors.New("sender and recipient must be different users")
)

// ErrorCode maps an error of the taxonomy to a stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrDuplicateConnection):
		return "duplicate_connection"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, ErrInvalidThreadID):
		return "invalid_thread"
	default:
		return "internal"
	}
}

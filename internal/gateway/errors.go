package gateway

import (
	"errors"

	"chathub/internal/dispatch"
	"chathub/pkg/types"
)

var (
	ErrUnauthenticated   = types.ErrUnauthenticated
	ErrUnknownConnection = types.ErrUnknownConnection

	ErrForbiddenThread = errors.New("not a participant of this thread")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrUnknownFrame    = errors.New("unknown frame")
	ErrGatewayClosed   = errors.New("gateway is shutting down")
)

// errorCode extends types.ErrorCode with the gateway's own errors.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenThread):
		return "forbidden_thread"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, ErrUnknownFrame):
		return "unknown_frame"
	case errors.Is(err, dispatch.ErrRateLimited):
		return "rate_limited"
	default:
		return types.ErrorCode(err)
	}
}

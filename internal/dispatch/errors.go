package dispatch

import (
	"errors"

	"chathub/pkg/types"
)

var (
	ErrInvalidMessage = types.ErrInvalidMessage
	ErrStorageFailure = types.ErrStorageFailure

	ErrRateLimited = errors.New("rate limit exceeded")
)

package membership

import (
	"errors"

	"chathub/pkg/types"
)

var (
	// ErrUnknownConnection is returned for handles the registry does not know.
	ErrUnknownConnection = types.ErrUnknownConnection

	ErrInvalidThread = errors.New("thread ID cannot be empty")
)

package registry

import (
	"errors"

	"chathub/pkg/types"
)

var (
	// ErrDuplicateConnection is returned when a handle ID is registered twice.
	ErrDuplicateConnection = types.ErrDuplicateConnection

	ErrInvalidHandle = errors.New("handle must have an ID, a user ID and a connection")
)

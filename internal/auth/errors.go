package auth

import (
	"errors"

	"chathub/pkg/types"
)

var (
	ErrUnauthenticated = types.ErrUnauthenticated

	ErrMissingSecret     = errors.New("signing secret is required")
	ErrUnsupportedMethod = errors.New("unsupported signing method")
)

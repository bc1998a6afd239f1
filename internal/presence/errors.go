package presence

import "errors"

var (
	ErrTrackerAlreadyRunning = errors.New("presence tracker is already running")
	ErrTrackerNotRunning     = errors.New("presence tracker is not running")
	ErrNilHandle             = errors.New("handle cannot be nil")
)

package worker

import (
	"fmt"

	"github.com/SmartCGMS/core-sub005/errors"
)

// Sentinel errors for pool operations. Each wraps the matching lifecycle
// sentinel so callers can test with errors.Is against either.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStopped)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool queue full: %w", errors.ErrResourceExhausted)
	ErrNilProcessor       = fmt.Errorf("worker pool: nil processor: %w", errors.ErrInvalidArgument)
	ErrStopTimeout        = fmt.Errorf("worker pool: %w", errors.ErrStopTimeout)
)

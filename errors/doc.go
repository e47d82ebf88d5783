// Package errors provides standardized error handling for the filter pipeline.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, non-retryable) and Fatal (unrecoverable, stop processing). The
// pipeline driver uses the class to decide whether a failing stage should take
// the whole chain down.
//
// # Transport Sentinels
//
// Pipes never panic on misuse. They return:
//
//   - ErrInvalidArgument: Send was called with a nil event
//   - ErrPipeClosed: the shutdown event already passed in that direction
//   - ErrPipeAborted: Abort() forced the pipe down
//
// ErrPipeClosed and ErrPipeAborted play the role io.EOF plays for readers.
// A filter loop checks them with IsEndOfStream and returns nil:
//
//	for {
//	    e, err := in.Receive()
//	    if errors.IsEndOfStream(err) {
//	        return nil
//	    }
//	    ...
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrappers set the class while wrapping:
//
//	errors.WrapTransient(err, "Egress", "dial", "connect to peer")
//	errors.WrapInvalid(err, "Registry", "Create", "filter lookup")
//	errors.WrapFatal(err, "Driver", "Start", "stage run")
//
// The generic Wrap() keeps the class of the wrapped error.
//
// # Retry Configuration
//
// RetryConfig computes exponential backoff and converts to pkg/retry's
// Config through ToRetryConfig for use with retry.Do.
package errors

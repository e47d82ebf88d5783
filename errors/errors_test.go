package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsEndOfStream(t *testing.T) {
	assert.True(t, IsEndOfStream(ErrPipeClosed))
	assert.True(t, IsEndOfStream(ErrPipeAborted))
	assert.True(t, IsEndOfStream(Wrap(ErrPipeAborted, "Async", "Receive", "wait for event")))
	assert.False(t, IsEndOfStream(ErrInvalidArgument))
	assert.False(t, IsEndOfStream(nil))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"fatal error", ErrResourceExhausted, false},
		{"refused in message", fmt.Errorf("dial tcp: connection refused"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"data corrupted", ErrDataCorrupted, true},
		{"filter failed", ErrFilterFailed, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"invalid data", ErrInvalidData, false},
		{"panic in message", fmt.Errorf("panic: stage crashed"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid argument", ErrInvalidArgument, true},
		{"filter not found", ErrFilterNotFound, true},
		{"payload released", ErrPayloadReleased, true},
		{"parsing failed", ErrParsingFailed, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err), "error: %v", test.err)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionTimeout))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidArgument))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "Egress", "dial", "custom message")

	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Egress", ce.Component)
	assert.Equal(t, "dial", ce.Operation)
	assert.Equal(t, "custom message", ce.Error())
	assert.True(t, errors.Is(ce, baseErr))

	bare := newClassified(ErrorTransient, baseErr, "Egress", "dial", "")
	assert.Equal(t, "base error", bare.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Sync", "Send", "execute"))

	err := Wrap(fmt.Errorf("original error"), "Sync", "Send", "execute masking")
	require.Error(t, err)
	assert.Equal(t, "Sync.Send: execute masking failed: original error", err.Error())
}

func TestWrapClassified(t *testing.T) {
	baseErr := fmt.Errorf("original error")

	tests := []struct {
		name     string
		wrapFunc func(error, string, string, string) error
		class    ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.wrapFunc(baseErr, "component", "method", "action")

			var ce *ClassifiedError
			require.True(t, errors.As(result, &ce))
			assert.Equal(t, test.class, ce.Class)
			assert.True(t, strings.Contains(ce.Error(), "component.method: action failed"))
			assert.Nil(t, test.wrapFunc(nil, "component", "method", "action"))
		})
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	config := DefaultRetryConfig()

	assert.False(t, config.ShouldRetry(nil, 0))
	assert.False(t, config.ShouldRetry(ErrConnectionTimeout, 3))
	assert.True(t, config.ShouldRetry(ErrConnectionTimeout, 1))
	assert.False(t, config.ShouldRetry(ErrInvalidConfig, 1))

	config.RetryableErrors = []error{ErrConnectionTimeout}
	assert.True(t, config.ShouldRetry(ErrConnectionTimeout, 1))
	assert.False(t, config.ShouldRetry(ErrConnectionLost, 1))
}

func TestRetryConfig_BackoffDelay(t *testing.T) {
	config := RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second,
		1 * time.Second,
	}

	for attempt, want := range expected {
		assert.Equal(t, want, config.BackoffDelay(attempt), "attempt %d", attempt)
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    5,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 1.5,
	}.ToRetryConfig()

	assert.Equal(t, 6, rc.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 10*time.Second, rc.MaxDelay)
	assert.Equal(t, 1.5, rc.Multiplier)
	assert.True(t, rc.AddJitter)
}

package filter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
)

// ErrorList collects human-readable configuration messages. It is the side
// channel through which Run reports why it refused to start.
type ErrorList struct {
	mu   sync.Mutex
	msgs []string
}

// Add records one message.
func (l *ErrorList) Add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, args...))
}

// Messages returns a copy of the recorded messages.
func (l *ErrorList) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

// Len returns the number of recorded messages.
func (l *ErrorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Err returns nil when the list is empty, otherwise an invalid-config error
// carrying every message.
func (l *ErrorList) Err() error {
	msgs := l.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Configuration is the parameter map of one stage with typed accessors.
// Accessors never fail: a missing key yields the default, a malformed one
// yields the default and records a message in the error list.
type Configuration struct {
	values map[string]any
	errs   *ErrorList
}

// NewConfiguration wraps values. A nil errs gets a fresh list.
func NewConfiguration(values map[string]any, errs *ErrorList) Configuration {
	if errs == nil {
		errs = &ErrorList{}
	}
	if values == nil {
		values = map[string]any{}
	}
	return Configuration{values: values, errs: errs}
}

// Errors returns the side-channel message list.
func (c Configuration) Errors() *ErrorList {
	return c.errs
}

// Err is shorthand for c.Errors().Err().
func (c Configuration) Err() error {
	return c.errs.Err()
}

// Has reports whether key is present.
func (c Configuration) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the parameter names in sorted order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Require records a message for each missing key and reports whether all
// were present.
func (c Configuration) Require(keys ...string) bool {
	ok := true
	for _, k := range keys {
		if !c.Has(k) {
			c.errs.Add("missing required parameter %q", k)
			ok = false
		}
	}
	return ok
}

func (c Configuration) invalid(key string, v any, want string) {
	c.errs.Add("parameter %q: expected %s, got %v (%T)", key, want, v, v)
}

// String returns a string parameter.
func (c Configuration) String(key, def string) string {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		c.invalid(key, v, "string")
		return def
	}
	return s
}

// Float returns a numeric parameter. Strings holding a number are accepted.
func (c Configuration) Float(key string, def float64) float64 {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		c.invalid(key, v, "number")
		return def
	}
	return f
}

// Int returns an integer parameter. Whole floats are accepted.
func (c Configuration) Int(key string, def int) int {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		c.invalid(key, v, "integer")
		return def
	}
	return int(f)
}

// Bool returns a boolean parameter. "true"/"false" strings are accepted.
func (c Configuration) Bool(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	c.invalid(key, v, "boolean")
	return def
}

// GUID returns an identifier parameter given either as GUID text or as a
// well-known signal name.
func (c Configuration) GUID(key string, def uuid.UUID) uuid.UUID {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		c.invalid(key, v, "GUID or signal name")
		return def
	}
	id, err := event.ParseSignal(s)
	if err != nil {
		c.invalid(key, v, "GUID or signal name")
		return def
	}
	return id
}

// Duration returns a duration given as Go duration text ("5m") or as a
// number of seconds.
func (c Configuration) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	} else if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	c.invalid(key, v, "duration")
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

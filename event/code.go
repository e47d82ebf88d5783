package event

import (
	"fmt"
	"strings"
)

// Code selects which fields of an Event are meaningful.
type Code uint8

const (
	// Nothing is the zero value and never travels through a pipe.
	Nothing Code = iota
	Level
	Information
	Warning
	Error
	Parameters
	ParametersHint
	TimeSegmentStart
	TimeSegmentStop
	ShutDown
)

var codeNames = [...]string{
	Nothing:          "Nothing",
	Level:            "Level",
	Information:      "Information",
	Warning:          "Warning",
	Error:            "Error",
	Parameters:       "Parameters",
	ParametersHint:   "ParametersHint",
	TimeSegmentStart: "TimeSegmentStart",
	TimeSegmentStop:  "TimeSegmentStop",
	ShutDown:         "ShutDown",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Valid reports whether c is one of the defined codes other than Nothing.
func (c Code) Valid() bool {
	return c > Nothing && c <= ShutDown
}

// IsLevel reports whether events of this code carry a Level.
func (c Code) IsLevel() bool {
	return c == Level
}

// IsInfo reports whether events of this code carry a text payload.
func (c Code) IsInfo() bool {
	return c == Information || c == Warning || c == Error
}

// IsParameters reports whether events of this code carry a parameter vector.
func (c Code) IsParameters() bool {
	return c == Parameters || c == ParametersHint
}

// ParseCode resolves a code by name, ignoring case.
func ParseCode(s string) (Code, error) {
	for i, name := range codeNames {
		if i != int(Nothing) && strings.EqualFold(name, s) {
			return Code(i), nil
		}
	}
	return Nothing, fmt.Errorf("unknown event code %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Code) UnmarshalText(text []byte) error {
	parsed, err := ParseCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

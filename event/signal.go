package event

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known signal identifiers.
var (
	// SignalNull marks an event for silent discard by the next filter that
	// honours it.
	SignalNull = uuid.MustParse("706e7fdb-8f22-486f-bfa5-6a56d3514209")

	// SignalAll is a filter-level wildcard. Events never carry it and the
	// transport never interprets it.
	SignalAll = uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	SignalIG                        = uuid.MustParse("3034568d-f498-455b-ac6a-bcf301f69c9e")
	SignalBG                        = uuid.MustParse("f666f6c2-d7c0-43e8-8ee1-c8caa8f860e5")
	SignalRequestedInsulinBasalRate = uuid.MustParse("b5897bbd-1e32-408a-a0d5-c5bfecf447d9")
	SignalRequestedInsulinBolus     = uuid.MustParse("09b16b4a-54c2-4406-a46d-7a16dc3cd5c9")
	SignalCarbohydrates             = uuid.MustParse("37aa6ac1-6984-4a06-92cc-a660110d0dc7")
)

var signalNames = map[string]uuid.UUID{
	"null":                 SignalNull,
	"all":                  SignalAll,
	"ig":                   SignalIG,
	"bg":                   SignalBG,
	"requested_basal_rate": SignalRequestedInsulinBasalRate,
	"requested_bolus":      SignalRequestedInsulinBolus,
	"carbohydrates":        SignalCarbohydrates,
}

// ParseSignal accepts either a well-known signal name (case-insensitive) or
// a GUID in any form uuid.Parse understands.
func ParseSignal(s string) (uuid.UUID, error) {
	if id, ok := signalNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return id, nil
	}
	return uuid.Parse(s)
}

// SignalName returns the well-known name of id, or its GUID text.
func SignalName(id uuid.UUID) string {
	for name, known := range signalNames {
		if known == id {
			return name
		}
	}
	return id.String()
}

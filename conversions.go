package main

import (
	"errors"
	"fmt"
)

var ErrInvalidEncoding = errors.New("invalid encoding")

func rawAuxToString(aux bool) string {
	if aux {
		return "ON"
	}
	return "OFF"
}

func stringAuxToRaw(aux string) (bool, error) {
	switch aux {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("aux %q: %w", aux, ErrInvalidEncoding)
	}
}

// rawModeToString panics on a mode that did not come from stringModeToRaw or
// a state transition; those are the only producers of Mode values.
func rawModeToString(mode Mode) string {
	switch mode {
	case ModeOff:
		return "off"
	case ModeFanOnly:
		return "fan_only"
	case ModeHeat:
		return "heat"
	default:
		panic(fmt.Sprintf("mode %d out of range", int(mode)))
	}
}

func stringModeToRaw(mode string) (Mode, error) {
	switch mode {
	case "off":
		return ModeOff, nil
	case "fan_only":
		return ModeFanOnly, nil
	case "heat":
		return ModeHeat, nil
	default:
		return ModeOff, fmt.Errorf("mode %q: %w", mode, ErrInvalidEncoding)
	}
}

func rawCodeToString(code HvacCode) string {
	switch code {
	case CodeOff:
		return "off"
	case CodeFanOnly:
		return "fan_only"
	case CodeHeat:
		return "heat"
	case CodeHeatAux:
		return "heat_aux"
	default:
		return "unknown"
	}
}

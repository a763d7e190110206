package main

import "fmt"

// HvacCode is the single value the controller understands. It folds the
// mode and the auxiliary heat flag together.
type HvacCode int

const (
	CodeOff HvacCode = iota
	CodeFanOnly
	CodeHeat
	CodeHeatAux
)

// queryCode asks the controller for a status record instead of setting a mode.
const queryCode = 10

type Mode int

const (
	ModeOff Mode = iota
	ModeFanOnly
	ModeHeat
)

// deriveCode folds a mode and aux flag into a hardware code. Aux only has
// meaning in heat mode.
func deriveCode(mode Mode, aux bool) HvacCode {
	if mode == ModeHeat {
		if aux {
			return CodeHeatAux
		}
		return CodeHeat
	}
	return HvacCode(mode)
}

// HvacState is the bridge's view of the controller. Values are never
// mutated in place; every transition returns a new HvacState.
//
// RawAux and RawMode hold the last requested values even when Code cannot
// express them (aux while the unit is off or fan only).
type HvacState struct {
	Code    HvacCode
	RawAux  bool
	RawMode Mode
	Status  string
}

func newHvacState() HvacState {
	return HvacState{Code: CodeOff, Status: "Offline"}
}

func (s HvacState) EffectiveAux() bool {
	switch s.Code {
	case CodeHeatAux:
		return true
	case CodeHeat:
		return false
	default:
		return s.RawAux
	}
}

func (s HvacState) EffectiveMode() Mode {
	if s.Code == CodeHeatAux {
		return ModeHeat
	}
	return s.RawMode
}

// WithAux records the aux request and re-derives the code from the current
// mode. Outside heat mode the code is left alone.
func (s HvacState) WithAux(aux bool) HvacState {
	switch {
	case aux && s.Code == CodeHeat:
		s.Code = CodeHeatAux
	case !aux && s.Code == CodeHeatAux:
		s.Code = CodeHeat
	}
	s.RawAux = aux
	return s
}

// WithMode records the mode request and re-derives the code from the
// current effective aux.
func (s HvacState) WithMode(mode Mode) HvacState {
	aux := s.EffectiveAux()
	s.Code = deriveCode(mode, aux)
	s.RawMode = mode
	if s.Code == CodeHeatAux {
		s.RawAux = true
	}
	return s
}

// ApplyHardwareCode folds a code read from the controller back into mode
// and aux. For the heat codes aux must be settled before the mode, or
// WithMode would derive the code from a stale aux.
func (s HvacState) ApplyHardwareCode(code HvacCode) (HvacState, error) {
	switch code {
	case CodeHeatAux:
		return s.WithAux(true).WithMode(ModeHeat), nil
	case CodeHeat:
		return s.WithAux(false).WithMode(ModeHeat), nil
	case CodeOff, CodeFanOnly:
		return s.WithMode(Mode(code)), nil
	default:
		return s, fmt.Errorf("hardware code %d: %w", int(code), ErrInvalidEncoding)
	}
}

func (s HvacState) String() string {
	return fmt.Sprintf("code=%d mode=%s aux=%s status=%q", int(s.Code),
		rawModeToString(s.EffectiveMode()), rawAuxToString(s.EffectiveAux()), s.Status)
}

package session

import (
	"fmt"

	"github.com/itohio/gostim/pkg/fsm"
)

// State is the session engine state.
type State int

// Session states. Stopped is initial and terminal; Error is terminal until Reset.
const (
	Stopped State = iota
	Calibrating
	Building
	BackingOff
	Holding
	Forcing
	CoolingDown
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Calibrating:
		return "Calibrating"
	case Building:
		return "Building"
	case BackingOff:
		return "BackingOff"
	case Holding:
		return "Holding"
	case Forcing:
		return "Forcing"
	case CoolingDown:
		return "CoolingDown"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Running reports whether s produces output.
func (s State) Running() bool {
	switch s {
	case Building, BackingOff, Holding, Forcing, CoolingDown:
		return true
	}
	return false
}

var transitions = fsm.Table[State]{
	Stopped:     {Calibrating},
	Calibrating: {Building, Holding, Forcing, Stopped, Error},
	Building:    {BackingOff, Holding, CoolingDown, Stopped, Error},
	BackingOff:  {Holding, CoolingDown, Stopped, Error},
	Holding:     {Building, Forcing, CoolingDown, Stopped, Error},
	Forcing:     {Holding, CoolingDown, Stopped, Error},
	CoolingDown: {Stopped, Error},
	Error:       {Stopped},
}

// Mode selects the session algorithm.
type Mode string

// Session modes.
const (
	Manual     Mode = "manual"      // Free pattern playback
	Adaptive   Mode = "adaptive"    // Threshold cycling
	Forced     Mode = "forced"      // Forced continuation through peak
	MultiCycle Mode = "multi_cycle" // Pattern cycles with recovery
	Marathon   Mode = "marathon"    // Looping cycles until stopped
)

// Modes lists every mode.
var Modes = []Mode{Manual, Adaptive, Forced, MultiCycle, Marathon}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown session mode %q", s)
}

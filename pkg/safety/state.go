package safety

import (
	"fmt"
	"time"

	"github.com/itohio/gostim/pkg/fsm"
)

// State is the seal integrity classification. Higher values are worse.
type State int

// Safety states.
const (
	Attached State = iota
	Warning
	Risk
	Detached
	SystemError
)

func (s State) String() string {
	switch s {
	case Attached:
		return "Attached"
	case Warning:
		return "Warning"
	case Risk:
		return "Risk"
	case Detached:
		return "Detached"
	case SystemError:
		return "SystemError"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worse reports whether s is a worse classification than o.
func (s State) Worse(o State) bool { return s > o }

// Seal states may move freely between each other and into SystemError.
// SystemError is left only through ResetSystemError.
var transitions = func() fsm.Table[State] {
	seal := []State{Attached, Warning, Risk, Detached}
	t := fsm.Table[State]{SystemError: nil}
	for _, from := range seal {
		for _, to := range append(seal, SystemError) {
			if to != from {
				t[from] = append(t[from], to)
			}
		}
	}
	return t
}()

// Monitoring is the run state of the monitor loop.
type Monitoring int

// Monitoring states.
const (
	Idle Monitoring = iota
	Active
	Paused
)

func (m Monitoring) String() string {
	switch m {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("Monitoring(%d)", int(m))
	}
}

// MarshalText renders the monitoring state name.
func (m Monitoring) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Status is an immutable snapshot of the monitor.
type Status struct {
	State               State      `json:"state"`
	Monitoring          Monitoring `json:"monitoring"`
	SealPressure        float64    `json:"seal_pressure"`
	CorrectionActive    bool       `json:"correction_active"`
	CorrectionTarget    float64    `json:"correction_target"`
	HighRisk            bool       `json:"high_risk"`
	SelfTestPassed      bool       `json:"self_test_passed"`
	ConsecutiveErrors   int        `json:"consecutive_errors"`
	ElectricalPermitted bool       `json:"electrical_permitted"`
	Since               time.Time  `json:"since"`
}

// Halted reports whether the session must stop all output.
func (s Status) Halted() bool {
	return s.State == Detached || s.State == SystemError
}

// Correction is the actuator override issued while the seal is compromised.
// It replaces the session command for every tick it is active.
type Correction struct {
	Active          bool      `json:"active"`
	TargetIntensity float64   `json:"target_intensity"`
	BaseIntensity   float64   `json:"base_intensity"`
	Step            int       `json:"step"`
	Reason          string    `json:"reason"`
	Started         time.Time `json:"started"`
	Deadline        time.Time `json:"deadline"`
}

// StateChange is the payload of SafetyStateChanged and SafetyWarning events.
type StateChange struct {
	From     State   `json:"from"`
	To       State   `json:"to"`
	Pressure float64 `json:"pressure"`
}

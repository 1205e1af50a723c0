// Package events carries subsystem notifications (level changes, safety
// transitions, session milestones) to logging, metrics and telemetry
// collaborators without blocking the control loops.
package events

import (
	"time"
)

// Kind names an event.
type Kind string

// Estimator events.
const (
	StateLevelChanged  Kind = "stateLevelChanged"
	ZoneChanged        Kind = "zoneChanged"
	SignalLost         Kind = "signalLost"
	BaselineCalibrated Kind = "baselineCalibrated"
)

// Safety events.
const (
	SafetyStateChanged Kind = "safetyStateChanged"
	SafetyWarning      Kind = "safetyWarning"
	CorrectionApplied  Kind = "correctionApplied"
	CorrectionResolved Kind = "correctionResolved"
	CorrectionTimeout  Kind = "correctionTimeout"
	SystemError        Kind = "systemError"
	SystemErrorReset   Kind = "systemErrorReset"
	SelfTestCompleted  Kind = "selfTestCompleted"
	MonitoringChanged  Kind = "monitoringChanged"
)

// Session events.
const (
	SessionStarted      Kind = "sessionStarted"
	SessionStateChanged Kind = "sessionStateChanged"
	PhaseChanged        Kind = "phaseChanged"
	EdgeDetected        Kind = "edgeDetected"
	PeakDetected        Kind = "peakDetected"
	AntiEscapeEngaged   Kind = "antiEscapeEngaged"
	SessionStopped      Kind = "sessionStopped"
	SessionCompleted    Kind = "sessionCompleted"
)

// Coordinator events.
const (
	EmergencyStopActivated Kind = "emergencyStopActivated"
	EmergencyStopCleared   Kind = "emergencyStopCleared"
	HardwareFault          Kind = "hardwareFault"
)

// Event is an immutable notification. Payload is a value type owned by the
// producing package (for example a safety status snapshot).
type Event struct {
	Kind    Kind      `json:"kind"`
	Source  string    `json:"source"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

// Handler consumes events delivered by a Bus.
type Handler func(Event)

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

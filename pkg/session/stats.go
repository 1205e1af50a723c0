package session

import "time"

// Stats summarizes a finished session. It is the payload of SessionCompleted
// and is handed to the external progress tracker.
type Stats struct {
	SessionID    string        `json:"session_id"`
	Mode         Mode          `json:"mode"`
	Started      time.Time     `json:"started"`
	Ended        time.Time     `json:"ended"`
	Duration     time.Duration `json:"duration"`
	Cycles       int           `json:"cycles"`
	Edges        int           `json:"edges"`
	Peaks        int           `json:"peaks"`
	MaxLevel     float64       `json:"max_level"`
	MaxIntensity float64       `json:"max_intensity"`
	Reason       string        `json:"reason"`
	Final        State         `json:"final_state"`
}

// Stop reasons.
const (
	ReasonStopped           = "stopped"
	ReasonEmergencyStop     = "emergency stop"
	ReasonMaxDuration       = "max duration"
	ReasonTargetCycles      = "target cycles reached"
	ReasonTargetPeaks       = "target peaks reached"
	ReasonPlanComplete      = "plan complete"
	ReasonSafety            = "safety halt"
	ReasonHardwareFault     = "hardware fault"
	ReasonCalibrationFailed = "calibration failed"
	ReasonInvalidPhase      = "invalid phase"
)

// Package fault defines the error taxonomy shared by the control subsystems.
// Callers wrap these sentinels with context using fmt.Errorf("...: %w") and
// test for them with errors.Is.
package fault

import "errors"

var (
	// ErrSensorInvalid is a transient bad reading (NaN, Inf or out of range).
	// The last good value is held and the condition escalates after N repeats.
	ErrSensorInvalid = errors.New("sensor reading invalid")

	// ErrSignalLost is fatal to the estimator and forces the safety monitor
	// into SystemError.
	ErrSignalLost = errors.New("physiological signal lost")

	// ErrHardwareFault is reported by the hardware boundary when a peripheral
	// is unreachable. It forces the session into Error plus a safe shutdown.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrConfigurationInvalid is returned synchronously when configuration is
	// rejected. No state is changed.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrSafetyThresholdBreach is raised when a seal correction stays active
	// past its maximum duration.
	ErrSafetyThresholdBreach = errors.New("safety threshold breach")

	// ErrCalibrationFailed is returned when too few samples were collected
	// during baseline calibration.
	ErrCalibrationFailed = errors.New("calibration failed")

	// ErrSelfTestRequired is returned when a reset is attempted without a
	// passing self-test.
	ErrSelfTestRequired = errors.New("self-test required")

	// ErrInvalidTransition is returned by state machines for transitions not
	// in their table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotRunning is returned when an operation needs an active session.
	ErrNotRunning = errors.New("not running")

	// ErrEmergencyStop is returned while the emergency stop is latched.
	ErrEmergencyStop = errors.New("emergency stop active")
)

// Package hal is the hardware abstraction the control core depends on: seal
// and secondary pressure sensors, auxiliary physiological sensors, the
// vacuum actuator, valves, electrical output and the emergency vent.
package hal

import (
	"fmt"
	"math"
	"time"

	"github.com/itohio/gostim/pkg/fault"
)

// Hardware is the contract consumed by the control core (real or mocked).
// Every method fails with an error wrapping fault.ErrHardwareFault when the
// underlying peripheral is unreachable.
type Hardware interface {
	Connect() error
	Close() error
	IsConnected() bool

	ReadPrimarySealPressure() (float64, error)
	ReadSecondaryPressure() (float64, error)
	ReadAuxSensors() (AuxReadings, error)

	WriteActuatorIntensity(percent float64) error
	WriteValveStates(v Valves) error
	WriteElectricalOutput(frequencyHz, percent float64) error
	EmergencyVent() error
}

// Ensure implementations satisfy Hardware.
var (
	_ Hardware = (*Serial)(nil)
	_ Hardware = (*Mock)(nil)
)

// AuxReadings holds the optional physiological channels. Nil means the
// channel is not fitted or produced no reading.
type AuxReadings struct {
	HeartRate *float64 `json:"heart_rate,omitempty"` // BPM
	FluidFlow *float64 `json:"fluid_flow,omitempty"`
	Motion    *float64 `json:"motion,omitempty"`
}

// SensorSample is one instantaneous set of readings.
type SensorSample struct {
	Timestamp         time.Time `json:"timestamp"`
	SealPressure      float64   `json:"seal_pressure"`      // mmHg of vacuum
	SecondaryPressure float64   `json:"secondary_pressure"` // mmHg
	AuxReadings
}

// Valves are the pneumatic valve states.
type Valves struct {
	Intake  bool `json:"intake"`
	Release bool `json:"release"`
	Aux     bool `json:"aux"`
}

// Command is a complete set of actuator values for one tick.
type Command struct {
	Intensity        float64 `json:"intensity"`  // Vacuum actuator, %
	Frequency        float64 `json:"frequency"`  // Electrical output, Hz
	Electrical       float64 `json:"electrical"` // Electrical output amplitude, %
	Valves           Valves  `json:"valves"`
	HeightenedSafety bool    `json:"heightened_safety"`
}

// Zero is the safe command: no vacuum, no electrical output, release open.
func Zero() Command {
	return Command{Valves: Valves{Release: true}}
}

// Clamp limits every output of c to [0, max].
func (c Command) Clamp(maxIntensity, maxFrequency, maxElectrical float64) Command {
	c.Intensity = clamp(c.Intensity, 0, maxIntensity)
	c.Frequency = clamp(c.Frequency, 0, maxFrequency)
	c.Electrical = clamp(c.Electrical, 0, maxElectrical)
	return c
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// ReadSample reads every sensor into a SensorSample stamped with now.
func ReadSample(h Hardware, now time.Time) (SensorSample, error) {
	seal, err := h.ReadPrimarySealPressure()
	if err != nil {
		return SensorSample{}, err
	}

	secondary, err := h.ReadSecondaryPressure()
	if err != nil {
		return SensorSample{}, err
	}

	aux, err := h.ReadAuxSensors()
	if err != nil {
		return SensorSample{}, err
	}

	return SensorSample{
		Timestamp:         now,
		SealPressure:      seal,
		SecondaryPressure: secondary,
		AuxReadings:       aux,
	}, nil
}

// Apply writes cmd to h: intensity, valves, then electrical output.
func Apply(h Hardware, cmd Command) error {
	if err := h.WriteActuatorIntensity(cmd.Intensity); err != nil {
		return err
	}
	if err := h.WriteValveStates(cmd.Valves); err != nil {
		return err
	}
	return h.WriteElectricalOutput(cmd.Frequency, cmd.Electrical)
}

// Shutdown brings h to the safe state: zero intensity, electrical off, vent.
// It attempts every step and returns the first error.
func Shutdown(h Hardware) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(h.WriteActuatorIntensity(0))
	keep(h.WriteElectricalOutput(0, 0))
	keep(h.EmergencyVent())

	return first
}

func hardwareFault(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, fault.ErrHardwareFault)
	}
	return fmt.Errorf("%s: %w: %w", op, fault.ErrHardwareFault, err)
}

// Float returns a pointer to v, for building AuxReadings.
func Float(v float64) *float64 {
	return &v
}

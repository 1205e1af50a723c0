package hal

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
)

// Mock simulates the device for testing and development. The simulation is
// advanced lazily on every read using the elapsed clock time.
type Mock struct {
	cfg   config.MockConfig
	clock clock.Clock

	mu        sync.RWMutex
	connected bool
	fault     error

	// Commanded outputs
	intensity  float64
	valves     Valves
	frequency  float64
	electrical float64
	vented     bool
	writes     int
	vents      int

	// Simulation state
	last      time.Time
	started   time.Time
	seal      float64
	arousal   float64
	leak      float64
	secondary float64
	heartRate float64

	// Overrides for tests
	sealOverride      *float64
	secondaryOverride *float64
	auxOverride       *AuxReadings
}

// NewMock creates a mocked device. A nil cfg uses the defaults.
func NewMock(cfg *config.MockConfig, clk clock.Clock) *Mock {
	if cfg == nil {
		def := config.Default().Hardware.Mock
		cfg = &def
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Mock{
		cfg:   *cfg,
		clock: clk,
		seal:  cfg.SealPressure,
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	now := m.clock.Now()
	m.connected = true
	m.started = now
	m.last = now
	m.seal = m.cfg.SealPressure
	m.secondary = m.cfg.SecondaryBaseline
	m.heartRate = 65
	m.arousal = 0
	m.vented = false

	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ReadPrimarySealPressure returns the simulated seal vacuum.
func (m *Mock) ReadPrimarySealPressure() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("read seal pressure"); err != nil {
		return 0, err
	}
	m.stepLocked()

	if m.sealOverride != nil {
		return *m.sealOverride, nil
	}
	return m.seal, nil
}

// ReadSecondaryPressure returns the simulated physiological pressure signal.
func (m *Mock) ReadSecondaryPressure() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("read secondary pressure"); err != nil {
		return 0, err
	}
	m.stepLocked()

	if m.secondaryOverride != nil {
		return *m.secondaryOverride, nil
	}
	return m.secondary, nil
}

// ReadAuxSensors returns the simulated auxiliary channels.
func (m *Mock) ReadAuxSensors() (AuxReadings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("read aux sensors"); err != nil {
		return AuxReadings{}, err
	}
	m.stepLocked()

	if m.auxOverride != nil {
		return *m.auxOverride, nil
	}
	if !m.cfg.HeartRate {
		return AuxReadings{}, nil
	}
	return AuxReadings{HeartRate: Float(m.heartRate)}, nil
}

// WriteActuatorIntensity sets the simulated vacuum pump intensity.
func (m *Mock) WriteActuatorIntensity(percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("write intensity"); err != nil {
		return err
	}
	m.stepLocked()
	m.intensity = percent
	m.writes++
	if percent > 0 {
		m.vented = false
	}
	return nil
}

// WriteValveStates sets the simulated valves.
func (m *Mock) WriteValveStates(v Valves) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("write valves"); err != nil {
		return err
	}
	m.valves = v
	return nil
}

// WriteElectricalOutput sets the simulated electrical output.
func (m *Mock) WriteElectricalOutput(frequencyHz, percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("write electrical output"); err != nil {
		return err
	}
	m.frequency = frequencyHz
	m.electrical = percent
	return nil
}

// EmergencyVent opens the simulated vent: the pump stops and the seal collapses.
func (m *Mock) EmergencyVent() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("emergency vent"); err != nil {
		return err
	}
	m.intensity = 0
	m.electrical = 0
	m.vented = true
	m.vents++
	return nil
}

// SetFault makes every call fail with a hardware fault until cleared with nil.
func (m *Mock) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// SetSealPressure pins the seal pressure reading; nil returns to simulation.
func (m *Mock) SetSealPressure(p *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealOverride = p
}

// SetSecondaryPressure pins the secondary pressure reading; nil returns to simulation.
func (m *Mock) SetSecondaryPressure(p *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondaryOverride = p
}

// SetAux pins the aux readings; nil returns to simulation.
func (m *Mock) SetAux(aux *AuxReadings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auxOverride = aux
}

// SetLeak adds a seal leak of rate mmHg/s to the simulation.
func (m *Mock) SetLeak(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leak = rate
}

// Outputs returns the last commanded outputs.
func (m *Mock) Outputs() (intensity float64, valves Valves, frequency, electrical float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intensity, m.valves, m.frequency, m.electrical
}

// Intensity returns the last commanded vacuum intensity.
func (m *Mock) Intensity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intensity
}

// Vented reports whether the vent is open.
func (m *Mock) Vented() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vented
}

// VentCount returns how many times the vent was commanded.
func (m *Mock) VentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vents
}

func (m *Mock) checkLocked(op string) error {
	if !m.connected {
		return hardwareFault(op, errors.New("not connected"))
	}
	if m.fault != nil {
		return hardwareFault(op, m.fault)
	}
	return nil
}

// stepLocked advances the simulation to the current clock time.
func (m *Mock) stepLocked() {
	now := m.clock.Now()
	dt := now.Sub(m.last).Seconds()
	if dt <= 0 {
		return
	}
	m.last = now
	elapsed := now.Sub(m.started).Seconds()

	// Seal: first-order approach to the pump-dependent target, minus leaks.
	const sealTau = 0.5 // seconds
	target := m.cfg.SealPressure + m.cfg.PumpGain*m.intensity
	if m.vented {
		target = 0
	}
	m.seal += (target - m.seal) * math.Min(dt/sealTau, 1)
	m.seal = math.Max(m.seal-m.leak*dt, 0)

	// Arousal follows intensity slowly; the secondary signal carries a
	// rhythmic component whose amplitude grows with arousal.
	const arousalTau = 30.0 // seconds
	m.arousal += (m.intensity/100 - m.arousal) * math.Min(dt/arousalTau, 1)
	rhythm := math.Sin(2 * math.Pi * m.cfg.RhythmHz * elapsed)
	noise := (math.Sin(elapsed*977) + math.Cos(elapsed*1307)) * m.cfg.NoiseLevel * 0.5
	m.secondary = m.cfg.SecondaryBaseline +
		m.cfg.ResponseGain*m.intensity*m.arousal +
		10*m.arousal*rhythm +
		noise

	m.heartRate = 65 + 100*m.arousal + noise
}

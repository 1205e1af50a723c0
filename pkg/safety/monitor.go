// Package safety implements the seal safety monitor: a high-rate watchdog
// over seal pressure that issues corrective actuator overrides and requests
// an emergency stop when the seal cannot be restored.
package safety

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/fsm"
	"github.com/itohio/gostim/pkg/hal"
)

// EmergencyHandler is invoked when the monitor requests a coordinator-level
// emergency stop. It runs on the monitor's tick goroutine, outside its lock.
type EmergencyHandler func(reason error)

// Monitor is the seal safety monitor. Tick is driven by a single loop;
// every other method is safe to call concurrently.
type Monitor struct {
	hw         hal.Hardware
	clock      clock.Clock
	pub        events.Publisher
	log        *zap.SugaredLogger
	hardMax    float64
	state      *fsm.Machine[State]
	onEmergent EmergencyHandler

	mu         sync.RWMutex
	cfg        config.SafetyConfig
	monitoring Monitoring
	highRisk   bool
	pressure   float64
	errors     int
	commanded  float64
	correction Correction
	breached   bool

	errorAt        time.Time
	selfTestAt     time.Time
	selfTestPassed bool
	selfTestSeal   float64
}

// New creates a monitor reading seal pressure from hw. hardMax is the
// absolute actuator limit no correction may exceed. A nil publisher
// discards events.
func New(cfg config.SafetyConfig, hardMax float64, hw hal.Hardware, clk clock.Clock, pub events.Publisher, log *zap.SugaredLogger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Monitor{
		hw:      hw,
		clock:   clk,
		pub:     pub,
		log:     log,
		hardMax: hardMax,
		state:   fsm.New("safety", Attached, transitions, log),
		cfg:     cfg,
	}
}

// OnEmergency registers the emergency stop handler. Call before monitoring starts.
func (m *Monitor) OnEmergency(h EmergencyHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmergent = h
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	state := m.state.Current()
	corr := m.activeCorrectionLocked()
	return Status{
		State:               state,
		Monitoring:          m.monitoring,
		SealPressure:        m.pressure,
		CorrectionActive:    corr.Active,
		CorrectionTarget:    corr.TargetIntensity,
		HighRisk:            m.highRisk,
		SelfTestPassed:      m.selfTestPassed,
		ConsecutiveErrors:   m.errors,
		ElectricalPermitted: m.monitoring == Active && (state == Attached || state == Warning),
		Since:               m.state.Since(),
	}
}

// Correction returns the active correction, if any. While monitoring is not
// active no correction is reported.
func (m *Monitor) Correction() Correction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCorrectionLocked()
}

func (m *Monitor) activeCorrectionLocked() Correction {
	if m.monitoring != Active {
		return Correction{}
	}
	return m.correction
}

// Interval is the cadence the monitor should be ticked at: the configured
// tick interval, tightened so that every response delay spans at least four ticks.
func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return min(m.cfg.TickInterval, m.responseDelayLocked()/4)
}

func (m *Monitor) responseDelayLocked() time.Duration {
	if m.highRisk {
		return m.cfg.HighRiskResponseDelay
	}
	return m.cfg.ResponseDelay
}

// SetCommandedIntensity records the intensity the session last proposed.
// It is the base a new correction is computed from.
func (m *Monitor) SetCommandedIntensity(percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commanded = percent
}

// SetHighRisk switches to the high-risk response delay.
func (m *Monitor) SetHighRisk(on bool) {
	m.mu.Lock()
	changed := m.highRisk != on
	m.highRisk = on
	m.mu.Unlock()

	if changed {
		m.log.Infow("high risk mode", "enabled", on)
	}
}

// StartMonitoring begins classifying seal pressure on every tick.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	m.errors = 0
	m.breached = false
	m.correction = Correction{}
	m.mu.Unlock()
	m.setMonitoring(Active)
}

// StopMonitoring stops classification and clears any correction.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	m.correction = Correction{}
	m.mu.Unlock()
	m.setMonitoring(Idle)
}

// PauseMonitoring suspends classification. The classification and any
// correction are kept but not reported until ResumeMonitoring.
func (m *Monitor) PauseMonitoring() {
	m.mu.RLock()
	active := m.monitoring == Active
	m.mu.RUnlock()
	if active {
		m.setMonitoring(Paused)
	}
}

// ResumeMonitoring resumes a paused monitor.
func (m *Monitor) ResumeMonitoring() {
	m.mu.RLock()
	paused := m.monitoring == Paused
	m.mu.RUnlock()
	if paused {
		m.setMonitoring(Active)
	}
}

func (m *Monitor) setMonitoring(to Monitoring) {
	m.mu.Lock()
	from := m.monitoring
	m.monitoring = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.log.Infow("monitoring", "from", from, "to", to)
	m.pub.Publish(events.Event{
		Kind:    events.MonitoringChanged,
		Source:  "safety",
		Time:    m.clock.Now(),
		Payload: map[string]Monitoring{"from": from, "to": to},
	})
}

// ReportSignalLost forces SystemError because the estimator lost the
// physiological signal.
func (m *Monitor) ReportSignalLost() {
	now := m.clock.Now()

	m.mu.Lock()
	var pending []events.Event
	entered := m.enterSystemErrorLocked(now, fault.ErrSignalLost, &pending)
	h := m.onEmergent
	m.mu.Unlock()

	m.publish(pending)
	if entered && h != nil {
		h(fault.ErrSignalLost)
	}
}

// Tick reads seal pressure once, classifies it and manages the correction.
// It returns the resulting status; the error reports a bad reading, a
// SystemError entry or an uncorrected breach.
func (m *Monitor) Tick(now time.Time) (Status, error) {
	m.mu.RLock()
	skip := m.monitoring != Active || m.state.Current() == SystemError
	m.mu.RUnlock()
	if skip {
		return m.Status(), nil
	}

	// Read outside the lock so status readers never wait on the hardware.
	p, readErr := m.hw.ReadPrimarySealPressure()

	m.mu.Lock()
	var (
		pending   []events.Event
		emergency error
		tickErr   error
	)

	switch {
	case readErr != nil || !m.validPressure(p):
		if readErr == nil {
			readErr = fmt.Errorf("%w: seal pressure %.2f", fault.ErrSensorInvalid, p)
		}
		m.errors++
		tickErr = readErr
		if m.errors > m.cfg.MaxConsecutiveErrors {
			err := fmt.Errorf("%d consecutive seal read errors: %w", m.errors, readErr)
			if m.enterSystemErrorLocked(now, err, &pending) {
				emergency = err
			}
			tickErr = err
		}
	default:
		m.errors = 0
		m.pressure = p
		m.classifyLocked(now, p, &pending)
		if err := m.manageCorrectionLocked(now, &pending); err != nil {
			emergency = err
			tickErr = err
		}
	}

	status := m.statusLocked()
	h := m.onEmergent
	m.mu.Unlock()

	m.publish(pending)
	if emergency != nil && h != nil {
		h(emergency)
	}
	return status, tickErr
}

func (m *Monitor) validPressure(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p >= 0 && p <= m.cfg.MaxPressure
}

// lowerBound is the lowest pressure that still classifies as s.
func (m *Monitor) lowerBound(s State) float64 {
	switch s {
	case Attached:
		return m.cfg.WarningThreshold
	case Warning:
		return (m.cfg.Threshold + m.cfg.WarningThreshold) / 2
	case Risk:
		return m.cfg.Threshold
	default:
		return math.Inf(-1)
	}
}

// rawClass classifies p without hysteresis.
func (m *Monitor) rawClass(p float64) State {
	for _, s := range []State{Attached, Warning, Risk} {
		if p >= m.lowerBound(s) {
			return s
		}
	}
	return Detached
}

// nextState applies hysteresis: worsening is immediate, improving into a
// state requires clearing its lower bound by the hysteresis margin.
func (m *Monitor) nextState(current State, p float64) State {
	raw := m.rawClass(p)
	if raw.Worse(current) {
		return raw
	}
	for s := Attached; s < current; s++ {
		if p >= m.lowerBound(s)+m.cfg.Hysteresis {
			return s
		}
	}
	return current
}

func (m *Monitor) classifyLocked(now time.Time, p float64, pending *[]events.Event) {
	from := m.state.Current()
	to := m.nextState(from, p)
	if to == from {
		return
	}

	if _, err := m.state.Transition(to, now); err != nil {
		m.log.Errorw("safety transition rejected", "from", from, "to", to, "err", err)
		return
	}

	change := StateChange{From: from, To: to, Pressure: p}
	*pending = append(*pending, events.Event{Kind: events.SafetyStateChanged, Source: "safety", Time: now, Payload: change})
	if (to == Warning || to == Risk) && to.Worse(from) {
		m.log.Warnw("seal degrading", "state", to, "pressure", p)
		*pending = append(*pending, events.Event{Kind: events.SafetyWarning, Source: "safety", Time: now, Payload: change})
	}
	if to == Attached {
		m.breached = false
	}
}

// correctionTarget is base raised by step increments, capped at the maximum
// increase and the hard limit.
func (m *Monitor) correctionTarget(base float64, step int) float64 {
	target := base + float64(step)*m.cfg.CorrectionStep
	target = math.Min(target, base+m.cfg.MaxVacuumIncrease)
	return math.Max(0, math.Min(target, m.hardMax))
}

func (m *Monitor) manageCorrectionLocked(now time.Time, pending *[]events.Event) error {
	state := m.state.Current()
	corr := &m.correction
	delay := m.responseDelayLocked()

	if !corr.Active {
		if state != Detached || m.breached {
			return nil
		}
		*corr = Correction{
			Active:        true,
			BaseIntensity: m.commanded,
			Step:          1,
			Reason:        fmt.Sprintf("seal detached at %.1f mmHg", m.pressure),
			Started:       now,
			Deadline:      now.Add(delay),
		}
		corr.TargetIntensity = m.correctionTarget(corr.BaseIntensity, corr.Step)
		m.log.Warnw("correction applied", "target", corr.TargetIntensity, "base", corr.BaseIntensity, "pressure", m.pressure)
		*pending = append(*pending, events.Event{Kind: events.CorrectionApplied, Source: "safety", Time: now, Payload: *corr})
		return nil
	}

	if state == Attached {
		resolved := *corr
		*corr = Correction{}
		m.log.Infow("correction resolved", "after", now.Sub(resolved.Started), "pressure", m.pressure)
		*pending = append(*pending, events.Event{Kind: events.CorrectionResolved, Source: "safety", Time: now, Payload: resolved})
		return nil
	}

	if active := now.Sub(corr.Started); active > m.cfg.MaxCorrectionDuration {
		timedOut := *corr
		*corr = Correction{}
		m.breached = true
		err := fmt.Errorf("%w: correction active for %s", fault.ErrSafetyThresholdBreach, active)
		m.log.Errorw("correction timed out", "err", err, "pressure", m.pressure)
		*pending = append(*pending, events.Event{Kind: events.CorrectionTimeout, Source: "safety", Time: now, Payload: timedOut})
		return err
	}

	if !now.Before(corr.Deadline) {
		corr.Deadline = now.Add(delay)
		if state == Detached {
			corr.Step++
			target := m.correctionTarget(corr.BaseIntensity, corr.Step)
			if target != corr.TargetIntensity {
				corr.TargetIntensity = target
				m.log.Warnw("correction escalated", "target", target, "step", corr.Step, "pressure", m.pressure)
				*pending = append(*pending, events.Event{Kind: events.CorrectionApplied, Source: "safety", Time: now, Payload: *corr})
			}
		}
	}
	return nil
}

// enterSystemErrorLocked moves to SystemError and reports whether the state changed.
func (m *Monitor) enterSystemErrorLocked(now time.Time, reason error, pending *[]events.Event) bool {
	from := m.state.Current()
	if from == SystemError {
		return false
	}
	if _, err := m.state.Transition(SystemError, now); err != nil {
		m.state.Force(SystemError, now)
	}

	m.correction = Correction{}
	m.errorAt = now
	m.selfTestPassed = false
	m.log.Errorw("system error", "reason", reason)

	*pending = append(*pending,
		events.Event{Kind: events.SafetyStateChanged, Source: "safety", Time: now, Payload: StateChange{From: from, To: SystemError, Pressure: m.pressure}},
		events.Event{Kind: events.SystemError, Source: "safety", Time: now, Payload: reason.Error()},
	)
	return true
}

// ResetSystemError leaves SystemError. It requires a self-test that passed
// after the error was raised, and reclassifies using the self-test reading.
func (m *Monitor) ResetSystemError() error {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state.Current() != SystemError {
		m.mu.Unlock()
		return nil
	}
	if !m.selfTestPassed || m.selfTestAt.Before(m.errorAt) {
		m.mu.Unlock()
		return fmt.Errorf("reset system error: %w", fault.ErrSelfTestRequired)
	}

	to := m.rawClass(m.selfTestSeal)
	m.state.Force(to, now)
	m.errors = 0
	m.breached = false
	m.pressure = m.selfTestSeal
	seal := m.selfTestSeal
	m.mu.Unlock()

	m.log.Infow("system error reset", "state", to)
	m.publish([]events.Event{
		{Kind: events.SafetyStateChanged, Source: "safety", Time: now, Payload: StateChange{From: SystemError, To: to, Pressure: seal}},
		{Kind: events.SystemErrorReset, Source: "safety", Time: now, Payload: to},
	})
	return nil
}

func (m *Monitor) publish(pending []events.Event) {
	for _, e := range pending {
		m.pub.Publish(e)
	}
}

// Package session implements the session engine: the pattern and mode state
// machine that paces stimulation from the estimated state level. The engine
// only proposes commands; the coordinator arbitrates them against the safety
// monitor.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/estimator"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/fsm"
	"github.com/itohio/gostim/pkg/hal"
	"github.com/itohio/gostim/pkg/safety"
)

// Calibrator fixes the estimator baseline before stimulation starts.
type Calibrator func(ctx context.Context) error

// TickInput is everything one engine tick consumes.
type TickInput struct {
	Now           time.Time
	Estimate      estimator.StateEstimate
	Safety        safety.Status
	EmergencyStop bool
}

// Runtime is the per-session progress owned by the engine.
type Runtime struct {
	PhaseIndex     int           `json:"phase_index"`
	Phase          string        `json:"phase"`
	PhaseElapsed   time.Duration `json:"phase_elapsed"`
	CycleCount     int           `json:"cycle_count"`
	EdgeCount      int           `json:"edge_count"`
	PeakCount      int           `json:"peak_count"`
	SessionElapsed time.Duration `json:"session_elapsed"`
}

// Snapshot is an immutable view of the engine.
type Snapshot struct {
	State      State   `json:"state"`
	Mode       Mode    `json:"mode,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	Paused     bool    `json:"paused"`
	Intensity  float64 `json:"intensity"`
	Frequency  float64 `json:"frequency"`
	AntiEscape bool    `json:"anti_escape"`
	Runtime    Runtime `json:"runtime"`
}

// PhaseChange is the payload of PhaseChanged.
type PhaseChange struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Cycle int    `json:"cycle"`
}

// Detection is the payload of EdgeDetected and PeakDetected.
type Detection struct {
	Count     int     `json:"count"`
	Level     float64 `json:"level"`
	Intensity float64 `json:"intensity"`
	Cycle     int     `json:"cycle"`
}

// Escape is the payload of AntiEscapeEngaged.
type Escape struct {
	Level     float64 `json:"level"`
	Reference float64 `json:"reference"`
}

type run struct {
	phaseIndex   int
	phaseStarted time.Time
	started      time.Time
	lastTick     time.Time

	cycles, edges, peaks int
	intensity, frequency float64
	lastLevel            float64

	reference  float64
	escalation float64
	freqBoost  float64
	antiEscape bool

	coolFrom    float64
	coolStarted time.Time
	coolReason  string

	paused   bool
	pausedAt time.Time
}

// Engine is the session engine. Tick is driven by a single loop; the other
// methods may be called concurrently. Events are published under the engine
// lock, so publishers must not call back into the engine.
type Engine struct {
	tuning  config.SessionConfig
	hardMax float64
	maxFreq float64
	clock   clock.Clock
	pub     events.Publisher
	log     *zap.SugaredLogger
	state   *fsm.Machine[State]

	mu        sync.Mutex
	calibrate Calibrator
	cfg       Config
	plan      Plan
	run       run
	stats     Stats
}

// New creates an engine. limits are the hardware maxima enforced on every command.
func New(tuning config.SessionConfig, limits config.LimitsConfig, clk clock.Clock, pub events.Publisher, log *zap.SugaredLogger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Engine{
		tuning:  tuning,
		hardMax: limits.MaxIntensity,
		maxFreq: limits.MaxFrequency,
		clock:   clk,
		pub:     pub,
		log:     log,
		state:   fsm.New("session", Stopped, transitions, log),
	}
	e.state.OnTransition(func(tr fsm.Transition[State]) {
		e.pub.Publish(events.Event{Kind: events.SessionStateChanged, Source: "session", Time: tr.At, Payload: tr})
	})
	return e
}

// SetCalibrator sets the baseline calibration run by Start.
func (e *Engine) SetCalibrator(c Calibrator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calibrate = c
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state.Current()
}

// StateSince returns when the current state was entered.
func (e *Engine) StateSince() time.Time {
	return e.state.Since()
}

// Config returns the configuration of the current or last session.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Plan returns the plan of the current or last session.
func (e *Engine) Plan() Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// Stats returns the running or final statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Snapshot returns the engine state and runtime counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	st := e.state.Current()
	snap := Snapshot{
		State:      st,
		Mode:       e.cfg.Mode,
		SessionID:  e.stats.SessionID,
		Paused:     e.run.paused,
		AntiEscape: e.run.antiEscape,
	}
	if !st.Running() {
		return snap
	}

	if e.run.paused {
		now = e.run.pausedAt
	}
	snap.Intensity = e.run.intensity
	snap.Frequency = e.run.frequency
	snap.Runtime = Runtime{
		PhaseIndex:     e.run.phaseIndex,
		Phase:          e.plan.Phases[e.run.phaseIndex].Name,
		PhaseElapsed:   now.Sub(e.run.phaseStarted),
		CycleCount:     e.run.cycles,
		EdgeCount:      e.run.edges,
		PeakCount:      e.run.peaks,
		SessionElapsed: now.Sub(e.run.started),
	}
	return snap
}

// Start validates cfg, builds the plan, calibrates and enters the first
// phase. An invalid cfg fails with fault.ErrConfigurationInvalid and leaves
// the engine untouched. Start blocks for the calibration.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	plan, err := BuildPlan(cfg, e.tuning)
	if err != nil {
		return err
	}
	if plan.Len() == 0 {
		return invalid("empty plan")
	}

	e.mu.Lock()
	if cur := e.state.Current(); cur != Stopped {
		e.mu.Unlock()
		return fmt.Errorf("start session in %s: %w", cur, fault.ErrInvalidTransition)
	}

	now := e.clock.Now()
	e.cfg = cfg
	e.plan = plan
	e.run = run{}
	e.stats = Stats{SessionID: uuid.NewString(), Mode: cfg.Mode, Started: now}
	if _, err := e.state.Transition(Calibrating, now); err != nil {
		e.mu.Unlock()
		return err
	}
	cal := e.calibrate
	id := e.stats.SessionID
	e.pub.Publish(events.Event{Kind: events.SessionStarted, Source: "session", Time: now, Payload: e.stats})
	e.mu.Unlock()

	e.log.Infow("session starting", "id", id, "mode", cfg.Mode, "phases", plan.Len())

	var calErr error
	if cal != nil && !cfg.SkipCalibration {
		calErr = cal(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now = e.clock.Now()
	if e.state.Current() != Calibrating {
		return fmt.Errorf("session %s interrupted during calibration: %w", id, fault.ErrNotRunning)
	}
	if calErr != nil {
		e.finishLocked(now, Stopped, ReasonCalibrationFailed)
		return fmt.Errorf("session %s: %w", id, calErr)
	}

	e.run.started = now
	e.run.lastTick = now
	e.stats.Started = now
	e.run.frequency = e.tuning.BaseFrequency
	if !e.enterPhaseLocked(0, now) {
		return fmt.Errorf("session %s: first phase %q: %w", id, plan.Phases[0].Name, fault.ErrInvalidTransition)
	}
	return nil
}

// Stop ends the session immediately. It is a no-op when already stopped or
// in Error.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Is(Stopped, Error) {
		return
	}
	e.finishLocked(e.clock.Now(), Stopped, ReasonStopped)
}

// EmergencyStop zeroes output and stops from any phase.
func (e *Engine) EmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Is(Stopped, Error) {
		return
	}
	e.finishLocked(e.clock.Now(), Stopped, ReasonEmergencyStop)
}

// Fault moves a running session to Error after a hardware fault. The caller
// performs the safe shutdown.
func (e *Engine) Fault(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Is(Stopped, Error) {
		return
	}
	e.log.Errorw("session fault", "err", err)
	e.finishLocked(e.clock.Now(), Error, fmt.Sprintf("%s: %v", ReasonHardwareFault, err))
}

// Reset clears Error back to Stopped.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch cur := e.state.Current(); cur {
	case Stopped:
		return nil
	case Error:
		_, err := e.state.Transition(Stopped, e.clock.Now())
		return err
	default:
		return fmt.Errorf("reset session in %s: %w", cur, fault.ErrInvalidTransition)
	}
}

// Pause suspends output and freezes all session timers.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Current().Running() {
		return fmt.Errorf("pause: %w", fault.ErrNotRunning)
	}
	if !e.run.paused {
		e.run.paused = true
		e.run.pausedAt = e.clock.Now()
		e.log.Infow("session paused", "id", e.stats.SessionID)
	}
	return nil
}

// Resume continues a paused session where it left off.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Current().Running() {
		return fmt.Errorf("resume: %w", fault.ErrNotRunning)
	}
	if !e.run.paused {
		return nil
	}

	now := e.clock.Now()
	shift := now.Sub(e.run.pausedAt)
	e.run.started = e.run.started.Add(shift)
	e.run.phaseStarted = e.run.phaseStarted.Add(shift)
	if !e.run.coolStarted.IsZero() {
		e.run.coolStarted = e.run.coolStarted.Add(shift)
	}
	e.run.lastTick = now
	e.run.paused = false
	e.log.Infow("session resumed", "id", e.stats.SessionID, "paused_for", shift)
	return nil
}

// Tick advances the session by one step and returns the proposed command.
func (e *Engine) Tick(in TickInput) hal.Command {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Current()
	if in.EmergencyStop {
		if !e.state.Is(Stopped, Error) {
			e.finishLocked(in.Now, Stopped, ReasonEmergencyStop)
		}
		return hal.Zero()
	}
	if !cur.Running() {
		return hal.Zero()
	}
	if in.Safety.Halted() {
		e.finishLocked(in.Now, Error, fmt.Sprintf("%s: seal %s", ReasonSafety, in.Safety.State))
		return hal.Zero()
	}
	if e.run.paused {
		e.run.lastTick = in.Now
		return hal.Zero()
	}

	dt := max(in.Now.Sub(e.run.lastTick), 0)
	e.run.lastTick = in.Now

	level, valid := in.Estimate.Level, in.Estimate.Valid
	freeze := in.Safety.State == safety.Risk

	if cur != CoolingDown {
		if limit := e.cfg.MaxDuration(); limit > 0 && in.Now.Sub(e.run.started) >= limit {
			e.coolDownLocked(in.Now, ReasonMaxDuration)
			cur = CoolingDown
		}
	}

	step := modeStep{now: in.Now, dt: dt, level: level, valid: valid, freeze: freeze}
	switch {
	case cur == CoolingDown:
		e.coolingLocked(in.Now)
	case e.cfg.Mode == Adaptive:
		e.adaptiveLocked(step)
	case e.cfg.Mode == Forced:
		e.forcedLocked(step)
	default:
		e.playbackLocked(step)
	}

	if valid {
		e.run.lastLevel = level
		e.stats.MaxLevel = math.Max(e.stats.MaxLevel, level)
	}
	return e.commandLocked()
}

func (e *Engine) phaseLocked() Phase {
	return e.plan.Phases[e.run.phaseIndex]
}

func (e *Engine) intensityLimit() float64 {
	return math.Min(e.tuning.MaxIntensity, e.hardMax)
}

func (e *Engine) frequencyLimit() float64 {
	return math.Min(e.tuning.MaxFrequency, e.maxFreq)
}

// commandLocked shapes the current intensity into a command: gentle cap,
// hard limits and the electrical share.
func (e *Engine) commandLocked() hal.Command {
	st := e.state.Current()
	if !st.Running() {
		return hal.Zero()
	}

	phase := e.phaseLocked()
	limit := e.intensityLimit()
	if phase.GentleMode {
		limit = math.Min(limit, e.tuning.GentleMaxIntensity)
	}
	e.run.intensity = math.Max(0, math.Min(e.run.intensity, limit))

	freq := e.run.frequency
	if freq <= 0 {
		freq = e.tuning.BaseFrequency
	}
	freq = math.Min(freq, e.frequencyLimit())

	i := e.run.intensity
	e.stats.MaxIntensity = math.Max(e.stats.MaxIntensity, i)

	return hal.Command{
		Intensity:        i,
		Frequency:        freq,
		Electrical:       i * e.tuning.ElectricalRatio,
		Valves:           hal.Valves{Intake: i > 0},
		HeightenedSafety: phase.HeightenedSafety && st != CoolingDown,
	}
}

// enterPhaseLocked starts phase i at the given time, moving the state
// machine to the phase's state. The intensity starts at the phase target.
// A phase whose state the table rejects aborts the session into Error and
// returns false.
func (e *Engine) enterPhaseLocked(i int, at time.Time) bool {
	p := e.plan.Phases[i]
	if _, err := e.state.Transition(p.Kind.State(), at); err != nil {
		e.log.Errorw("phase transition rejected", "phase", p.Name, "kind", p.Kind, "err", err)
		e.finishLocked(at, Error, fmt.Sprintf("%s: %s", ReasonInvalidPhase, p.Name))
		return false
	}

	e.run.phaseIndex = i
	e.run.phaseStarted = at
	e.run.intensity = p.TargetIntensity
	if p.Frequency > 0 {
		e.run.frequency = p.Frequency
	}
	e.log.Debugw("phase", "index", i, "name", p.Name, "kind", p.Kind, "cycle", p.Cycle)
	e.pub.Publish(events.Event{
		Kind:    events.PhaseChanged,
		Source:  "session",
		Time:    at,
		Payload: PhaseChange{Index: i, Name: p.Name, Kind: p.Kind, Cycle: p.Cycle},
	})
	return true
}

func (e *Engine) coolDownLocked(now time.Time, reason string) {
	e.run.coolFrom = e.run.intensity
	e.run.coolStarted = now
	e.run.coolReason = reason
	e.run.antiEscape = false
	if _, err := e.state.Transition(CoolingDown, now); err != nil {
		e.log.Errorw("cool down rejected", "err", err)
		return
	}
	e.log.Infow("cooling down", "id", e.stats.SessionID, "reason", reason)
}

// coolingLocked ramps linearly to zero over the cool-down duration, then stops.
func (e *Engine) coolingLocked(now time.Time) {
	elapsed := now.Sub(e.run.coolStarted)
	d := e.tuning.CoolDownDuration
	if d <= 0 || elapsed >= d {
		e.finishLocked(now, Stopped, e.run.coolReason)
		return
	}
	e.run.intensity = e.run.coolFrom * (1 - float64(elapsed)/float64(d))
}

// finishLocked ends the session in state to and publishes the summary.
func (e *Engine) finishLocked(now time.Time, to State, reason string) {
	from := e.state.Current()

	if _, err := e.state.Transition(to, now); err != nil {
		if !errors.Is(err, fault.ErrInvalidTransition) {
			e.log.Errorw("finish transition failed", "err", err)
		}
		e.state.Force(to, now)
	}

	e.stats.Ended = now
	if !e.run.started.IsZero() {
		e.stats.Duration = now.Sub(e.run.started)
	}
	e.stats.Cycles = e.run.cycles
	e.stats.Edges = e.run.edges
	e.stats.Peaks = e.run.peaks
	e.stats.Reason = reason
	e.stats.Final = to

	e.run.intensity = 0
	e.run.frequency = 0
	e.run.paused = false
	e.run.antiEscape = false

	if to == Error {
		e.log.Errorw("session aborted", "id", e.stats.SessionID, "from", from, "reason", reason)
	} else {
		e.log.Infow("session ended", "id", e.stats.SessionID, "from", from, "reason", reason,
			"cycles", e.stats.Cycles, "edges", e.stats.Edges, "peaks", e.stats.Peaks)
	}

	e.pub.Publish(events.Event{Kind: events.SessionStopped, Source: "session", Time: now, Payload: reason})
	e.pub.Publish(events.Event{Kind: events.SessionCompleted, Source: "session", Time: now, Payload: e.stats})
}

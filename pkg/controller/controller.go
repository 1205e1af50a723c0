// Package controller is the central coordinator. It owns the emergency stop
// flag and the last commanded actuator values, runs the safety and session
// loops and arbitrates their commands at the hardware boundary.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/estimator"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/hal"
	"github.com/itohio/gostim/pkg/safety"
	"github.com/itohio/gostim/pkg/session"
)

// Snapshot is a consistent-enough view of every subsystem for status readers.
type Snapshot struct {
	Time            time.Time               `json:"time"`
	EmergencyStop   bool                    `json:"emergency_stop"`
	EmergencyReason string                  `json:"emergency_reason,omitempty"`
	Estimate        estimator.StateEstimate `json:"estimate"`
	Safety          safety.Status           `json:"safety"`
	Correction      safety.Correction       `json:"correction"`
	Session         session.Snapshot        `json:"session"`
	Output          hal.Command             `json:"output"`
}

// Controller wires the estimator, the safety monitor and the session engine
// to one hardware device.
type Controller struct {
	cfg   *config.Config
	hw    hal.Hardware
	clock clock.Clock
	pub   events.Publisher
	log   *zap.SugaredLogger

	estimator *estimator.Estimator
	monitor   *safety.Monitor
	engine    *session.Engine

	estop       atomic.Bool
	reasonMu    sync.RWMutex
	estopReason string

	// mu serializes hardware writes and guards the last commanded values.
	mu       sync.Mutex
	proposed hal.Command
	output   hal.Command
}

// New builds a controller and its subsystems. cfg must already be validated.
func New(cfg *config.Config, hw hal.Hardware, clk clock.Clock, pub events.Publisher, log *zap.SugaredLogger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	c := &Controller{
		cfg:    cfg,
		hw:     hw,
		clock:  clk,
		pub:    pub,
		log:    log.Named("controller"),
		output: hal.Zero(),
	}
	c.estimator = estimator.New(cfg.Estimator, clk, pub, log.Named("estimator"))
	c.monitor = safety.New(cfg.Safety, cfg.Limits.MaxIntensity, hw, clk, pub, log.Named("safety"))
	c.engine = session.New(cfg.Session, cfg.Limits, clk, pub, log.Named("session"))

	c.monitor.OnEmergency(c.EmergencyStop)
	c.engine.SetCalibrator(func(ctx context.Context) error {
		return c.estimator.CalibrateBaseline(ctx, c.readSample, cfg.Session.CalibrationDuration)
	})
	return c
}

// Estimator returns the state estimator.
func (c *Controller) Estimator() *estimator.Estimator { return c.estimator }

// Monitor returns the safety monitor.
func (c *Controller) Monitor() *safety.Monitor { return c.monitor }

// Engine returns the session engine.
func (c *Controller) Engine() *session.Engine { return c.engine }

func (c *Controller) readSample(now time.Time) (hal.SensorSample, error) {
	return hal.ReadSample(c.hw, now)
}

// EmergencyStopped reports whether the emergency stop is latched.
func (c *Controller) EmergencyStopped() bool {
	return c.estop.Load()
}

// EmergencyStop latches the emergency stop, stops the session, zeroes the
// output and vents. It is safe to call from any goroutine and repeatedly.
func (c *Controller) EmergencyStop(reason error) {
	if reason == nil {
		reason = fault.ErrEmergencyStop
	}
	if !c.estop.CompareAndSwap(false, true) {
		return
	}

	c.reasonMu.Lock()
	c.estopReason = reason.Error()
	c.reasonMu.Unlock()

	c.log.Errorw("emergency stop", "reason", reason)
	c.engine.EmergencyStop()

	if err := c.shutdown(); err != nil {
		c.log.Errorw("emergency shutdown incomplete", "err", err)
	}
	c.pub.Publish(events.Event{Kind: events.EmergencyStopActivated, Source: "controller", Time: c.clock.Now(), Payload: reason.Error()})
}

// Reset clears the emergency stop, a safety SystemError and a session Error.
// It requires a passing self-test.
func (c *Controller) Reset(ctx context.Context) error {
	if _, err := c.monitor.PerformSelfTest(ctx); err != nil {
		return fmt.Errorf("reset: %w: %w", fault.ErrSelfTestRequired, err)
	}
	if err := c.monitor.ResetSystemError(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := c.engine.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.estimator.Reset()

	if c.estop.CompareAndSwap(true, false) {
		c.reasonMu.Lock()
		c.estopReason = ""
		c.reasonMu.Unlock()
		c.log.Infow("emergency stop cleared")
		c.pub.Publish(events.Event{Kind: events.EmergencyStopCleared, Source: "controller", Time: c.clock.Now()})
	}
	return nil
}

// StartSession configures the estimator and starts a session. It blocks
// while the baseline is calibrated.
func (c *Controller) StartSession(ctx context.Context, cfg session.Config) error {
	if c.estop.Load() {
		return fmt.Errorf("start session: %w", fault.ErrEmergencyStop)
	}
	if c.monitor.Status().State == safety.SystemError {
		return fmt.Errorf("start session: safety system error: %w", fault.ErrSelfTestRequired)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.estimator.SetHeartRateWeight(cfg.HeartRateWeight); err != nil {
		return err
	}
	if c.monitor.Status().Monitoring == safety.Idle {
		c.monitor.StartMonitoring()
	}
	return c.engine.Start(ctx, cfg)
}

// StopSession stops the session and zeroes the output.
func (c *Controller) StopSession() error {
	c.engine.Stop()
	return c.writeZero()
}

// Pause pauses the session and zeroes the output.
func (c *Controller) Pause() error {
	if err := c.engine.Pause(); err != nil {
		return err
	}
	return c.writeZero()
}

// Resume resumes a paused session.
func (c *Controller) Resume() error {
	return c.engine.Resume()
}

// Snapshot returns the current view of every subsystem.
func (c *Controller) Snapshot() Snapshot {
	c.reasonMu.RLock()
	reason := c.estopReason
	c.reasonMu.RUnlock()

	c.mu.Lock()
	out := c.output
	c.mu.Unlock()

	return Snapshot{
		Time:            c.clock.Now(),
		EmergencyStop:   c.estop.Load(),
		EmergencyReason: reason,
		Estimate:        c.estimator.Estimate(),
		Safety:          c.monitor.Status(),
		Correction:      c.monitor.Correction(),
		Session:         c.engine.Snapshot(),
		Output:          out,
	}
}

// SafetyTick runs one safety monitor step and applies an active correction
// in place of the last session command.
func (c *Controller) SafetyTick(now time.Time) error {
	if c.estop.Load() {
		return nil
	}

	status, tickErr := c.monitor.Tick(now)
	if c.estop.Load() {
		return tickErr
	}

	corr := c.monitor.Correction()
	switch {
	case corr.Active:
		c.mu.Lock()
		cmd := corrected(c.proposed, corr)
		c.mu.Unlock()
		if err := c.apply(cmd, status); err != nil {
			c.hardwareFault(err)
			return err
		}
	case status.Halted():
		if err := c.apply(hal.Zero(), status); err != nil {
			c.hardwareFault(err)
			return err
		}
	}
	return tickErr
}

// SessionTick reads one sample, updates the estimator, advances the session
// and applies the arbitrated command.
func (c *Controller) SessionTick(now time.Time) error {
	if c.estop.Load() {
		c.engine.Tick(session.TickInput{Now: now, EmergencyStop: true})
		return nil
	}

	sample, err := c.readSample(now)
	if err != nil {
		if c.engine.State().Running() {
			c.hardwareFault(err)
		}
		return err
	}

	est, estErr := c.estimator.Update(sample)
	if errors.Is(estErr, fault.ErrSignalLost) {
		c.monitor.ReportSignalLost()
	}

	status := c.monitor.Status()
	cmd := c.engine.Tick(session.TickInput{
		Now:           now,
		Estimate:      est,
		Safety:        status,
		EmergencyStop: c.estop.Load(),
	})

	c.monitor.SetCommandedIntensity(cmd.Intensity)
	c.monitor.SetHighRisk(cmd.HeightenedSafety)

	c.mu.Lock()
	c.proposed = cmd
	c.mu.Unlock()

	// The correction is applied last and replaces the session intensity.
	if corr := c.monitor.Correction(); corr.Active {
		cmd = corrected(cmd, corr)
	}
	if err := c.apply(cmd, status); err != nil {
		c.hardwareFault(err)
		return err
	}

	if estErr != nil && !errors.Is(estErr, fault.ErrSensorInvalid) {
		return estErr
	}
	return nil
}

// corrected replaces the vacuum output of cmd with the correction target.
func corrected(cmd hal.Command, corr safety.Correction) hal.Command {
	cmd.Intensity = corr.TargetIntensity
	cmd.Valves = hal.Valves{Intake: true}
	return cmd
}

// apply clamps cmd to the hard limits, gates electrical output on the seal
// state and writes it. Nothing is written while the emergency stop is latched.
func (c *Controller) apply(cmd hal.Command, status safety.Status) error {
	lim := c.cfg.Limits
	cmd = cmd.Clamp(lim.MaxIntensity, lim.MaxFrequency, lim.MaxElectrical)
	if !status.ElectricalPermitted {
		cmd.Electrical = 0
		cmd.Frequency = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.estop.Load() {
		return nil
	}
	if err := hal.Apply(c.hw, cmd); err != nil {
		return err
	}
	c.output = cmd
	return nil
}

func (c *Controller) writeZero() error {
	status := c.monitor.Status()
	if err := c.apply(hal.Zero(), status); err != nil {
		c.hardwareFault(err)
		return err
	}
	return nil
}

// hardwareFault moves the session to Error and shuts the output down. There is no retry.
func (c *Controller) hardwareFault(err error) {
	c.log.Errorw("hardware fault", "err", err)
	c.engine.Fault(err)
	if serr := c.shutdown(); serr != nil {
		c.log.Errorw("shutdown after hardware fault incomplete", "err", serr)
	}
	c.pub.Publish(events.Event{Kind: events.HardwareFault, Source: "controller", Time: c.clock.Now(), Payload: err.Error()})
}

func (c *Controller) shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proposed = hal.Zero()
	c.output = hal.Zero()
	return hal.Shutdown(c.hw)
}

// Run starts monitoring and drives the safety and session loops until ctx
// is cancelled, then stops the session and shuts the output down.
func (c *Controller) Run(ctx context.Context) error {
	c.monitor.StartMonitoring()
	c.log.Infow("controller running",
		"safety_interval", c.monitor.Interval(),
		"session_interval", c.cfg.Session.TickInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.safetyLoop(gctx)
	})
	g.Go(func() error {
		return c.loop(gctx, "session", c.cfg.Session.TickInterval, c.SessionTick)
	})
	err := g.Wait()

	c.engine.Stop()
	c.monitor.StopMonitoring()
	if serr := c.shutdown(); serr != nil {
		c.log.Warnw("shutdown on exit incomplete", "err", serr)
	}
	c.log.Infow("controller stopped")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// safetyLoop ticks the monitor and re-arms its ticker when the cadence changes.
func (c *Controller) safetyLoop(ctx context.Context) error {
	interval := c.monitor.Interval()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if err := c.SafetyTick(now); err != nil {
				c.log.Debugw("safety tick", "err", err)
			}
			if next := c.monitor.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				c.log.Infow("safety cadence changed", "interval", interval)
			}
		}
	}
}

func (c *Controller) loop(ctx context.Context, name string, interval time.Duration, tick func(time.Time) error) error {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if err := tick(now); err != nil {
				c.log.Debugw("tick", "loop", name, "err", err)
			}
		}
	}
}

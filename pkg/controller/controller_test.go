package controller

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/hal"
	"github.com/itohio/gostim/pkg/safety"
	"github.com/itohio/gostim/pkg/session"
)

type rig struct {
	t   *testing.T
	c   *Controller
	hw  *hal.Mock
	clk *clock.Fake
	rec *events.Recorder
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	hw := hal.NewMock(&cfg.Hardware.Mock, clk)
	require.NoError(t, hw.Connect())
	hw.SetSealPressure(hal.Float(70))

	rec := events.NewRecorder()
	c := New(cfg, hw, clk, rec, nil)
	c.Monitor().StartMonitoring()
	return &rig{t: t, c: c, hw: hw, clk: clk, rec: rec}
}

// manual starts a single constant phase at intensity.
func (r *rig) manual(intensity float64) {
	r.t.Helper()
	cfg := session.Config{
		Mode:            session.Manual,
		SkipCalibration: true,
		Phases: []session.Phase{
			{Name: "steady", TargetIntensity: intensity, Duration: time.Hour},
		},
	}
	require.NoError(r.t, r.c.StartSession(context.Background(), cfg))
}

func (r *rig) step() {
	r.t.Helper()
	r.clk.Advance(10 * time.Millisecond)
	_ = r.c.SafetyTick(r.clk.Now())
	r.clk.Advance(90 * time.Millisecond)
	_ = r.c.SessionTick(r.clk.Now())
}

func TestController_SessionOutputReachesHardware(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)

	r.step()
	intensity, valves, freq, electrical := r.hw.Outputs()
	assert.InDelta(t, 40, intensity, 1e-9)
	assert.True(t, valves.Intake)
	assert.InDelta(t, 10, freq, 1e-9)
	assert.InDelta(t, 20, electrical, 1e-9)

	snap := r.c.Snapshot()
	assert.Equal(t, session.Building, snap.Session.State)
	assert.InDelta(t, 40, snap.Output.Intensity, 1e-9)
}

func TestController_CorrectionAppliedLast(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	r.hw.SetSealPressure(hal.Float(40))
	require.NoError(t, r.c.SafetyTick(r.clk.Now()))
	assert.InDelta(t, 45, r.hw.Intensity(), 1e-9)

	// The session halts on Detached but the correction still drives the pump.
	r.clk.Advance(50 * time.Millisecond)
	_ = r.c.SessionTick(r.clk.Now())
	assert.Equal(t, session.Error, r.c.Engine().State())

	intensity, valves, freq, electrical := r.hw.Outputs()
	assert.InDelta(t, 45, intensity, 1e-9)
	assert.True(t, valves.Intake)
	assert.Zero(t, freq)
	assert.Zero(t, electrical)
	assert.False(t, r.c.EmergencyStopped())
}

func TestController_HardMaxClamp(t *testing.T) {
	r := newRig(t, func(c *config.Config) {
		c.Limits.MaxIntensity = 30
		c.Session.MaxIntensity = 30
	})
	r.manual(80)

	for range 5 {
		r.step()
		assert.LessOrEqual(t, r.hw.Intensity(), 30.0)
	}

	// A correction is clamped to the same limit.
	r.hw.SetSealPressure(hal.Float(40))
	for range 20 {
		r.clk.Advance(100 * time.Millisecond)
		_ = r.c.SafetyTick(r.clk.Now())
		assert.LessOrEqual(t, r.hw.Intensity(), 30.0)
	}
}

func TestController_ElectricalGatedBySeal(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)

	r.hw.SetSealPressure(hal.Float(52))
	r.step()
	require.Equal(t, safety.Risk, r.c.Monitor().Status().State)
	_, _, freq, electrical := r.hw.Outputs()
	assert.Zero(t, electrical)
	assert.Zero(t, freq)
	assert.InDelta(t, 40, r.hw.Intensity(), 1e-9)

	r.hw.SetSealPressure(hal.Float(70))
	r.step()
	require.Equal(t, safety.Attached, r.c.Monitor().Status().State)
	_, _, _, electrical = r.hw.Outputs()
	assert.InDelta(t, 20, electrical, 1e-9)
}

func TestController_EmergencyStopAndReset(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	r.c.EmergencyStop(nil)
	r.c.EmergencyStop(errors.New("again"))

	assert.True(t, r.c.EmergencyStopped())
	assert.True(t, r.hw.Vented())
	assert.Zero(t, r.hw.Intensity())
	assert.Equal(t, session.Stopped, r.c.Engine().State())
	assert.Equal(t, 1, r.rec.Count(events.EmergencyStopActivated))
	assert.Equal(t, fault.ErrEmergencyStop.Error(), r.c.Snapshot().EmergencyReason)

	// Ticks write nothing while latched.
	r.step()
	assert.Zero(t, r.hw.Intensity())

	err := r.c.StartSession(context.Background(), session.DefaultConfig(session.Manual))
	require.ErrorIs(t, err, fault.ErrEmergencyStop)

	require.NoError(t, r.c.Reset(context.Background()))
	assert.False(t, r.c.EmergencyStopped())
	assert.Equal(t, 1, r.rec.Count(events.EmergencyStopCleared))
	assert.Empty(t, r.c.Snapshot().EmergencyReason)

	r.manual(30)
	r.step()
	assert.InDelta(t, 30, r.hw.Intensity(), 1e-9)
}

func TestController_ResetNeedsPassingSelfTest(t *testing.T) {
	r := newRig(t, nil)
	r.c.EmergencyStop(nil)

	r.hw.SetSealPressure(hal.Float(math.NaN()))
	err := r.c.Reset(context.Background())
	require.ErrorIs(t, err, fault.ErrSelfTestRequired)
	assert.True(t, r.c.EmergencyStopped())
}

func TestController_HardwareFault(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	r.hw.SetFault(errors.New("usb unplugged"))
	r.clk.Advance(100 * time.Millisecond)
	err := r.c.SessionTick(r.clk.Now())
	require.ErrorIs(t, err, fault.ErrHardwareFault)

	assert.Equal(t, session.Error, r.c.Engine().State())
	assert.Equal(t, 1, r.rec.Count(events.HardwareFault))
	assert.Zero(t, r.c.Snapshot().Output.Intensity)

	// No retry: the session stays in Error after the device recovers.
	r.hw.SetFault(nil)
	r.step()
	assert.Equal(t, session.Error, r.c.Engine().State())
	assert.Zero(t, r.hw.Intensity())
}

func TestController_SealReadErrorsRaiseEmergencyStop(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	r.hw.SetSealPressure(hal.Float(-1))
	for range 11 {
		r.clk.Advance(10 * time.Millisecond)
		_ = r.c.SafetyTick(r.clk.Now())
	}

	assert.Equal(t, safety.SystemError, r.c.Monitor().Status().State)
	assert.True(t, r.c.EmergencyStopped())
	assert.True(t, r.hw.Vented())
	assert.Equal(t, session.Stopped, r.c.Engine().State())

	err := r.c.StartSession(context.Background(), session.DefaultConfig(session.Manual))
	require.ErrorIs(t, err, fault.ErrEmergencyStop)

	r.hw.SetSealPressure(hal.Float(70))
	require.NoError(t, r.c.Reset(context.Background()))
	assert.Equal(t, safety.Attached, r.c.Monitor().Status().State)
}

func TestController_SignalLostRaisesEmergencyStop(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	r.hw.SetSecondaryPressure(hal.Float(math.NaN()))
	for range 5 {
		r.clk.Advance(100 * time.Millisecond)
		_ = r.c.SessionTick(r.clk.Now())
	}

	assert.True(t, r.c.Estimator().SignalLost())
	assert.Equal(t, safety.SystemError, r.c.Monitor().Status().State)
	assert.True(t, r.c.EmergencyStopped())
	assert.Equal(t, 1, r.rec.Count(events.SignalLost))
}

func TestController_StartSessionRejectsInvalidConfig(t *testing.T) {
	r := newRig(t, nil)

	err := r.c.StartSession(context.Background(), session.Config{Mode: session.Adaptive})
	require.ErrorIs(t, err, fault.ErrConfigurationInvalid)

	cfg := session.DefaultConfig(session.Manual)
	cfg.HeartRateWeight = 0.7
	err = r.c.StartSession(context.Background(), cfg)
	require.ErrorIs(t, err, fault.ErrConfigurationInvalid)
	assert.Equal(t, session.Stopped, r.c.Engine().State())
}

func TestController_PauseZeroesOutput(t *testing.T) {
	r := newRig(t, nil)
	r.manual(40)
	r.step()

	require.NoError(t, r.c.Pause())
	assert.Zero(t, r.hw.Intensity())
	r.step()
	assert.Zero(t, r.hw.Intensity())

	require.NoError(t, r.c.Resume())
	r.step()
	assert.InDelta(t, 40, r.hw.Intensity(), 1e-9)

	require.NoError(t, r.c.StopSession())
	assert.Zero(t, r.hw.Intensity())
	assert.Equal(t, session.Stopped, r.c.Engine().State())
}

func TestController_Run(t *testing.T) {
	cfg := config.Default()
	cfg.Session.CalibrationDuration = 250 * time.Millisecond
	cfg.Estimator.MinCalibrationSamples = 1
	hw := hal.NewMock(&cfg.Hardware.Mock, nil)
	require.NoError(t, hw.Connect())
	hw.SetSealPressure(hal.Float(70))

	rec := events.NewRecorder()
	c := New(cfg, hw, nil, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	scfg := session.Config{
		Mode:   session.Manual,
		Phases: []session.Phase{{Name: "steady", TargetIntensity: 25, Duration: time.Hour}},
	}
	require.NoError(t, c.StartSession(ctx, scfg))

	assert.Eventually(t, func() bool {
		return math.Abs(hw.Intensity()-25) < 1e-9
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, session.Stopped, c.Engine().State())
	assert.Zero(t, hw.Intensity())
	assert.True(t, hw.Vented())
	assert.Equal(t, safety.Idle, c.Monitor().Status().Monitoring)
}

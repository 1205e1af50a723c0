package session

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/estimator"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/fsm"
	"github.com/itohio/gostim/pkg/hal"
	"github.com/itohio/gostim/pkg/safety"
)

const tick = 100 * time.Millisecond

var epoch = time.Unix(1700000000, 0)

type harness struct {
	t   *testing.T
	e   *Engine
	clk *clock.Fake
	rec *events.Recorder
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewFake(epoch)
	rec := events.NewRecorder()
	return &harness{
		t:   t,
		e:   New(cfg.Session, cfg.Limits, clk, rec, nil),
		clk: clk,
		rec: rec,
	}
}

func (h *harness) start(cfg Config) {
	h.t.Helper()
	require.NoError(h.t, h.e.Start(context.Background(), cfg))
}

func (h *harness) step(level float64, st safety.State) hal.Command {
	h.clk.Advance(tick)
	return h.e.Tick(TickInput{
		Now:      h.clk.Now(),
		Estimate: estimator.StateEstimate{Level: level, Valid: true},
		Safety:   safety.Status{State: st, Monitoring: safety.Active},
	})
}

func (h *harness) transitions() []fsm.Transition[State] {
	var out []fsm.Transition[State]
	for _, e := range h.rec.Events() {
		if e.Kind == events.SessionStateChanged {
			out = append(out, e.Payload.(fsm.Transition[State]))
		}
	}
	return out
}

func (h *harness) count(from, to State) int {
	n := 0
	for _, tr := range h.transitions() {
		if tr.From == from && tr.To == to {
			n++
		}
	}
	return n
}

func TestEngine_StartRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		mode   Mode
	}{
		{"unknown mode", func(c *Config) { c.Mode = "turbo" }, Adaptive},
		{"zero cycles", func(c *Config) { c.TargetCycles = 0 }, Adaptive},
		{"too many cycles", func(c *Config) { c.TargetCycles = 51 }, Adaptive},
		{"edge above one", func(c *Config) { c.EdgeThreshold = 1.5 }, Adaptive},
		{"recovery above edge", func(c *Config) { c.RecoveryThreshold = 0.9 }, Adaptive},
		{"heart rate weight", func(c *Config) { c.HeartRateWeight = 0.6 }, Adaptive},
		{"max duration too long", func(c *Config) { c.MaxDurationMs = int64(5 * time.Hour / time.Millisecond) }, Adaptive},
		{"negative duration", func(c *Config) { c.MaxDurationMs = -1 }, Forced},
		{"zero peaks", func(c *Config) { c.TargetPeaks = 0 }, Forced},
		{"too many peaks", func(c *Config) { c.TargetPeaks = 60 }, Forced},
		{"manual without pattern", func(c *Config) { c.Pattern = "" }, Manual},
		{"unknown pattern", func(c *Config) { c.Pattern = "disco" }, Manual},
		{"phase without duration", func(c *Config) { c.Phases = []Phase{{Name: "x", TargetIntensity: 10}} }, Manual},
		{"phase intensity", func(c *Config) { c.Phases = []Phase{{Name: "x", TargetIntensity: 120, Duration: time.Second}} }, Manual},
		{"cycle start intensity", func(c *Config) { c.CycleStartIntensities = []float64{20, 140} }, MultiCycle},
		{"multi cycle zero cycles", func(c *Config) { c.TargetCycles = 0 }, MultiCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			cfg := DefaultConfig(tt.mode)
			tt.mutate(&cfg)

			err := h.e.Start(context.Background(), cfg)
			require.ErrorIs(t, err, fault.ErrConfigurationInvalid)
			assert.Equal(t, Stopped, h.e.State())
			assert.Empty(t, h.rec.Events())
		})
	}
}

func TestEngine_StartWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.start(DefaultConfig(Manual))

	err := h.e.Start(context.Background(), DefaultConfig(Adaptive))
	require.ErrorIs(t, err, fault.ErrInvalidTransition)
	assert.Equal(t, Manual, h.e.Config().Mode)
}

func TestEngine_AdaptiveSingleCycle(t *testing.T) {
	h := newHarness(t, nil)
	cfg := DefaultConfig(Adaptive)
	cfg.EdgeThreshold = 0.85
	cfg.TargetCycles = 1
	h.start(cfg)
	require.Equal(t, Building, h.e.State())

	// Synthetic ramp 0 -> 1.0 over 10 s, then held at 1.0.
	for i := 1; i <= 2000 && h.e.State() != Stopped; i++ {
		level := min(1.0, float64(i)*0.01)
		h.step(level, safety.Attached)
	}

	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, 1, h.count(Building, BackingOff))
	assert.Equal(t, 1, h.count(CoolingDown, Stopped))

	trs := h.transitions()
	require.NotEmpty(t, trs)
	assert.Equal(t, CoolingDown, trs[len(trs)-1].From)

	stats := h.e.Stats()
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 1, stats.Cycles)
	assert.Equal(t, ReasonTargetCycles, stats.Reason)
	assert.Equal(t, 1, h.rec.Count(events.EdgeDetected))
	assert.Equal(t, 1, h.rec.Count(events.SessionCompleted))
}

func TestEngine_AdaptiveBackoffAndHold(t *testing.T) {
	h := newHarness(t, nil)
	cfg := DefaultConfig(Adaptive)
	cfg.TargetCycles = 2
	h.start(cfg)

	var cmd hal.Command
	for range 10 {
		cmd = h.step(0.2, safety.Attached)
	}
	assert.InDelta(t, 22, cmd.Intensity, 1e-9) // 20% + 2%/s for 1 s

	cmd = h.step(0.9, safety.Attached)
	require.Equal(t, BackingOff, h.e.State())
	assert.InDelta(t, 22.2*0.3, cmd.Intensity, 1e-9)

	// Minimum backoff is enforced even though the level recovered at once.
	for range 49 {
		h.step(0.3, safety.Attached)
	}
	assert.Equal(t, BackingOff, h.e.State())
	cmd = h.step(0.3, safety.Attached)
	assert.Equal(t, Holding, h.e.State())
	assert.InDelta(t, 10, cmd.Intensity, 1e-9)

	for range 100 {
		cmd = h.step(0.3, safety.Attached)
	}
	assert.Equal(t, Building, h.e.State())
	assert.InDelta(t, 30, cmd.Intensity, 1e-9, "second cycle starts higher")
	assert.Equal(t, 1, h.e.Snapshot().Runtime.CycleCount)
}

func TestEngine_RiskFreezesRamp(t *testing.T) {
	h := newHarness(t, nil)
	h.start(DefaultConfig(Adaptive))

	var cmd hal.Command
	for range 5 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.InDelta(t, 21, cmd.Intensity, 1e-9)

	for range 5 {
		cmd = h.step(0.1, safety.Risk)
	}
	assert.InDelta(t, 21, cmd.Intensity, 1e-9)

	cmd = h.step(0.1, safety.Warning)
	assert.InDelta(t, 21.2, cmd.Intensity, 1e-9)
}

func TestEngine_ForcedMaxDuration(t *testing.T) {
	h := newHarness(t, nil)
	cfg := DefaultConfig(Forced)
	cfg.MaxDurationMs = 1000
	h.start(cfg)
	require.Equal(t, Forcing, h.e.State())

	for range 9 {
		h.step(0.3, safety.Attached)
		require.Equal(t, Forcing, h.e.State())
	}

	h.step(0.3, safety.Attached)
	assert.Equal(t, CoolingDown, h.e.State())
	assert.Equal(t, epoch.Add(1000*time.Millisecond), h.e.StateSince())
	assert.Zero(t, h.rec.Count(events.PeakDetected))

	for range 40 {
		h.step(0.3, safety.Attached)
	}
	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, ReasonMaxDuration, h.e.Stats().Reason)
}

func TestEngine_ForcedPeak(t *testing.T) {
	h := newHarness(t, nil)
	cfg := DefaultConfig(Forced)
	cfg.TargetPeaks = 2
	h.start(cfg)

	cmd := h.step(0.5, safety.Attached)
	assert.InDelta(t, 75, cmd.Intensity, 1e-9)
	assert.False(t, cmd.HeightenedSafety)

	cmd = h.step(0.95, safety.Attached)
	assert.Equal(t, 1, h.rec.Count(events.PeakDetected))
	assert.InDelta(t, 85, cmd.Intensity, 1e-9)
	assert.True(t, cmd.HeightenedSafety)
	assert.Equal(t, Forcing, h.e.State())

	for range 100 {
		cmd = h.step(0.95, safety.Attached)
	}
	assert.Equal(t, Holding, h.e.State())
	assert.InDelta(t, 5, cmd.Intensity, 1e-9)

	for range 30 {
		cmd = h.step(0.5, safety.Attached)
	}
	assert.Equal(t, Forcing, h.e.State())
	assert.InDelta(t, 75, cmd.Intensity, 1e-9)

	h.step(0.95, safety.Attached)
	for range 100 {
		h.step(0.95, safety.Attached)
	}
	assert.Equal(t, CoolingDown, h.e.State())
	assert.Equal(t, 2, h.e.Snapshot().Runtime.PeakCount)
}

func TestEngine_AntiEscape(t *testing.T) {
	h := newHarness(t, nil)
	h.start(DefaultConfig(Forced))

	h.step(0.6, safety.Attached)
	h.step(0.6, safety.Attached)

	var cmd hal.Command
	for range 10 {
		cmd = h.step(0.4, safety.Attached)
	}
	assert.Equal(t, 1, h.rec.Count(events.AntiEscapeEngaged))
	assert.InDelta(t, 80, cmd.Intensity, 1e-6)
	assert.InDelta(t, 12, cmd.Frequency, 1e-6)
	assert.True(t, h.e.Snapshot().AntiEscape)

	// Bounded by the configured maxima.
	for range 600 {
		cmd = h.step(0.4, safety.Attached)
	}
	assert.InDelta(t, 85, cmd.Intensity, 1e-6)
	assert.LessOrEqual(t, cmd.Frequency, 60.0)

	// Releases once the level is back near the reference.
	h.step(0.58, safety.Attached)
	assert.False(t, h.e.Snapshot().AntiEscape)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.e.Stop()
	assert.Empty(t, h.rec.Events())

	h.start(DefaultConfig(Manual))
	h.step(0.1, safety.Attached)

	h.e.Stop()
	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, 1, h.rec.Count(events.SessionStopped))
	assert.Equal(t, 1, h.rec.Count(events.SessionCompleted))

	h.e.Stop()
	h.e.EmergencyStop()
	assert.Equal(t, 1, h.rec.Count(events.SessionStopped))

	cmd := h.step(0.1, safety.Attached)
	assert.Equal(t, hal.Zero(), cmd)
}

func TestEngine_SafetyHaltZeroesWithinOneTick(t *testing.T) {
	for _, st := range []safety.State{safety.Detached, safety.SystemError} {
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(DefaultConfig(Adaptive))
			for range 5 {
				require.Positive(t, h.step(0.2, safety.Attached).Intensity)
			}

			cmd := h.step(0.2, st)
			assert.Zero(t, cmd.Intensity)
			assert.Zero(t, cmd.Electrical)
			assert.Equal(t, Error, h.e.State())

			for range 3 {
				assert.Zero(t, h.step(0.2, safety.Attached).Intensity)
			}

			stats := h.e.Stats()
			assert.Equal(t, Error, stats.Final)
			assert.Contains(t, stats.Reason, ReasonSafety)

			require.NoError(t, h.e.Reset())
			assert.Equal(t, Stopped, h.e.State())
		})
	}
}

func TestEngine_EmergencyStopFlag(t *testing.T) {
	h := newHarness(t, nil)
	h.start(DefaultConfig(Forced))
	h.step(0.5, safety.Attached)

	h.clk.Advance(tick)
	cmd := h.e.Tick(TickInput{Now: h.clk.Now(), Safety: safety.Status{State: safety.Attached}, EmergencyStop: true})
	assert.Equal(t, hal.Zero(), cmd)
	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, ReasonEmergencyStop, h.e.Stats().Reason)
}

func TestEngine_FaultAndReset(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.Reset())

	h.start(DefaultConfig(Manual))
	require.ErrorIs(t, h.e.Reset(), fault.ErrInvalidTransition)

	h.e.Fault(fmt.Errorf("write intensity: %w", fault.ErrHardwareFault))
	assert.Equal(t, Error, h.e.State())
	assert.Contains(t, h.e.Stats().Reason, ReasonHardwareFault)

	// Error is terminal for Stop and Start.
	h.e.Stop()
	assert.Equal(t, Error, h.e.State())
	require.ErrorIs(t, h.e.Start(context.Background(), DefaultConfig(Manual)), fault.ErrInvalidTransition)

	require.NoError(t, h.e.Reset())
	h.start(DefaultConfig(Manual))
}

func TestEngine_PauseResume(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.e.Pause(), fault.ErrNotRunning)

	cfg := DefaultConfig(Manual)
	cfg.Pattern = "constant"
	h.start(cfg)

	for range 5 {
		assert.InDelta(t, 40, h.step(0.1, safety.Attached).Intensity, 1e-9)
	}

	require.NoError(t, h.e.Pause())
	assert.Zero(t, h.step(0.1, safety.Attached).Intensity)
	h.clk.Advance(10 * time.Minute)

	require.NoError(t, h.e.Resume())
	snap := h.e.Snapshot()
	assert.False(t, snap.Paused)
	assert.Equal(t, 500*time.Millisecond, snap.Runtime.SessionElapsed)
	assert.InDelta(t, 40, h.step(0.1, safety.Attached).Intensity, 1e-9)
}

func TestEngine_Calibration(t *testing.T) {
	t.Run("runs before the first phase", func(t *testing.T) {
		h := newHarness(t, nil)
		calls := 0
		h.e.SetCalibrator(func(context.Context) error {
			calls++
			assert.Equal(t, Calibrating, h.e.State())
			return nil
		})

		h.start(DefaultConfig(Adaptive))
		assert.Equal(t, 1, calls)
		assert.Equal(t, Building, h.e.State())
	})

	t.Run("failure stops the session", func(t *testing.T) {
		h := newHarness(t, nil)
		h.e.SetCalibrator(func(context.Context) error {
			return fmt.Errorf("collected 2 samples: %w", fault.ErrCalibrationFailed)
		})

		err := h.e.Start(context.Background(), DefaultConfig(Adaptive))
		require.ErrorIs(t, err, fault.ErrCalibrationFailed)
		assert.Equal(t, Stopped, h.e.State())
		assert.Equal(t, ReasonCalibrationFailed, h.e.Stats().Reason)
	})

	t.Run("skipped on request", func(t *testing.T) {
		h := newHarness(t, nil)
		h.e.SetCalibrator(func(context.Context) error {
			t.Fatal("calibrator must not run")
			return nil
		})

		cfg := DefaultConfig(Adaptive)
		cfg.SkipCalibration = true
		h.start(cfg)
	})
}

func TestEngine_ManualPhases(t *testing.T) {
	h := newHarness(t, nil)
	rampTo := 30.0
	cfg := Config{
		Mode: Manual,
		Phases: []Phase{
			{Name: "ramp", TargetIntensity: 10, RampTo: &rampTo, Duration: time.Second},
			{Name: "gentle", TargetIntensity: 50, Duration: time.Second, GentleMode: true},
		},
	}
	h.start(cfg)

	var cmd hal.Command
	for range 5 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.InDelta(t, 20, cmd.Intensity, 1e-9)

	for range 5 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.Equal(t, "gentle", h.e.Snapshot().Runtime.Phase)
	assert.InDelta(t, 40, cmd.Intensity, 1e-9, "gentle mode cap")

	for range 10 {
		h.step(0.1, safety.Attached)
	}
	assert.Equal(t, CoolingDown, h.e.State())
}

func TestEngine_ManualPhaseKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.start(Config{
		Mode:            Manual,
		SkipCalibration: true,
		Phases: []Phase{
			{Name: "a", Kind: KindBackoff, TargetIntensity: 30, Duration: time.Second},
			{Name: "b", Kind: KindPlay, TargetIntensity: 40, Duration: time.Second},
			{Name: "c", Kind: KindForce, TargetIntensity: 50, Duration: time.Second},
		},
	})
	assert.Equal(t, Holding, h.e.State())

	cmd := h.step(0.1, safety.Attached)
	assert.InDelta(t, 30, cmd.Intensity, 1e-9)

	for range 10 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.Equal(t, "b", h.e.Snapshot().Runtime.Phase)
	assert.Equal(t, Building, h.e.State())
	assert.InDelta(t, 40, cmd.Intensity, 1e-9)

	for range 10 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.Equal(t, "c", h.e.Snapshot().Runtime.Phase)
	assert.Equal(t, Building, h.e.State())
	assert.InDelta(t, 50, cmd.Intensity, 1e-9)

	for range 10 {
		h.step(0.1, safety.Attached)
	}
	assert.Equal(t, CoolingDown, h.e.State())
}

func TestEngine_RejectedPhaseAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.start(Config{
		Mode:            Manual,
		SkipCalibration: true,
		Phases: []Phase{
			{Name: "a", TargetIntensity: 30, Duration: time.Second},
			{Name: "b", TargetIntensity: 40, Duration: time.Second},
		},
	})
	h.e.plan.Phases[1].Kind = KindForce

	var cmd hal.Command
	for range 11 {
		cmd = h.step(0.1, safety.Attached)
	}
	assert.Equal(t, Error, h.e.State())
	assert.Zero(t, cmd.Intensity)
	assert.Equal(t, ReasonInvalidPhase+": b", h.e.Stats().Reason)

	require.NoError(t, h.e.Reset())
	assert.Equal(t, Stopped, h.e.State())
}

func TestEngine_MultiCycle(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Session.CycleDuration = 2 * time.Second
		c.Session.RecoveryDuration = time.Second
	})
	cfg := DefaultConfig(MultiCycle)
	cfg.TargetCycles = 2
	cfg.Pattern = "constant"
	h.start(cfg)

	for i := 0; i < 200 && h.e.State() != Stopped; i++ {
		h.step(0.3, safety.Attached)
	}

	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, 1, h.count(Building, Holding))
	assert.Equal(t, 1, h.count(Holding, Building))
	stats := h.e.Stats()
	assert.Equal(t, 2, stats.Cycles)
	assert.Equal(t, ReasonPlanComplete, stats.Reason)
	assert.InDelta(t, 50, stats.MaxIntensity, 1e-9)
}

func TestEngine_MarathonRunsUntilStopped(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Session.CycleDuration = time.Second
		c.Session.RecoveryDuration = time.Second
	})
	cfg := DefaultConfig(Marathon)
	cfg.Pattern = "constant"
	h.start(cfg)

	for range 600 {
		h.step(0.3, safety.Attached)
	}
	require.True(t, h.e.State().Running())
	assert.NotEqual(t, CoolingDown, h.e.State())

	snap := h.e.Snapshot()
	assert.GreaterOrEqual(t, snap.Runtime.CycleCount, 25)

	h.e.Stop()
	assert.Equal(t, Stopped, h.e.State())
	assert.Equal(t, ReasonStopped, h.e.Stats().Reason)
	assert.InDelta(t, 55, h.e.Stats().MaxIntensity, 1e-9)
}

func TestEngine_NeverExceedsHardMax(t *testing.T) {
	for _, mode := range Modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) {
				c.Limits.MaxIntensity = 70
				c.Limits.MaxFrequency = 40
				c.Session.CycleDuration = 5 * time.Second
				c.Session.RecoveryDuration = 2 * time.Second
				c.Session.MinBackoff = time.Second
				c.Session.MaxBackoff = 2 * time.Second
				c.Session.HoldDuration = time.Second
			})
			cfg := DefaultConfig(mode)
			cfg.TargetCycles = max(cfg.TargetCycles, 1)
			if mode == Manual || mode == MultiCycle {
				cfg.Pattern = "escalation"
			}
			h.start(cfg)

			rng := rand.New(rand.NewSource(7))
			states := []safety.State{safety.Attached, safety.Attached, safety.Warning, safety.Risk}
			for range 1200 {
				cmd := h.step(rng.Float64(), states[rng.Intn(len(states))])
				require.GreaterOrEqual(t, cmd.Intensity, 0.0)
				require.LessOrEqual(t, cmd.Intensity, 70.0)
				require.LessOrEqual(t, cmd.Frequency, 40.0)
				require.LessOrEqual(t, cmd.Electrical, 70*0.5)
				if h.e.State() == Stopped {
					h.start(cfg)
				}
			}
		})
	}
}

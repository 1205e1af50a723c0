package session

import (
	"fmt"
	"math"
	"time"

	"github.com/itohio/gostim/pkg/config"
)

// Kind tells the engine how to run a phase.
type Kind string

// Phase kinds.
const (
	KindPlay     Kind = "play"     // Timed playback
	KindRecovery Kind = "recovery" // Low intensity rest between cycles
	KindBuild    Kind = "build"    // Ramp until the edge threshold
	KindBackoff  Kind = "backoff"  // Sharp reduction after an edge
	KindHold     Kind = "hold"     // Fixed low intensity
	KindForce    Kind = "force"    // High fixed intensity until a peak
	KindPostPeak Kind = "postpeak" // Sustained intensity after a peak
	KindPause    Kind = "pause"    // Brief pause before forcing resumes
)

// State returns the engine state a phase of kind k runs in.
func (k Kind) State() State {
	switch k {
	case KindBackoff:
		return BackingOff
	case KindHold, KindRecovery, KindPause:
		return Holding
	case KindForce, KindPostPeak:
		return Forcing
	default:
		return Building
	}
}

// Phase is one step of a session plan.
type Phase struct {
	Name               string        `yaml:"name" json:"name"`
	Kind               Kind          `yaml:"kind" json:"kind" validate:"omitempty,oneof=play recovery build backoff hold force postpeak pause"`
	TargetIntensity    float64       `yaml:"target_intensity" json:"target_intensity" validate:"gte=0,lte=100"`
	Duration           time.Duration `yaml:"duration" json:"duration" validate:"gte=0,lte=4h"`
	RampTo             *float64      `yaml:"ramp_to,omitempty" json:"ramp_to,omitempty" validate:"omitempty,gte=0,lte=100"`
	VariationAmplitude float64       `yaml:"variation_amplitude" json:"variation_amplitude,omitempty" validate:"gte=0,lte=100"`
	VariationPeriod    time.Duration `yaml:"variation_period" json:"variation_period,omitempty" validate:"gte=0"`
	Frequency          float64       `yaml:"frequency" json:"frequency,omitempty" validate:"gte=0"`
	Cycle              int           `yaml:"cycle" json:"cycle"`
	HeightenedSafety   bool          `yaml:"heightened_safety" json:"heightened_safety,omitempty"`
	GentleMode         bool          `yaml:"gentle_mode" json:"gentle_mode,omitempty"`
}

// IntensityAt returns the shaped intensity elapsed into the phase: the ramp
// from TargetIntensity to RampTo, plus the sinusoidal variation. Duration 0
// with a ramp holds the start value.
func (p Phase) IntensityAt(elapsed time.Duration) float64 {
	v := p.TargetIntensity
	if p.RampTo != nil && p.Duration > 0 {
		frac := math.Min(1, math.Max(0, float64(elapsed)/float64(p.Duration)))
		v += (*p.RampTo - p.TargetIntensity) * frac
	}
	if p.VariationAmplitude > 0 && p.VariationPeriod > 0 {
		v += p.VariationAmplitude * math.Sin(2*math.Pi*float64(elapsed)/float64(p.VariationPeriod))
	}
	return v
}

// Plan is the immutable sequence of phases for one session.
type Plan struct {
	Phases []Phase `json:"phases"`
	// LoopFrom is the phase index playback restarts from after the last
	// phase; -1 ends the plan.
	LoopFrom int `json:"loop_from"`
}

// Len returns the number of phases.
func (p Plan) Len() int { return len(p.Phases) }

// Next returns the index after i, following LoopFrom, and whether the plan continues.
func (p Plan) Next(i int) (int, bool) {
	if i+1 < len(p.Phases) {
		return i + 1, true
	}
	if p.LoopFrom >= 0 && p.LoopFrom < len(p.Phases) {
		return p.LoopFrom, true
	}
	return 0, false
}

// EndsCycle reports whether phase i is the last stimulating phase of its cycle.
func (p Plan) EndsCycle(i int) bool {
	if p.Phases[i].Kind == KindRecovery {
		return false
	}
	next, ok := p.Next(i)
	if !ok || next <= i {
		return true
	}
	n := p.Phases[next]
	return n.Kind == KindRecovery || n.Cycle != p.Phases[i].Cycle
}

// playbackKind maps a user phase kind onto the two kinds playback runs:
// rest-like kinds become recovery, everything else plays.
func playbackKind(k Kind) Kind {
	switch k {
	case KindRecovery, KindHold, KindPause, KindBackoff:
		return KindRecovery
	default:
		return KindPlay
	}
}

// startIntensity returns the start intensity of cycle c: the per-cycle
// value if configured, the last configured value for later cycles.
func startIntensity(starts []float64, fallback float64, c int) float64 {
	if len(starts) == 0 {
		return fallback
	}
	return starts[min(c, len(starts)-1)]
}

// BuildPlan expands cfg into a plan. Per-cycle variants are pre-expanded so
// the plan never changes once the session runs.
func BuildPlan(cfg Config, tuning config.SessionConfig) (Plan, error) {
	starts := cfg.CycleStartIntensities
	if len(starts) == 0 {
		starts = tuning.CycleStartIntensities
	}

	switch cfg.Mode {
	case Manual:
		if len(cfg.Phases) > 0 {
			phases := make([]Phase, len(cfg.Phases))
			copy(phases, cfg.Phases)
			for i := range phases {
				phases[i].Kind = playbackKind(phases[i].Kind)
			}
			return Plan{Phases: phases, LoopFrom: -1}, nil
		}
		phases, err := PatternPhases(cfg.Pattern, tuning.StartIntensity, tuning.CycleDuration, 0)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Phases: phases, LoopFrom: -1}, nil

	case Adaptive:
		var phases []Phase
		maxI := tuning.MaxIntensity
		for c := range cfg.TargetCycles {
			phases = append(phases,
				Phase{Name: fmt.Sprintf("build-%d", c+1), Kind: KindBuild, Cycle: c, TargetIntensity: startIntensity(starts, tuning.StartIntensity, c), RampTo: &maxI},
				Phase{Name: fmt.Sprintf("backoff-%d", c+1), Kind: KindBackoff, Cycle: c, Duration: tuning.MaxBackoff},
				Phase{Name: fmt.Sprintf("hold-%d", c+1), Kind: KindHold, Cycle: c, TargetIntensity: tuning.HoldIntensity, Duration: tuning.HoldDuration},
			)
		}
		return Plan{Phases: phases, LoopFrom: -1}, nil

	case Forced:
		return Plan{
			Phases: []Phase{
				{Name: "force", Kind: KindForce, TargetIntensity: tuning.ForceIntensity},
				{Name: "post-peak", Kind: KindPostPeak, TargetIntensity: tuning.ForceIntensity + tuning.PeakBoost, Duration: tuning.PostPeakWindow, HeightenedSafety: cfg.HeightenedSafetyDuringPeaks},
				{Name: "pause", Kind: KindPause, TargetIntensity: tuning.PauseIntensity, Duration: tuning.PeakPause},
			},
			LoopFrom: 0,
		}, nil

	case MultiCycle, Marathon:
		cycles := cfg.TargetCycles
		if cfg.Mode == Marathon {
			cycles = tuning.MarathonVariants
		}
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = "wave"
		}

		var (
			phases   []Phase
			loopFrom = -1
		)
		for c := range cycles {
			if cfg.Mode == Marathon && c == cycles-1 {
				loopFrom = len(phases)
			}
			cycle, err := PatternPhases(pattern, startIntensity(starts, tuning.StartIntensity, c), tuning.CycleDuration, c)
			if err != nil {
				return Plan{}, err
			}
			phases = append(phases, cycle...)
			if c < cycles-1 || cfg.Mode == Marathon {
				phases = append(phases, Phase{
					Name:            fmt.Sprintf("recovery-%d", c+1),
					Kind:            KindRecovery,
					Cycle:           c,
					TargetIntensity: tuning.RecoveryIntensity,
					Duration:        tuning.RecoveryDuration,
				})
			}
		}
		return Plan{Phases: phases, LoopFrom: loopFrom}, nil
	}

	return Plan{}, invalid("unknown mode %q", cfg.Mode)
}

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/itohio/gostim/pkg/fault"
)

// Limits on per-session options.
const (
	MaxCount       = 50
	MaxSessionTime = 4 * time.Hour
)

// Config holds the per-session choices. Engine tuning constants live in
// config.SessionConfig.
type Config struct {
	Mode                        Mode      `yaml:"mode" json:"mode" validate:"required,oneof=manual adaptive forced multi_cycle marathon"`
	TargetCycles                int       `yaml:"target_cycles" json:"target_cycles" validate:"gte=0,lte=50"`
	TargetPeaks                 int       `yaml:"target_peaks" json:"target_peaks" validate:"gte=0,lte=50"`
	MaxDurationMs               int64     `yaml:"max_duration_ms" json:"max_duration_ms" validate:"gte=0,lte=14400000"`
	EdgeThreshold               float64   `yaml:"edge_threshold" json:"edge_threshold" validate:"gte=0,lte=1"`
	PeakThreshold               float64   `yaml:"peak_threshold" json:"peak_threshold" validate:"gte=0,lte=1"`
	RecoveryThreshold           float64   `yaml:"recovery_threshold" json:"recovery_threshold" validate:"gte=0,lte=1"`
	HeightenedSafetyDuringPeaks bool      `yaml:"heightened_safety_during_peaks" json:"heightened_safety_during_peaks"`
	HeartRateWeight             float64   `yaml:"heart_rate_weight" json:"heart_rate_weight" validate:"gte=0,lte=0.5"`
	Pattern                     string    `yaml:"pattern" json:"pattern,omitempty" validate:"omitempty,oneof=constant wave pulse escalation tease"`
	Phases                      []Phase   `yaml:"phases" json:"phases,omitempty" validate:"omitempty,max=256,dive"`
	CycleStartIntensities       []float64 `yaml:"cycle_start_intensities" json:"cycle_start_intensities,omitempty" validate:"omitempty,max=50,dive,gte=0,lte=100"`
	SkipCalibration             bool      `yaml:"skip_calibration" json:"skip_calibration"`
}

// MaxDuration returns MaxDurationMs as a duration (0 means unbounded).
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMs) * time.Millisecond
}

// DefaultConfig returns a reasonable configuration for mode.
func DefaultConfig(mode Mode) Config {
	cfg := Config{
		Mode:              mode,
		EdgeThreshold:     0.85,
		PeakThreshold:     0.9,
		RecoveryThreshold: 0.5,
	}

	switch mode {
	case Manual:
		cfg.Pattern = "wave"
	case Adaptive:
		cfg.TargetCycles = 3
	case Forced:
		cfg.TargetPeaks = 1
		cfg.MaxDurationMs = int64((30 * time.Minute) / time.Millisecond)
		cfg.HeightenedSafetyDuringPeaks = true
	case MultiCycle:
		cfg.TargetCycles = 3
		cfg.Pattern = "wave"
	case Marathon:
		cfg.Pattern = "wave"
	}
	return cfg
}

//nolint:gochecknoglobals // Shared validator with cached struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the mode-specific requirements. Failures
// wrap fault.ErrConfigurationInvalid.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return invalid("%s", describe(err))
	}

	switch c.Mode {
	case Manual:
		if c.Pattern == "" && len(c.Phases) == 0 {
			return invalid("manual mode needs a pattern or phases")
		}
	case Adaptive:
		if c.TargetCycles < 1 {
			return invalid("adaptive mode needs target_cycles in [1, %d]", MaxCount)
		}
		if c.EdgeThreshold <= 0 {
			return invalid("adaptive mode needs a positive edge_threshold")
		}
		if c.RecoveryThreshold >= c.EdgeThreshold {
			return invalid("recovery_threshold %.2f must be below edge_threshold %.2f", c.RecoveryThreshold, c.EdgeThreshold)
		}
	case Forced:
		if c.TargetPeaks < 1 {
			return invalid("forced mode needs target_peaks in [1, %d]", MaxCount)
		}
		if c.PeakThreshold <= 0 {
			return invalid("forced mode needs a positive peak_threshold")
		}
	case MultiCycle:
		if c.TargetCycles < 1 {
			return invalid("multi_cycle mode needs target_cycles in [1, %d]", MaxCount)
		}
	}

	for i, p := range c.Phases {
		if p.Duration <= 0 {
			return invalid("phase %d (%s) needs a positive duration", i, p.Name)
		}
	}
	return nil
}

// describe flattens validator errors into one line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", fault.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

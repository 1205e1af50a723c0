package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/itohio/gostim/pkg/fault"
)

// Config represents the controller configuration.
type Config struct {
	Hardware  HardwareConfig  `yaml:"hardware"`
	Limits    LimitsConfig    `yaml:"limits"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Safety    SafetyConfig    `yaml:"safety"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HardwareConfig selects and configures the hardware boundary.
type HardwareConfig struct {
	Driver string       `yaml:"driver" validate:"oneof=serial mock"`
	Serial SerialConfig `yaml:"serial"`
	Mock   MockConfig   `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port       string        `yaml:"port"`
	BaudRate   int           `yaml:"baud_rate" validate:"gte=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"` // Samples older than this are a hardware fault
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	SealPressure      float64       `yaml:"seal_pressure"`      // Seal vacuum (mmHg) with the pump idle
	PumpGain          float64       `yaml:"pump_gain"`          // mmHg of seal vacuum per % commanded intensity
	LeakRate          float64       `yaml:"leak_rate"`          // mmHg/s lost while the pump is idle
	NoiseLevel        float64       `yaml:"noise_level"`        // Sensor noise amplitude
	SecondaryBaseline float64       `yaml:"secondary_baseline"` // Resting secondary pressure (mmHg)
	ResponseGain      float64       `yaml:"response_gain"`      // Secondary pressure rise per % intensity
	RhythmHz          float64       `yaml:"rhythm_hz"`          // Frequency of simulated rhythmic activity
	HeartRate         bool          `yaml:"heart_rate"`         // Simulate the optional heart rate channel
	SampleRate        time.Duration `yaml:"sample_rate"`
}

// LimitsConfig holds the hard output maxima applied at the hardware boundary.
type LimitsConfig struct {
	MaxIntensity  float64 `yaml:"max_intensity" validate:"gt=0,lte=100"`   // %
	MaxFrequency  float64 `yaml:"max_frequency" validate:"gt=0,lte=200"`   // Hz
	MaxElectrical float64 `yaml:"max_electrical" validate:"gte=0,lte=100"` // %
}

// EstimatorConfig tunes the physiological state estimator.
type EstimatorConfig struct {
	SampleRate            float64         `yaml:"sample_rate" validate:"gt=0"`  // Hz, one sample per session tick
	WindowSize            int             `yaml:"window_size" validate:"gte=4"` // Samples kept for band power
	VarianceWindow        int             `yaml:"variance_window" validate:"gte=2"`
	MaxDeviation          float64         `yaml:"max_deviation" validate:"gt=0"`
	MaxVariance           float64         `yaml:"max_variance" validate:"gt=0"`
	MaxBandPower          float64         `yaml:"max_band_power" validate:"gt=0"`
	BandLowHz             float64         `yaml:"band_low_hz" validate:"gte=0"`
	BandHighHz            float64         `yaml:"band_high_hz" validate:"gtfield=BandLowHz"`
	MaxRateOfChange       float64         `yaml:"max_rate_of_change" validate:"gt=0"` // units/s
	Alpha                 float64         `yaml:"alpha" validate:"gt=0,lte=1"`
	Weights               FeatureWeights  `yaml:"weights"`
	HeartRate             HeartRateConfig `yaml:"heart_rate"`
	Zones                 ZoneBreakpoints `yaml:"zones"`
	MinCalibrationSamples int             `yaml:"min_calibration_samples" validate:"gte=1"`
	MaxConsecutiveInvalid int             `yaml:"max_consecutive_invalid" validate:"gte=1"` // SignalLost on this many invalid samples in a row
	MinPressure           float64         `yaml:"min_pressure"`
	MaxPressure           float64         `yaml:"max_pressure" validate:"gtfield=MinPressure"`
	LevelEpsilon          float64         `yaml:"level_epsilon" validate:"gte=0"`
}

// FeatureWeights are the weights of the four signal features. They sum to 1.
type FeatureWeights struct {
	Deviation    float64 `yaml:"deviation" validate:"gte=0"`
	Variance     float64 `yaml:"variance" validate:"gte=0"`
	BandPower    float64 `yaml:"band_power" validate:"gte=0"`
	RateOfChange float64 `yaml:"rate_of_change" validate:"gte=0"`
}

// Sum returns the total weight.
func (w FeatureWeights) Sum() float64 {
	return w.Deviation + w.Variance + w.BandPower + w.RateOfChange
}

// HeartRateConfig tunes the optional heart rate sub-features.
type HeartRateConfig struct {
	RestingBPM     float64 `yaml:"resting_bpm" validate:"gt=0"`
	MaxBPM         float64 `yaml:"max_bpm" validate:"gtfield=RestingBPM"`
	MaxAccel       float64 `yaml:"max_accel" validate:"gt=0"` // BPM/s
	MaxVariability float64 `yaml:"max_variability" validate:"gt=0"`
	AccelWindow    int     `yaml:"accel_window" validate:"gte=2"`
	ZoneShare      float64 `yaml:"zone_share" validate:"gte=0"`
	AccelShare     float64 `yaml:"accel_share" validate:"gte=0"`
	VarShare       float64 `yaml:"variability_share" validate:"gte=0"`
	MinBPM         float64 `yaml:"min_bpm"` // Readings outside [MinBPM, LimitBPM] are invalid
	LimitBPM       float64 `yaml:"limit_bpm" validate:"gtfield=MinBPM"`
}

// ZoneBreakpoints map a level to a zone: below Rising is Resting, and so on.
type ZoneBreakpoints struct {
	Rising   float64 `yaml:"rising" validate:"gt=0"`
	Plateau  float64 `yaml:"plateau" validate:"gtfield=Rising"`
	Elevated float64 `yaml:"elevated" validate:"gtfield=Plateau"`
	Peak     float64 `yaml:"peak" validate:"gtfield=Elevated,lte=1"`
}

// SafetyConfig tunes the seal safety monitor.
// The warning threshold is numerically above the corrective threshold: seal
// vacuum falls through the warning level before it reaches the corrective one.
type SafetyConfig struct {
	Threshold             float64       `yaml:"threshold" validate:"gt=0"`                      // mmHg, correction below this
	WarningThreshold      float64       `yaml:"warning_threshold" validate:"gtfield=Threshold"` // mmHg
	Hysteresis            float64       `yaml:"hysteresis" validate:"gte=0"`
	ResponseDelay         time.Duration `yaml:"response_delay" validate:"gt=0"`
	HighRiskResponseDelay time.Duration `yaml:"high_risk_response_delay" validate:"gt=0"`
	TickInterval          time.Duration `yaml:"tick_interval" validate:"gt=0"`
	MaxVacuumIncrease     float64       `yaml:"max_vacuum_increase" validate:"gt=0,lte=100"` // percentage points
	CorrectionStep        float64       `yaml:"correction_step" validate:"gt=0"`
	MaxConsecutiveErrors  int           `yaml:"max_consecutive_errors" validate:"gte=1"` // SystemError on the next failed read beyond this count
	MaxCorrectionDuration time.Duration `yaml:"max_correction_duration" validate:"gt=0"`
	MaxPressure           float64       `yaml:"max_pressure" validate:"gt=0"`
}

// SessionConfig holds the session engine tuning constants. Per-session choices
// (mode, targets, thresholds) are passed to Start separately.
type SessionConfig struct {
	TickInterval            time.Duration `yaml:"tick_interval" validate:"gt=0"`
	CalibrationDuration     time.Duration `yaml:"calibration_duration" validate:"gte=0"`
	StartIntensity          float64       `yaml:"start_intensity" validate:"gte=0,lte=100"`
	RampRate                float64       `yaml:"ramp_rate" validate:"gt=0"` // %/s
	MaxIntensity            float64       `yaml:"max_intensity" validate:"gt=0,lte=100"`
	BackoffFactor           float64       `yaml:"backoff_factor" validate:"gte=0,lt=1"`
	MinBackoff              time.Duration `yaml:"min_backoff" validate:"gte=0"`
	MaxBackoff              time.Duration `yaml:"max_backoff" validate:"gtefield=MinBackoff"`
	HoldIntensity           float64       `yaml:"hold_intensity" validate:"gte=0,lte=100"`
	HoldDuration            time.Duration `yaml:"hold_duration" validate:"gte=0"`
	ForceIntensity          float64       `yaml:"force_intensity" validate:"gte=0,lte=100"`
	PeakBoost               float64       `yaml:"peak_boost" validate:"gte=0"`
	PostPeakWindow          time.Duration `yaml:"post_peak_window" validate:"gte=0"`
	PeakPause               time.Duration `yaml:"peak_pause" validate:"gte=0"`
	PauseIntensity          float64       `yaml:"pause_intensity" validate:"gte=0,lte=100"`
	EscapeDelta             float64       `yaml:"escape_delta" validate:"gt=0,lte=1"`
	EscalationRate          float64       `yaml:"escalation_rate" validate:"gte=0"`           // %/s
	FrequencyEscalationRate float64       `yaml:"frequency_escalation_rate" validate:"gte=0"` // Hz/s
	BaseFrequency           float64       `yaml:"base_frequency" validate:"gt=0"`
	MaxFrequency            float64       `yaml:"max_frequency" validate:"gtefield=BaseFrequency"`
	ElectricalRatio         float64       `yaml:"electrical_ratio" validate:"gte=0,lte=1"` // Electrical % per intensity %
	CoolDownDuration        time.Duration `yaml:"cool_down_duration" validate:"gte=0"`
	RecoveryDuration        time.Duration `yaml:"recovery_duration" validate:"gte=0"`
	RecoveryIntensity       float64       `yaml:"recovery_intensity" validate:"gte=0,lte=100"`
	CycleStartIntensities   []float64     `yaml:"cycle_start_intensities" validate:"dive,gte=0,lte=100"`
	GentleMaxIntensity      float64       `yaml:"gentle_max_intensity" validate:"gt=0,lte=100"`
	MarathonVariants        int           `yaml:"marathon_variants" validate:"gte=1"`
	CycleDuration           time.Duration `yaml:"cycle_duration" validate:"gt=0"` // Length of one built-in pattern cycle
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures the MQTT event sink.
type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos" validate:"lte=2"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns a configuration with documented defaults.
func Default() *Config {
	return &Config{
		Hardware: HardwareConfig{
			Driver: "mock",
			Serial: SerialConfig{
				Port:       "/dev/ttyACM0",
				BaudRate:   115200,
				StaleAfter: 250 * time.Millisecond,
			},
			Mock: MockConfig{
				SealPressure:      55,
				PumpGain:          0.6,
				LeakRate:          2,
				NoiseLevel:        0.2,
				SecondaryBaseline: 20,
				ResponseGain:      0.4,
				RhythmHz:          1.0,
				HeartRate:         true,
				SampleRate:        10 * time.Millisecond,
			},
		},
		Limits: LimitsConfig{
			MaxIntensity:  85,
			MaxFrequency:  60,
			MaxElectrical: 60,
		},
		Estimator: EstimatorConfig{
			SampleRate:      10,
			WindowSize:      50,
			VarianceWindow:  10,
			MaxDeviation:    30,
			MaxVariance:     50,
			MaxBandPower:    25,
			BandLowHz:       0.8,
			BandHighHz:      1.2,
			MaxRateOfChange: 20,
			Alpha:           0.15,
			Weights: FeatureWeights{
				Deviation:    0.40,
				Variance:     0.20,
				BandPower:    0.25,
				RateOfChange: 0.15,
			},
			HeartRate: HeartRateConfig{
				RestingBPM:     65,
				MaxBPM:         180,
				MaxAccel:       5,
				MaxVariability: 15,
				AccelWindow:    5,
				ZoneShare:      0.5,
				AccelShare:     0.3,
				VarShare:       0.2,
				MinBPM:         30,
				LimitBPM:       230,
			},
			Zones: ZoneBreakpoints{
				Rising:   0.25,
				Plateau:  0.50,
				Elevated: 0.75,
				Peak:     0.90,
			},
			MinCalibrationSamples: 10,
			MaxConsecutiveInvalid: 5,
			MinPressure:           0,
			MaxPressure:           300,
			LevelEpsilon:          0.01,
		},
		Safety: SafetyConfig{
			Threshold:             50,
			WarningThreshold:      60,
			Hysteresis:            5,
			ResponseDelay:         100 * time.Millisecond,
			HighRiskResponseDelay: 25 * time.Millisecond,
			TickInterval:          10 * time.Millisecond, // 100 Hz
			MaxVacuumIncrease:     20,
			CorrectionStep:        5,
			MaxConsecutiveErrors:  10,
			MaxCorrectionDuration: 10 * time.Second,
			MaxPressure:           300,
		},
		Session: SessionConfig{
			TickInterval:            100 * time.Millisecond, // 10 Hz
			CalibrationDuration:     5 * time.Second,
			StartIntensity:          20,
			RampRate:                2,
			MaxIntensity:            85,
			BackoffFactor:           0.3,
			MinBackoff:              5 * time.Second,
			MaxBackoff:              30 * time.Second,
			HoldIntensity:           10,
			HoldDuration:            10 * time.Second,
			ForceIntensity:          75,
			PeakBoost:               10,
			PostPeakWindow:          10 * time.Second,
			PeakPause:               3 * time.Second,
			PauseIntensity:          5,
			EscapeDelta:             0.15,
			EscalationRate:          5,
			FrequencyEscalationRate: 2,
			BaseFrequency:           10,
			MaxFrequency:            60,
			ElectricalRatio:         0.5,
			CoolDownDuration:        3 * time.Second,
			RecoveryDuration:        60 * time.Second,
			RecoveryIntensity:       5,
			CycleStartIntensities:   []float64{20, 30, 35},
			GentleMaxIntensity:      40,
			MarathonVariants:        3,
			CycleDuration:           3 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "gostim",
			TopicPrefix: "gostim",
			QoS:         1,
			Timeout:     2 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist, the
// defaults are returned; missing fields are filled from the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

//nolint:gochecknoglobals // Shared validator with cached struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the cross-field rules tags cannot express.
// Failures wrap fault.ErrConfigurationInvalid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrConfigurationInvalid, err)
	}

	if gap := c.Safety.WarningThreshold - c.Safety.Threshold; c.Safety.Hysteresis >= gap {
		return fmt.Errorf("%w: hysteresis %.1f must be smaller than threshold gap %.1f",
			fault.ErrConfigurationInvalid, c.Safety.Hysteresis, gap)
	}

	if sum := c.Estimator.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("%w: estimator weights sum to %.3f, want 1", fault.ErrConfigurationInvalid, sum)
	}

	hr := c.Estimator.HeartRate
	if sum := hr.ZoneShare + hr.AccelShare + hr.VarShare; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("%w: heart rate shares sum to %.3f, want 1", fault.ErrConfigurationInvalid, sum)
	}

	if c.Session.MaxIntensity > c.Limits.MaxIntensity {
		return fmt.Errorf("%w: session max intensity %.1f exceeds hard limit %.1f",
			fault.ErrConfigurationInvalid, c.Session.MaxIntensity, c.Limits.MaxIntensity)
	}

	// The estimator is fed once per session tick.
	if tickRate := float64(time.Second) / float64(c.Session.TickInterval); math.Abs(tickRate-c.Estimator.SampleRate) > 0.01*c.Estimator.SampleRate {
		return fmt.Errorf("%w: estimator sample rate %.2f Hz does not match session tick rate %.2f Hz",
			fault.ErrConfigurationInvalid, c.Estimator.SampleRate, tickRate)
	}

	if nyquist := c.Estimator.SampleRate / 2; c.Estimator.BandHighHz > nyquist {
		return fmt.Errorf("%w: band %.2f Hz above Nyquist %.2f Hz",
			fault.ErrConfigurationInvalid, c.Estimator.BandHighHz, nyquist)
	}

	return nil
}

// ensureDefaults fills zero-valued fields from the defaults.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Hardware.Driver == "" {
		c.Hardware.Driver = def.Hardware.Driver
	}
	if c.Hardware.Serial.BaudRate == 0 {
		c.Hardware.Serial.BaudRate = def.Hardware.Serial.BaudRate
	}
	if c.Hardware.Serial.StaleAfter == 0 {
		c.Hardware.Serial.StaleAfter = def.Hardware.Serial.StaleAfter
	}
	if c.Hardware.Mock.SampleRate == 0 {
		c.Hardware.Mock.SampleRate = def.Hardware.Mock.SampleRate
	}

	if c.Limits.MaxIntensity == 0 {
		c.Limits.MaxIntensity = def.Limits.MaxIntensity
	}
	if c.Limits.MaxFrequency == 0 {
		c.Limits.MaxFrequency = def.Limits.MaxFrequency
	}

	if c.Estimator.SampleRate == 0 {
		c.Estimator.SampleRate = def.Estimator.SampleRate
	}
	if c.Estimator.WindowSize == 0 {
		c.Estimator.WindowSize = def.Estimator.WindowSize
	}
	if c.Estimator.Alpha == 0 {
		c.Estimator.Alpha = def.Estimator.Alpha
	}
	if c.Estimator.Weights.Sum() == 0 {
		c.Estimator.Weights = def.Estimator.Weights
	}
	if c.Estimator.MinCalibrationSamples == 0 {
		c.Estimator.MinCalibrationSamples = def.Estimator.MinCalibrationSamples
	}
	if c.Estimator.MaxConsecutiveInvalid == 0 {
		c.Estimator.MaxConsecutiveInvalid = def.Estimator.MaxConsecutiveInvalid
	}

	if c.Safety.TickInterval == 0 {
		c.Safety.TickInterval = def.Safety.TickInterval
	}
	if c.Safety.ResponseDelay == 0 {
		c.Safety.ResponseDelay = def.Safety.ResponseDelay
	}
	if c.Safety.HighRiskResponseDelay == 0 {
		c.Safety.HighRiskResponseDelay = def.Safety.HighRiskResponseDelay
	}
	if c.Safety.MaxConsecutiveErrors == 0 {
		c.Safety.MaxConsecutiveErrors = def.Safety.MaxConsecutiveErrors
	}

	if c.Session.TickInterval == 0 {
		c.Session.TickInterval = def.Session.TickInterval
	}
	if len(c.Session.CycleStartIntensities) == 0 {
		c.Session.CycleStartIntensities = def.Session.CycleStartIntensities
	}
	if c.Session.MarathonVariants == 0 {
		c.Session.MarathonVariants = def.Session.MarathonVariants
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Telemetry.TopicPrefix == "" {
		c.Telemetry.TopicPrefix = def.Telemetry.TopicPrefix
	}
	if c.Telemetry.Timeout == 0 {
		c.Telemetry.Timeout = def.Telemetry.Timeout
	}
}

// Package estimator turns a rolling history of sensor samples into a
// normalized physiological state level (0..1) and a discrete zone.
package estimator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/hal"
)

// MaxHeartRateWeight is the largest share of the level the heart rate channel may carry.
const MaxHeartRateWeight = 0.5

// Zone is the discretized state level.
type Zone int

// Zones in increasing order of level.
const (
	Resting Zone = iota
	Rising
	Plateau
	Elevated
	Peak
)

func (z Zone) String() string {
	switch z {
	case Resting:
		return "Resting"
	case Rising:
		return "Rising"
	case Plateau:
		return "Plateau"
	case Elevated:
		return "Elevated"
	case Peak:
		return "Peak"
	default:
		return fmt.Sprintf("Zone(%d)", int(z))
	}
}

// MarshalText renders the zone name.
func (z Zone) MarshalText() ([]byte, error) {
	return []byte(z.String()), nil
}

// Contributions is the weighted share of each feature in the raw level.
type Contributions struct {
	Deviation            float64 `json:"deviation"`
	Variance             float64 `json:"variance"`
	BandPower            float64 `json:"band_power"`
	RateOfChange         float64 `json:"rate_of_change"`
	HeartRateZone        float64 `json:"heart_rate_zone"`
	HeartRateAccel       float64 `json:"heart_rate_accel"`
	HeartRateVariability float64 `json:"heart_rate_variability"`
}

// Sum returns the total of all contributions.
func (c Contributions) Sum() float64 {
	return c.Deviation + c.Variance + c.BandPower + c.RateOfChange +
		c.HeartRateZone + c.HeartRateAccel + c.HeartRateVariability
}

// StateEstimate is an immutable snapshot of the estimated state.
type StateEstimate struct {
	Level     float64       `json:"level"`
	Zone      Zone          `json:"zone"`
	Raw       float64       `json:"raw"`
	Breakdown Contributions `json:"breakdown"`
	Timestamp time.Time     `json:"timestamp"`
	Valid     bool          `json:"valid"` // False until the first valid sample
}

// LevelChange is the payload of StateLevelChanged and ZoneChanged events.
type LevelChange struct {
	Previous StateEstimate `json:"previous"`
	Current  StateEstimate `json:"current"`
}

// Source produces one sensor sample stamped with now.
type Source func(now time.Time) (hal.SensorSample, error)

// Estimator is the physiological state estimator. It is safe for concurrent
// use; Update is expected to be called from a single control loop.
type Estimator struct {
	cfg   config.EstimatorConfig
	clock clock.Clock
	pub   events.Publisher
	log   *zap.SugaredLogger

	mu         sync.RWMutex
	baseline   float64
	calibrated bool
	restingBPM float64
	restingHRV float64
	hasHRV     bool
	hrWeight   float64
	window     *ring
	heartRates *ring
	hrTimes    *ring
	prev       float64
	prevTime   time.Time
	hasPrev    bool
	estimate   StateEstimate
	published  float64
	invalid    int
	signalLost bool

	scratch []float64
}

// New creates an estimator. A nil publisher discards events.
func New(cfg config.EstimatorConfig, clk clock.Clock, pub events.Publisher, log *zap.SugaredLogger) *Estimator {
	if clk == nil {
		clk = clock.Real{}
	}
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	hrWindow := max(cfg.HeartRate.AccelWindow, 2)

	return &Estimator{
		cfg:        cfg,
		clock:      clk,
		pub:        pub,
		log:        log,
		restingBPM: cfg.HeartRate.RestingBPM,
		window:     newRing(max(cfg.WindowSize, cfg.VarianceWindow)),
		heartRates: newRing(hrWindow),
		hrTimes:    newRing(hrWindow),
	}
}

// SetHeartRateWeight sets the share of the level carried by heart rate
// sub-features. Zero disables the channel.
func (e *Estimator) SetHeartRateWeight(w float64) error {
	if !finite(w) || w < 0 || w > MaxHeartRateWeight {
		return fmt.Errorf("%w: heart rate weight %.3f outside [0, %.1f]", fault.ErrConfigurationInvalid, w, MaxHeartRateWeight)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.hrWeight = w
	return nil
}

// Estimate returns the last estimate (the last known good value after invalid samples).
func (e *Estimator) Estimate() StateEstimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate
}

// Baseline returns the calibrated baseline and whether calibration has happened.
func (e *Estimator) Baseline() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.baseline, e.calibrated
}

// SignalLost reports whether too many consecutive invalid samples were seen.
func (e *Estimator) SignalLost() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signalLost
}

// Reset clears history, the estimate and the signal-lost latch. The baseline is kept.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Estimator) resetLocked() {
	e.window.reset()
	e.heartRates.reset()
	e.hrTimes.reset()
	e.hasPrev = false
	e.estimate = StateEstimate{}
	e.published = 0
	e.invalid = 0
	e.signalLost = false
}

// CalibrateBaseline samples src at the configured rate for duration and fixes
// the baseline to the mean of the valid samples. It fails with
// fault.ErrCalibrationFailed if fewer than MinCalibrationSamples were collected;
// the previous baseline is then kept.
func (e *Estimator) CalibrateBaseline(ctx context.Context, src Source, duration time.Duration) error {
	interval := time.Duration(float64(time.Second) / e.cfg.SampleRate)
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	deadline := e.clock.Now().Add(duration)
	var (
		samples []hal.SensorSample
		errors  int
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if now.After(deadline) {
				if errors > 0 {
					e.log.Warnw("calibration read errors", "errors", errors, "collected", len(samples))
				}
				return e.SetBaseline(samples)
			}

			s, err := src(now)
			if err != nil {
				errors++
				continue
			}
			samples = append(samples, s)
		}
	}
}

// SetBaseline fixes the baseline from already collected samples. Invalid
// samples are ignored. Heart rates among them set the resting rate and the
// resting variability. On success the history and the estimate are reset.
func (e *Estimator) SetBaseline(samples []hal.SensorSample) error {
	var (
		sum   float64
		n     int
		rates []float64
	)
	for _, s := range samples {
		if !e.validSample(s, false) {
			continue
		}
		sum += s.SecondaryPressure
		n++
		if s.HeartRate != nil && e.validHeartRate(*s.HeartRate) {
			rates = append(rates, *s.HeartRate)
		}
	}

	if n < e.cfg.MinCalibrationSamples {
		return fmt.Errorf("%w: collected %d of %d valid samples", fault.ErrCalibrationFailed, n, e.cfg.MinCalibrationSamples)
	}

	e.mu.Lock()
	e.baseline = sum / float64(n)
	e.calibrated = true
	if len(rates) > 0 {
		e.restingBPM = mean(rates)
	}
	e.restingHRV, e.hasHRV = rmssd(rates), len(rates) >= 2
	e.resetLocked()
	baseline, resting, hrv := e.baseline, e.restingBPM, e.restingHRV
	e.mu.Unlock()

	e.log.Infow("baseline calibrated", "baseline", baseline, "resting_bpm", resting, "resting_hrv", hrv, "samples", n)
	e.pub.Publish(events.Event{
		Kind:    events.BaselineCalibrated,
		Source:  "estimator",
		Time:    e.clock.Now(),
		Payload: map[string]float64{"baseline": baseline, "resting_bpm": resting, "resting_hrv": hrv},
	})
	return nil
}

// Update folds sample into the estimate and returns the new estimate.
//
// Invalid samples are discarded and the previous estimate is returned with
// fault.ErrSensorInvalid. After MaxConsecutiveInvalid in a row the estimator
// latches fault.ErrSignalLost until Reset or a new calibration.
func (e *Estimator) Update(sample hal.SensorSample) (StateEstimate, error) {
	e.mu.Lock()

	hrEnabled := e.hrWeight > 0
	if !e.validSample(sample, hrEnabled) {
		e.invalid++
		lostNow := !e.signalLost && e.invalid >= e.cfg.MaxConsecutiveInvalid
		if lostNow {
			e.signalLost = true
		}
		est, lost, invalid := e.estimate, e.signalLost, e.invalid
		e.mu.Unlock()

		if lostNow {
			e.log.Errorw("signal lost", "consecutive_invalid", invalid)
			e.pub.Publish(events.Event{Kind: events.SignalLost, Source: "estimator", Time: sample.Timestamp, Payload: est})
		}
		if lost {
			return est, fault.ErrSignalLost
		}
		return est, fmt.Errorf("%w: sample %d of %d", fault.ErrSensorInvalid, invalid, e.cfg.MaxConsecutiveInvalid)
	}

	if e.signalLost {
		est := e.estimate
		e.mu.Unlock()
		return est, fault.ErrSignalLost
	}
	e.invalid = 0

	if !e.calibrated && !e.hasPrev {
		// Without calibration the first sample becomes the reference.
		e.baseline = sample.SecondaryPressure
		e.log.Warnw("estimator not calibrated, using first sample as baseline", "baseline", e.baseline)
	}

	x := sample.SecondaryPressure
	e.window.push(x)

	breakdown := e.contributionsLocked(sample, hrEnabled)
	raw := clamp01(breakdown.Sum())

	previous := e.estimate
	level := e.cfg.Alpha * raw
	if previous.Valid {
		level += (1 - e.cfg.Alpha) * previous.Level
	}
	level = clamp01(level)

	current := StateEstimate{
		Level:     level,
		Zone:      e.zone(level),
		Raw:       raw,
		Breakdown: breakdown,
		Timestamp: sample.Timestamp,
		Valid:     true,
	}
	e.estimate = current
	e.prev = x
	e.prevTime = sample.Timestamp
	e.hasPrev = true

	levelChanged := math.Abs(level-e.published) >= e.cfg.LevelEpsilon
	if levelChanged {
		e.published = level
	}
	e.mu.Unlock()

	change := LevelChange{Previous: previous, Current: current}
	if levelChanged {
		e.pub.Publish(events.Event{Kind: events.StateLevelChanged, Source: "estimator", Time: sample.Timestamp, Payload: change})
	}
	if previous.Valid && previous.Zone != current.Zone {
		e.log.Debugw("zone changed", "from", previous.Zone, "to", current.Zone, "level", level)
		e.pub.Publish(events.Event{Kind: events.ZoneChanged, Source: "estimator", Time: sample.Timestamp, Payload: change})
	}

	return current, nil
}

// contributionsLocked computes the four capped signal features and, when
// enabled and present, the heart rate sub-features, each multiplied by its weight.
// Rates use the sample timestamps and fall back to the nominal sample rate
// when the timestamps do not advance.
func (e *Estimator) contributionsLocked(sample hal.SensorSample, hrEnabled bool) Contributions {
	cfg := e.cfg
	fs := cfg.SampleRate
	x, heartRate := sample.SecondaryPressure, sample.HeartRate

	deviation := normalize(math.Abs(x-e.baseline), cfg.MaxDeviation)

	e.scratch = e.window.tail(e.scratch, cfg.VarianceWindow)
	varFeature := normalize(variance(e.scratch), cfg.MaxVariance)

	e.scratch = e.window.tail(e.scratch, cfg.WindowSize)
	band := normalize(bandPower(e.scratch, fs, cfg.BandLowHz, cfg.BandHighHz), cfg.MaxBandPower)

	var rate float64
	if e.hasPrev {
		dt := sample.Timestamp.Sub(e.prevTime).Seconds()
		if dt <= 0 || e.prevTime.IsZero() {
			dt = 1 / fs
		}
		rate = normalize(math.Abs(x-e.prev)/dt, cfg.MaxRateOfChange)
	}

	scale := 1.0
	useHR := hrEnabled && heartRate != nil
	if useHR {
		scale = 1 - e.hrWeight
	}

	c := Contributions{
		Deviation:    scale * cfg.Weights.Deviation * deviation,
		Variance:     scale * cfg.Weights.Variance * varFeature,
		BandPower:    scale * cfg.Weights.BandPower * band,
		RateOfChange: scale * cfg.Weights.RateOfChange * rate,
	}

	if !useHR {
		return c
	}

	hr := *heartRate
	e.heartRates.push(hr)
	e.hrTimes.push(seconds(sample.Timestamp))
	hrc := cfg.HeartRate

	zone := normalize(hr-e.restingBPM, hrc.MaxBPM-e.restingBPM)

	n := e.heartRates.len()
	var accel float64
	if n >= 2 {
		span := e.hrTimes.last(0) - e.hrTimes.at(0)
		if span <= 0 {
			span = float64(n-1) / fs
		}
		accel = normalize((hr-e.heartRates.at(0))/span, hrc.MaxAccel)
	}

	// Variability counts only once the window is full, as the drop below
	// the resting variability.
	var drop float64
	if n >= max(hrc.AccelWindow, 2) {
		e.scratch = e.heartRates.values(e.scratch)
		current := rmssd(e.scratch)
		if !e.hasHRV {
			e.restingHRV, e.hasHRV = current, true
			e.log.Warnw("resting heart rate variability not calibrated, using first window", "rmssd", current)
		}
		drop = normalize(e.restingHRV-current, hrc.MaxVariability)
	}

	c.HeartRateZone = e.hrWeight * hrc.ZoneShare * zone
	c.HeartRateAccel = e.hrWeight * hrc.AccelShare * accel
	c.HeartRateVariability = e.hrWeight * hrc.VarShare * drop
	return c
}

// seconds is t as fractional Unix seconds, 0 for the zero time.
func seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func (e *Estimator) zone(level float64) Zone {
	z := e.cfg.Zones
	switch {
	case level >= z.Peak:
		return Peak
	case level >= z.Elevated:
		return Elevated
	case level >= z.Plateau:
		return Plateau
	case level >= z.Rising:
		return Rising
	default:
		return Resting
	}
}

func (e *Estimator) validSample(s hal.SensorSample, checkHeartRate bool) bool {
	p := s.SecondaryPressure
	if !finite(p) || p < e.cfg.MinPressure || p > e.cfg.MaxPressure {
		return false
	}
	if checkHeartRate && s.HeartRate != nil && !e.validHeartRate(*s.HeartRate) {
		return false
	}
	return true
}

func (e *Estimator) validHeartRate(bpm float64) bool {
	return finite(bpm) && bpm >= e.cfg.HeartRate.MinBPM && bpm <= e.cfg.HeartRate.LimitBPM
}

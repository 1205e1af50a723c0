package safety

import (
	"fmt"
	"time"

	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/fault"
)

// Limits returns the active threshold configuration.
func (m *Monitor) Limits() config.SafetyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetThreshold sets the corrective threshold (mmHg).
func (m *Monitor) SetThreshold(v float64) error {
	return m.update(func(c *config.SafetyConfig) { c.Threshold = v })
}

// SetWarningThreshold sets the warning threshold (mmHg). It must stay above
// the corrective threshold so the warning fires first as vacuum falls.
func (m *Monitor) SetWarningThreshold(v float64) error {
	return m.update(func(c *config.SafetyConfig) { c.WarningThreshold = v })
}

// SetHysteresis sets the recovery margin (mmHg).
func (m *Monitor) SetHysteresis(v float64) error {
	return m.update(func(c *config.SafetyConfig) { c.Hysteresis = v })
}

// SetResponseDelay sets the normal correction response delay.
func (m *Monitor) SetResponseDelay(d time.Duration) error {
	return m.update(func(c *config.SafetyConfig) { c.ResponseDelay = d })
}

// SetMaxVacuumIncrease sets the largest correction above the commanded
// intensity, in percentage points.
func (m *Monitor) SetMaxVacuumIncrease(v float64) error {
	return m.update(func(c *config.SafetyConfig) { c.MaxVacuumIncrease = v })
}

// update applies change to a copy and commits it only if the result is valid.
func (m *Monitor) update(change func(*config.SafetyConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	change(&next)
	if err := ValidateLimits(next); err != nil {
		return err
	}
	m.cfg = next
	m.log.Infow("safety limits updated",
		"threshold", next.Threshold,
		"warning", next.WarningThreshold,
		"hysteresis", next.Hysteresis,
		"response_delay", next.ResponseDelay,
		"max_increase", next.MaxVacuumIncrease,
	)
	return nil
}

// ValidateLimits checks the threshold relationships the monitor relies on.
func ValidateLimits(c config.SafetyConfig) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", fault.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
	}

	gap := c.WarningThreshold - c.Threshold
	switch {
	case c.Threshold <= 0:
		return invalid("threshold %.2f must be positive", c.Threshold)
	case gap <= 0:
		return invalid("warning threshold %.2f must be above threshold %.2f", c.WarningThreshold, c.Threshold)
	case c.Hysteresis < 0 || c.Hysteresis >= gap:
		return invalid("hysteresis %.2f must be in [0, %.2f)", c.Hysteresis, gap)
	case c.ResponseDelay <= 0 || c.HighRiskResponseDelay <= 0:
		return invalid("response delays must be positive")
	case c.MaxVacuumIncrease <= 0 || c.MaxVacuumIncrease > 100:
		return invalid("max vacuum increase %.2f must be in (0, 100]", c.MaxVacuumIncrease)
	case c.CorrectionStep <= 0:
		return invalid("correction step %.2f must be positive", c.CorrectionStep)
	}
	return nil
}

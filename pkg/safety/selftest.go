package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/fault"
	"github.com/itohio/gostim/pkg/hal"
)

// Check is the outcome of one self-test step.
type Check struct {
	Name string `json:"name"`
	Err  string `json:"error,omitempty"`
}

// SelfTestResult summarizes a self-test run.
type SelfTestResult struct {
	Passed       bool    `json:"passed"`
	SealPressure float64 `json:"seal_pressure"`
	Checks       []Check `json:"checks"`
}

// PerformSelfTest verifies that every sensor answers with a plausible value
// and that the actuators accept a safe command. A passing run is required
// before ResetSystemError is honored.
func (m *Monitor) PerformSelfTest(ctx context.Context) (SelfTestResult, error) {
	var (
		res  SelfTestResult
		errs []error
	)

	step := func(name string, fn func() error) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			res.Checks = append(res.Checks, Check{Name: name, Err: err.Error()})
			return
		}
		c := Check{Name: name}
		if err := fn(); err != nil {
			c.Err = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		res.Checks = append(res.Checks, c)
	}

	step("seal sensor", func() error {
		p, err := m.hw.ReadPrimarySealPressure()
		if err != nil {
			return err
		}
		if !m.validPressure(p) {
			return fmt.Errorf("%w: %.2f", fault.ErrSensorInvalid, p)
		}
		res.SealPressure = p
		return nil
	})
	step("secondary sensor", func() error {
		_, err := m.hw.ReadSecondaryPressure()
		return err
	})
	step("aux sensors", func() error {
		_, err := m.hw.ReadAuxSensors()
		return err
	})
	step("actuator", func() error {
		return m.hw.WriteActuatorIntensity(0)
	})
	step("valves", func() error {
		return m.hw.WriteValveStates(hal.Zero().Valves)
	})
	step("electrical", func() error {
		return m.hw.WriteElectricalOutput(0, 0)
	})

	err := errors.Join(errs...)
	res.Passed = err == nil
	now := m.clock.Now()

	m.mu.Lock()
	m.selfTestPassed = res.Passed
	m.selfTestAt = now
	if res.Passed {
		m.selfTestSeal = res.SealPressure
	}
	m.mu.Unlock()

	if res.Passed {
		m.log.Infow("self-test passed", "seal", res.SealPressure)
	} else {
		m.log.Errorw("self-test failed", "err", err)
	}
	m.pub.Publish(events.Event{Kind: events.SelfTestCompleted, Source: "safety", Time: now, Payload: res})

	if err != nil {
		return res, fmt.Errorf("self-test: %w", err)
	}
	return res, nil
}

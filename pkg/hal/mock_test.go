package hal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gostim/pkg/clock"
	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/fault"
)

func newConnectedMock(t *testing.T) (*Mock, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Unix(0, 0))
	cfg := config.Default().Hardware.Mock
	cfg.NoiseLevel = 0
	m := NewMock(&cfg, clk)
	require.NoError(t, m.Connect())
	return m, clk
}

func TestMock_PumpRaisesSeal(t *testing.T) {
	m, clk := newConnectedMock(t)

	idle, err := m.ReadPrimarySealPressure()
	require.NoError(t, err)

	require.NoError(t, m.WriteActuatorIntensity(50))
	clk.Advance(5 * time.Second)

	pumped, err := m.ReadPrimarySealPressure()
	require.NoError(t, err)
	assert.Greater(t, pumped, idle)
	assert.InDelta(t, 55+0.6*50, pumped, 0.5)
}

func TestMock_VentCollapsesSeal(t *testing.T) {
	m, clk := newConnectedMock(t)

	require.NoError(t, m.WriteActuatorIntensity(40))
	require.NoError(t, m.EmergencyVent())
	clk.Advance(5 * time.Second)

	p, err := m.ReadPrimarySealPressure()
	require.NoError(t, err)
	assert.Less(t, p, 1.0)
	assert.True(t, m.Vented())
	assert.Equal(t, 1, m.VentCount())
	assert.Equal(t, 0.0, m.Intensity())
}

func TestMock_FaultInjection(t *testing.T) {
	m, _ := newConnectedMock(t)

	m.SetFault(errors.New("bus timeout"))
	_, err := m.ReadPrimarySealPressure()
	assert.ErrorIs(t, err, fault.ErrHardwareFault)
	assert.ErrorIs(t, m.WriteActuatorIntensity(10), fault.ErrHardwareFault)

	m.SetFault(nil)
	_, err = m.ReadPrimarySealPressure()
	assert.NoError(t, err)
}

func TestMock_Overrides(t *testing.T) {
	m, _ := newConnectedMock(t)

	m.SetSealPressure(Float(40))
	m.SetSecondaryPressure(Float(12))
	m.SetAux(&AuxReadings{Motion: Float(0.5)})

	s, err := ReadSample(m, time.Unix(5, 0))
	require.NoError(t, err)
	assert.Equal(t, 40.0, s.SealPressure)
	assert.Equal(t, 12.0, s.SecondaryPressure)
	assert.Nil(t, s.HeartRate)
	assert.Equal(t, 0.5, *s.Motion)
	assert.Equal(t, time.Unix(5, 0), s.Timestamp)
}

func TestApplyAndShutdown(t *testing.T) {
	m, _ := newConnectedMock(t)

	require.NoError(t, Apply(m, Command{Intensity: 30, Frequency: 12, Electrical: 15, Valves: Valves{Intake: true}}))
	intensity, valves, freq, elec := m.Outputs()
	assert.Equal(t, 30.0, intensity)
	assert.True(t, valves.Intake)
	assert.Equal(t, 12.0, freq)
	assert.Equal(t, 15.0, elec)

	require.NoError(t, Shutdown(m))
	intensity, _, _, elec = m.Outputs()
	assert.Equal(t, 0.0, intensity)
	assert.Equal(t, 0.0, elec)
	assert.True(t, m.Vented())
}

func TestMock_Disconnected(t *testing.T) {
	m := NewMock(nil, nil)
	_, err := m.ReadSecondaryPressure()
	assert.ErrorIs(t, err, fault.ErrHardwareFault)
}

package hal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    SensorSample
		wantErr bool
	}{
		{
			name: "all channels",
			line: "S,1234567890123,62.5,20.1,72,1.5,0.02",
			want: SensorSample{
				Timestamp:         time.UnixMicro(1234567890123),
				SealPressure:      62.5,
				SecondaryPressure: 20.1,
				AuxReadings: AuxReadings{
					HeartRate: Float(72),
					FluidFlow: Float(1.5),
					Motion:    Float(0.02),
				},
			},
		},
		{
			name: "aux channels missing",
			line: "S,1,55,18,-,-,-",
			want: SensorSample{
				Timestamp:         time.UnixMicro(1),
				SealPressure:      55,
				SecondaryPressure: 18,
			},
		},
		{name: "wrong record", line: "Q,1,2,3,4,5,6", wantErr: true},
		{name: "too few fields", line: "S,1,2,3", wantErr: true},
		{name: "bad timestamp", line: "S,abc,2,3,-,-,-", wantErr: true},
		{name: "bad seal", line: "S,1,x,3,-,-,-", wantErr: true},
		{name: "bad secondary", line: "S,1,2,y,-,-,-", wantErr: true},
		{name: "bad heart rate", line: "S,1,2,3,z,-,-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatCommands(t *testing.T) {
	assert.Equal(t, "I,42.5\n", formatIntensity(42.46))
	assert.Equal(t, "V,101\n", formatValves(Valves{Intake: true, Aux: true}))
	assert.Equal(t, "V,000\n", formatValves(Valves{}))
	assert.Equal(t, "E,12.0,30.0\n", formatElectrical(12, 30))
}

func TestCommandClamp(t *testing.T) {
	c := Command{Intensity: 120, Frequency: -3, Electrical: 70}.Clamp(85, 60, 50)
	assert.Equal(t, 85.0, c.Intensity)
	assert.Equal(t, 0.0, c.Frequency)
	assert.Equal(t, 50.0, c.Electrical)
}

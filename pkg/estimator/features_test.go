package estimator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sine(n int, fs, hz, amplitude, offset float64) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = offset + amplitude*math.Sin(2*math.Pi*hz*float64(i)/fs)
	}
	return xs
}

func TestBandPower(t *testing.T) {
	tests := []struct {
		name string
		hz   float64
		want float64
	}{
		{"in band", 1.0, 2.0}, // A=2, power A²/2
		{"below band", 0.2, 0},
		{"above band", 3.0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xs := sine(50, 10, tt.hz, 2, 20)
			assert.InDelta(t, tt.want, bandPower(xs, 10, 0.8, 1.2), 1e-6)
		})
	}
}

func TestBandPower_ShortWindow(t *testing.T) {
	assert.Zero(t, bandPower([]float64{1, 2, 3}, 10, 0.8, 1.2))
	assert.Zero(t, bandPower(sine(50, 10, 1, 1, 0), 0, 0.8, 1.2))
}

func TestVarianceAndRMSSD(t *testing.T) {
	assert.InDelta(t, 1.25, variance([]float64{1, 2, 3, 4}), 1e-9)
	assert.Zero(t, variance([]float64{5}))
	assert.InDelta(t, 1, rmssd([]float64{1, 2, 3, 4}), 1e-9)
	assert.InDelta(t, 2, rmssd([]float64{1, 3, 1, 3}), 1e-9)
}

func TestNormalize(t *testing.T) {
	assert.InDelta(t, 0.5, normalize(5, 10), 1e-9)
	assert.Equal(t, 1.0, normalize(50, 10))
	assert.Equal(t, 0.0, normalize(-1, 10))
	assert.Equal(t, 0.0, normalize(1, 0))
	assert.Equal(t, 0.0, clamp01(math.NaN()))
}

func TestRing(t *testing.T) {
	r := newRing(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.push(v)
	}

	assert.Equal(t, 3, r.len())
	assert.Equal(t, []float64{3, 4, 5}, r.values(nil))
	assert.Equal(t, []float64{4, 5}, r.tail(nil, 2))
	assert.Equal(t, []float64{3, 4, 5}, r.tail(nil, 10))
	assert.Equal(t, 5.0, r.last(0))
	assert.Equal(t, 3.0, r.at(0))

	r.reset()
	assert.Zero(t, r.len())
	assert.Empty(t, r.values(nil))
}

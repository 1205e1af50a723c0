package estimator

import "math"

// mean returns the arithmetic mean of xs (0 for an empty slice).
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance returns the population variance of xs.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// bandPower returns the mean power of xs (sampled at fs Hz) carried by DFT
// bins whose frequency lies in [lowHz, highHz]. The mean is removed first, so
// a sine of amplitude A inside the band yields about A²/2.
func bandPower(xs []float64, fs, lowHz, highHz float64) float64 {
	n := len(xs)
	if n < 4 || fs <= 0 {
		return 0
	}

	m := mean(xs)
	resolution := fs / float64(n)

	var power float64
	for k := 1; k <= n/2; k++ {
		f := float64(k) * resolution
		if f < lowHz || f > highHz {
			continue
		}

		var re, im float64
		for i, x := range xs {
			angle := 2 * math.Pi * float64(k*i) / float64(n)
			re += (x - m) * math.Cos(angle)
			im -= (x - m) * math.Sin(angle)
		}

		p := (re*re + im*im) / float64(n*n)
		if k != n-k {
			p *= 2 // fold the negative-frequency bin
		}
		power += p
	}
	return power
}

// rmssd returns the root mean square of successive differences of xs.
func rmssd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// normalize divides v by limit and clamps the result to [0, 1].
func normalize(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return clamp01(v / limit)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

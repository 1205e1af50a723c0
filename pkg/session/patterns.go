package session

import (
	"fmt"
	"sort"
	"time"
)

// pattern builds one cycle of phases starting at intensity base and lasting about d.
type pattern func(base float64, d time.Duration) []Phase

var patterns = map[string]pattern{
	"constant": func(base float64, d time.Duration) []Phase {
		return []Phase{{Name: "constant", TargetIntensity: base + 20, Duration: d}}
	},
	"wave": func(base float64, d time.Duration) []Phase {
		return []Phase{{
			Name:               "wave",
			TargetIntensity:    base + 15,
			Duration:           d,
			VariationAmplitude: 10,
			VariationPeriod:    20 * time.Second,
		}}
	},
	"pulse": func(base float64, d time.Duration) []Phase {
		const on, off = 10 * time.Second, 5 * time.Second
		n := max(1, int(d/(on+off)))
		phases := make([]Phase, 0, 2*n)
		for i := range n {
			phases = append(phases,
				Phase{Name: fmt.Sprintf("pulse-%d", i+1), TargetIntensity: base + 40, Duration: on},
				Phase{Name: fmt.Sprintf("rest-%d", i+1), TargetIntensity: base / 2, Duration: off},
			)
		}
		return phases
	},
	"escalation": func(base float64, d time.Duration) []Phase {
		top := base + 50
		return []Phase{{Name: "escalation", TargetIntensity: base, RampTo: &top, Duration: d}}
	},
	"tease": func(base float64, d time.Duration) []Phase {
		first, second := base+45, base+50
		return []Phase{
			{Name: "tease-build", TargetIntensity: base, RampTo: &first, Duration: d * 6 / 10},
			{Name: "tease-drop", TargetIntensity: base / 2, Duration: d / 10},
			{Name: "tease-rebuild", TargetIntensity: base + 10, RampTo: &second, Duration: d * 3 / 10},
		}
	},
}

// Patterns returns the names of the built-in patterns.
func Patterns() []string {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PatternPhases expands the named built-in pattern for one cycle.
func PatternPhases(name string, base float64, d time.Duration, cycle int) ([]Phase, error) {
	build, ok := patterns[name]
	if !ok {
		return nil, invalid("unknown pattern %q", name)
	}

	phases := build(base, d)
	for i := range phases {
		phases[i].Kind = KindPlay
		phases[i].Cycle = cycle
		phases[i].Name = fmt.Sprintf("%s-c%d", phases[i].Name, cycle+1)
	}
	return phases, nil
}

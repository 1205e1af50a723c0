package session

import (
	"math"
	"time"

	"github.com/itohio/gostim/pkg/events"
)

type modeStep struct {
	now    time.Time
	dt     time.Duration
	level  float64
	valid  bool
	freeze bool // Seal at risk: no intensity increases
}

// crossed reports an upward crossing of threshold since the previous tick.
func (e *Engine) crossed(s modeStep, threshold float64) bool {
	return s.valid && e.run.lastLevel < threshold && s.level >= threshold
}

func (e *Engine) detection(count int, level float64) Detection {
	return Detection{Count: count, Level: level, Intensity: e.run.intensity, Cycle: e.phaseLocked().Cycle}
}

// adaptiveLocked runs threshold cycling: build until the edge threshold,
// back off sharply, hold, repeat until the target cycle count.
func (e *Engine) adaptiveLocked(s modeStep) {
	p := e.phaseLocked()
	elapsed := s.now.Sub(e.run.phaseStarted)

	switch p.Kind {
	case KindBuild:
		if !s.freeze {
			top := e.intensityLimit()
			if p.RampTo != nil {
				top = math.Min(top, *p.RampTo)
			}
			e.run.intensity = math.Min(e.run.intensity+e.tuning.RampRate*s.dt.Seconds(), top)
		}
		if e.crossed(s, e.cfg.EdgeThreshold) {
			e.run.edges++
			e.log.Infow("edge detected", "count", e.run.edges, "level", s.level, "intensity", e.run.intensity)
			e.pub.Publish(events.Event{Kind: events.EdgeDetected, Source: "session", Time: s.now, Payload: e.detection(e.run.edges, s.level)})

			backed := e.run.intensity * e.tuning.BackoffFactor
			if e.enterPhaseLocked(e.run.phaseIndex+1, s.now) {
				e.run.intensity = backed
			}
		}

	case KindBackoff:
		recovered := s.valid && s.level < e.cfg.RecoveryThreshold
		if (elapsed >= e.tuning.MinBackoff && recovered) || elapsed >= p.Duration {
			e.enterPhaseLocked(e.run.phaseIndex+1, s.now)
		}

	case KindHold:
		if elapsed < p.Duration {
			return
		}
		e.run.cycles++
		if e.run.cycles >= e.cfg.TargetCycles {
			e.coolDownLocked(s.now, ReasonTargetCycles)
			return
		}
		e.enterPhaseLocked(e.run.phaseIndex+1, s.now)
	}
}

// forcedLocked holds a high intensity through the peak, sustains it for the
// post-peak window, pauses briefly and resumes. A sudden level drop while
// forcing escalates intensity and frequency at bounded rates.
func (e *Engine) forcedLocked(s modeStep) {
	p := e.phaseLocked()
	elapsed := s.now.Sub(e.run.phaseStarted)

	switch p.Kind {
	case KindForce:
		e.antiEscapeLocked(s, p.TargetIntensity)
		e.run.intensity = p.TargetIntensity + e.run.escalation
		e.run.frequency = e.tuning.BaseFrequency + e.run.freqBoost

		if e.crossed(s, e.cfg.PeakThreshold) {
			e.run.peaks++
			e.log.Infow("peak detected", "count", e.run.peaks, "level", s.level, "intensity", e.run.intensity)
			e.pub.Publish(events.Event{Kind: events.PeakDetected, Source: "session", Time: s.now, Payload: e.detection(e.run.peaks, s.level)})
			e.enterPhaseLocked(e.run.phaseIndex+1, s.now)
		}

	case KindPostPeak:
		if elapsed < p.Duration {
			return
		}
		if e.run.peaks >= e.cfg.TargetPeaks {
			e.coolDownLocked(s.now, ReasonTargetPeaks)
			return
		}
		e.enterPhaseLocked(e.run.phaseIndex+1, s.now)

	case KindPause:
		if elapsed < p.Duration {
			return
		}
		e.run.reference = 0
		e.run.escalation = 0
		e.run.freqBoost = 0
		e.run.antiEscape = false
		next, _ := e.plan.Next(e.run.phaseIndex)
		e.enterPhaseLocked(next, s.now)
	}
}

func (e *Engine) antiEscapeLocked(s modeStep, base float64) {
	if !s.valid {
		return
	}
	e.run.reference = math.Max(e.run.reference, s.level)
	drop := e.run.reference - s.level

	switch {
	case !e.run.antiEscape && drop > e.tuning.EscapeDelta:
		e.run.antiEscape = true
		e.log.Warnw("anti-escape engaged", "level", s.level, "reference", e.run.reference)
		e.pub.Publish(events.Event{
			Kind:    events.AntiEscapeEngaged,
			Source:  "session",
			Time:    s.now,
			Payload: Escape{Level: s.level, Reference: e.run.reference},
		})
	case e.run.antiEscape && drop <= e.tuning.EscapeDelta/2:
		e.run.antiEscape = false
		e.log.Infow("anti-escape released", "level", s.level)
	}

	if !e.run.antiEscape || s.freeze {
		return
	}
	secs := s.dt.Seconds()
	e.run.escalation = math.Min(e.run.escalation+e.tuning.EscalationRate*secs, math.Max(0, e.intensityLimit()-base))
	e.run.freqBoost = math.Min(e.run.freqBoost+e.tuning.FrequencyEscalationRate*secs, math.Max(0, e.frequencyLimit()-e.tuning.BaseFrequency))
}

// playbackLocked runs the plan phases in order with no threshold branching.
// Edge crossings are still counted.
func (e *Engine) playbackLocked(s modeStep) {
	p := e.phaseLocked()
	elapsed := s.now.Sub(e.run.phaseStarted)

	prev := e.run.intensity
	if elapsed >= p.Duration {
		if e.plan.EndsCycle(e.run.phaseIndex) {
			e.run.cycles++
			e.log.Infow("cycle complete", "cycle", e.run.cycles)
		}
		next, ok := e.plan.Next(e.run.phaseIndex)
		if !ok {
			e.coolDownLocked(s.now, ReasonPlanComplete)
			return
		}
		start := e.run.phaseStarted.Add(p.Duration)
		if !e.enterPhaseLocked(next, start) {
			return
		}
		p = e.phaseLocked()
		elapsed = s.now.Sub(start)
	}

	v := p.IntensityAt(elapsed)
	if s.freeze && v > prev {
		v = prev
	}
	e.run.intensity = v
	if p.Frequency > 0 {
		e.run.frequency = p.Frequency
	} else {
		e.run.frequency = e.tuning.BaseFrequency
	}

	if e.cfg.EdgeThreshold > 0 && e.crossed(s, e.cfg.EdgeThreshold) {
		e.run.edges++
		e.pub.Publish(events.Event{Kind: events.EdgeDetected, Source: "session", Time: s.now, Payload: e.detection(e.run.edges, s.level)})
	}
}

// Package metrics exports controller state and event counts to Prometheus.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/itohio/gostim/pkg/controller"
	"github.com/itohio/gostim/pkg/events"
	"github.com/itohio/gostim/pkg/safety"
	"github.com/itohio/gostim/pkg/session"
)

const namespace = "gostim"

// Metrics holds the collectors. Gauges are refreshed by Observe, counters
// by Handle.
type Metrics struct {
	// Gauges
	Level         prometheus.Gauge
	SafetyState   prometheus.Gauge
	SealPressure  prometheus.Gauge
	SessionState  prometheus.Gauge
	Intensity     prometheus.Gauge
	Frequency     prometheus.Gauge
	Electrical    prometheus.Gauge
	EmergencyStop prometheus.Gauge

	// Labels: kind
	EventsTotal *prometheus.CounterVec
	// Labels: outcome (applied, resolved, timeout)
	CorrectionsTotal *prometheus.CounterVec
	// Labels: type (edge, peak)
	DetectionsTotal *prometheus.CounterVec
	// Labels: mode, reason
	SessionsTotal *prometheus.CounterVec
	// Labels: mode
	SessionDurationSeconds *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		Level:         gauge("estimator", "level", "Smoothed physiological state level in [0, 1]"),
		SafetyState:   gauge("safety", "state", "Seal state: 0 attached, 1 warning, 2 risk, 3 detached, 4 system error"),
		SealPressure:  gauge("safety", "seal_pressure_mmhg", "Last valid seal vacuum reading"),
		SessionState:  gauge("session", "state", "Session engine state ordinal"),
		Intensity:     gauge("output", "intensity_percent", "Vacuum intensity written to the hardware"),
		Frequency:     gauge("output", "frequency_hz", "Electrical output frequency written to the hardware"),
		Electrical:    gauge("output", "electrical_percent", "Electrical output amplitude written to the hardware"),
		EmergencyStop: gauge("controller", "emergency_stop", "1 while the emergency stop is latched"),

		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events published by kind",
			},
			[]string{"kind"},
		),
		CorrectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "safety",
				Name:      "corrections_total",
				Help:      "Seal corrections by outcome",
			},
			[]string{"outcome"},
		),
		DetectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "detections_total",
				Help:      "Edges and peaks detected",
			},
			[]string{"type"},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "completed_total",
				Help:      "Finished sessions by mode and stop reason",
			},
			[]string{"mode", "reason"},
		),
		SessionDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Session duration from start to stop",
				Buckets:   []float64{10, 60, 300, 600, 1200, 1800, 3600, 7200, 14400},
			},
			[]string{"mode"},
		),
	}
}

// Handle counts e. It is an events.Handler.
func (m *Metrics) Handle(e events.Event) {
	m.EventsTotal.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case events.CorrectionApplied:
		// Escalations republish the same correction; count the first step only.
		if c, ok := e.Payload.(safety.Correction); ok && c.Step <= 1 {
			m.CorrectionsTotal.WithLabelValues("applied").Inc()
		}
	case events.CorrectionResolved:
		m.CorrectionsTotal.WithLabelValues("resolved").Inc()
	case events.CorrectionTimeout:
		m.CorrectionsTotal.WithLabelValues("timeout").Inc()
	case events.EdgeDetected:
		m.DetectionsTotal.WithLabelValues("edge").Inc()
	case events.PeakDetected:
		m.DetectionsTotal.WithLabelValues("peak").Inc()
	case events.SafetyStateChanged:
		if c, ok := e.Payload.(safety.StateChange); ok {
			m.SafetyState.Set(float64(c.To))
			m.SealPressure.Set(c.Pressure)
		}
	case events.EmergencyStopActivated:
		m.EmergencyStop.Set(1)
	case events.EmergencyStopCleared:
		m.EmergencyStop.Set(0)
	case events.SessionCompleted:
		if s, ok := e.Payload.(session.Stats); ok {
			mode := string(s.Mode)
			m.SessionsTotal.WithLabelValues(mode, reasonLabel(s.Reason)).Inc()
			m.SessionDurationSeconds.WithLabelValues(mode).Observe(s.Duration.Seconds())
		}
	}
}

// Observe refreshes the gauges from a controller snapshot.
func (m *Metrics) Observe(s controller.Snapshot) {
	if s.Estimate.Valid {
		m.Level.Set(s.Estimate.Level)
	}
	m.SafetyState.Set(float64(s.Safety.State))
	m.SealPressure.Set(s.Safety.SealPressure)
	m.SessionState.Set(float64(s.Session.State))
	m.Intensity.Set(s.Output.Intensity)
	m.Frequency.Set(s.Output.Frequency)
	m.Electrical.Set(s.Output.Electrical)
	if s.EmergencyStop {
		m.EmergencyStop.Set(1)
	} else {
		m.EmergencyStop.Set(0)
	}
}

// reasonLabel keeps the reason prefix so error details do not become labels.
func reasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	return strings.ReplaceAll(strings.TrimSpace(reason), " ", "_")
}

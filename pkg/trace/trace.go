// Package trace keeps a bounded history of controller snapshots for status
// displays and post-session export.
package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/itohio/gostim/pkg/controller"
)

// DefaultCapacity holds ten minutes at the default session tick rate.
const DefaultCapacity = 6000

// Point is one recorded tick.
type Point struct {
	Time         time.Time `json:"time"`
	Level        float64   `json:"level"`
	SealPressure float64   `json:"seal_pressure"`
	Intensity    float64   `json:"intensity"`
	Frequency    float64   `json:"frequency"`
	Electrical   float64   `json:"electrical"`
	SafetyState  string    `json:"safety_state"`
	SessionState string    `json:"session_state"`
	Correction   bool      `json:"correction"`
}

// FromSnapshot flattens a controller snapshot.
func FromSnapshot(s controller.Snapshot) Point {
	return Point{
		Time:         s.Time,
		Level:        s.Estimate.Level,
		SealPressure: s.Safety.SealPressure,
		Intensity:    s.Output.Intensity,
		Frequency:    s.Output.Frequency,
		Electrical:   s.Output.Electrical,
		SafetyState:  s.Safety.State.String(),
		SessionState: s.Session.State.String(),
		Correction:   s.Correction.Active,
	}
}

// Recorder is a FIFO of the last capacity points.
type Recorder struct {
	mu     sync.RWMutex
	points []Point
	start  int
	n      int
}

// NewRecorder creates a recorder (DefaultCapacity if capacity <= 0).
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{points: make([]Point, capacity)}
}

// Observe records snapshot s.
func (r *Recorder) Observe(s controller.Snapshot) {
	r.Add(FromSnapshot(s))
}

// Add appends p, evicting the oldest point when full.
func (r *Recorder) Add(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.points)
	if r.n < capacity {
		r.points[(r.start+r.n)%capacity] = p
		r.n++
		return
	}
	r.points[r.start] = p
	r.start = (r.start + 1) % capacity
}

// Len returns the number of recorded points.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Points copies the history, oldest first, into dst (reused when large enough).
func (r *Recorder) Points(dst []Point) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cap(dst) >= r.n {
		dst = dst[:r.n]
	} else {
		dst = make([]Point, r.n)
	}
	for i := range r.n {
		dst[i] = r.points[(r.start+i)%len(r.points)]
	}
	return dst
}

// Reset drops the history.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.n = 0, 0
}

// Downsample decimates points to at most maxPoints entries.
// Destination-based: reuses dst if it has sufficient capacity.
func Downsample(dst, points []Point, maxPoints int) []Point {
	if maxPoints <= 0 || len(points) <= maxPoints {
		if cap(dst) >= len(points) {
			dst = dst[:len(points)]
		} else {
			dst = make([]Point, len(points))
		}
		copy(dst, points)
		return dst
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]Point, 0, maxPoints)
	}

	step := float64(len(points)) / float64(maxPoints)
	for i := range maxPoints {
		if idx := int(float64(i) * step); idx < len(points) {
			dst = append(dst, points[idx])
		}
	}
	return dst
}

// Average replaces every window consecutive points with their mean. States
// and timestamps are taken from the last point of each window.
func Average(dst, points []Point, window int) []Point {
	if window <= 1 {
		return Downsample(dst, points, 0)
	}

	dst = dst[:0]
	for i := 0; i < len(points); i += window {
		end := min(i+window, len(points))
		chunk := points[i:end]

		avg := chunk[len(chunk)-1]
		avg.Level, avg.SealPressure, avg.Intensity, avg.Frequency, avg.Electrical = 0, 0, 0, 0, 0
		for _, p := range chunk {
			avg.Level += p.Level
			avg.SealPressure += p.SealPressure
			avg.Intensity += p.Intensity
			avg.Frequency += p.Frequency
			avg.Electrical += p.Electrical
			avg.Correction = avg.Correction || p.Correction
		}
		n := float64(len(chunk))
		avg.Level /= n
		avg.SealPressure /= n
		avg.Intensity /= n
		avg.Frequency /= n
		avg.Electrical /= n
		dst = append(dst, avg)
	}
	return dst
}

var header = []string{"time", "level", "seal_pressure", "intensity", "frequency", "electrical", "safety_state", "session_state", "correction"}

// WriteCSV writes points with a header row.
func WriteCSV(w io.Writer, points []Point) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write trace header: %w", err)
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	for _, p := range points {
		row := []string{
			p.Time.UTC().Format(time.RFC3339Nano),
			f(p.Level),
			f(p.SealPressure),
			f(p.Intensity),
			f(p.Frequency),
			f(p.Electrical),
			p.SafetyState,
			p.SessionState,
			strconv.FormatBool(p.Correction),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write trace row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock. Tickers deliver on a one-slot channel
// and drop ticks when the reader is behind, like time.Ticker. Timer callbacks
// run synchronously inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

var _ Clock = (*Fake)(nil)

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// NewTicker creates a fake ticker firing every d of fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{clock: f, c: make(chan time.Time, 1), period: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	return t
}

// AfterFunc schedules f to run once d of fake time has passed.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every ticker and timer that
// falls due, in time order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		due, fire := f.nextDueLocked(target)
		if fire == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = due
		f.mu.Unlock()

		fire()
	}
}

// nextDueLocked finds the earliest ticker or timer due at or before target
// and returns a closure that fires it.
func (f *Fake) nextDueLocked(target time.Time) (time.Time, func()) {
	var (
		best time.Time
		fire func()
	)

	for _, t := range f.tickers {
		if t.stopped || t.next.After(target) {
			continue
		}
		if fire == nil || t.next.Before(best) {
			tk := t
			best = tk.next
			fire = func() {
				f.mu.Lock()
				at := tk.next
				tk.next = tk.next.Add(tk.period)
				f.mu.Unlock()

				select {
				case tk.c <- at:
				default:
				}
			}
		}
	}

	for _, t := range f.timers {
		if t.at.After(target) {
			continue
		}
		if fire == nil || t.at.Before(best) {
			tm := t
			best = tm.at
			fire = func() {
				if tm.Stop() {
					tm.fn()
				}
			}
		}
	}

	return best, fire
}

type fakeTicker struct {
	clock   *Fake
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.period = d
	t.next = t.clock.now.Add(d)
	t.stopped = false
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

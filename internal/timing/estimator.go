// Package timing derives request timeouts from observed round-trip times.
//
// Serial adapters range from a few milliseconds (native USB) to a few hundred
// (buffered FTDI clones), so the timeout follows the link instead of being a
// fixed constant.
package timing

import (
	"sync"
	"time"
)

// WindowSize is the number of round trips the estimator remembers.
const WindowSize = 10

const (
	DefaultTimeout    = 1 * time.Second
	DefaultMinTimeout = 20 * time.Millisecond
	DefaultMaxTimeout = 2 * time.Second
	DefaultMargin     = 1.5
)

// Window is a fixed-capacity ring of round-trip durations.
// The zero value is ready to use; it is not safe for concurrent use.
type Window struct {
	samples     [WindowSize]time.Duration
	next        int
	count       int
	initialized bool
}

// Record stores d, overwriting the oldest sample once the ring is full.
func (w *Window) Record(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % WindowSize
	if w.count < WindowSize {
		w.count++
	}
	if w.next == 0 {
		w.initialized = true
	}
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.count }

// Initialized reports whether the ring has been filled at least once.
func (w *Window) Initialized() bool { return w.initialized }

// Stats returns avg/min/max over the held samples. ok is false when the
// window is empty.
func (w *Window) Stats() (avg, lo, hi time.Duration, ok bool) {
	if w.count == 0 {
		return 0, 0, 0, false
	}
	var sum time.Duration
	lo, hi = w.samples[0], w.samples[0]
	for i := 0; i < w.count; i++ {
		s := w.samples[i]
		sum += s
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return sum / time.Duration(w.count), lo, hi, true
}

// Config tunes an Estimator. Zero fields take the package defaults.
type Config struct {
	Default time.Duration // timeout before the window is initialized
	Min     time.Duration
	Max     time.Duration
	Margin  float64 // multiplier on (max - min)
}

func (c Config) withDefaults() Config {
	if c.Default <= 0 {
		c.Default = DefaultTimeout
	}
	if c.Min <= 0 {
		c.Min = DefaultMinTimeout
	}
	if c.Max <= 0 {
		c.Max = DefaultMaxTimeout
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Margin <= 0 {
		c.Margin = DefaultMargin
	}
	return c
}

// Estimator is a Window guarded for use from the polling goroutine and
// status readers at the same time.
type Estimator struct {
	cfg Config

	mu     sync.Mutex
	window Window
}

// Snapshot is a copy of the estimator state for status reporting.
type Snapshot struct {
	Samples     int           `json:"samples"`
	Initialized bool          `json:"initialized"`
	Avg         time.Duration `json:"avg"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	Timeout     time.Duration `json:"timeout"`
}

func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg.withDefaults()}
}

// Record feeds one successful round trip.
func (e *Estimator) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	e.window.Record(d)
	e.mu.Unlock()
}

// Timeout returns clamp(avg + margin*(max-min), Min, Max) once the window is
// initialized, and the configured default before that.
func (e *Estimator) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeoutLocked()
}

func (e *Estimator) timeoutLocked() time.Duration {
	if !e.window.Initialized() {
		return e.cfg.Default
	}
	avg, lo, hi, _ := e.window.Stats()
	t := avg + time.Duration(e.cfg.Margin*float64(hi-lo))
	return clamp(t, e.cfg.Min, e.cfg.Max)
}

// Initialized reports whether the timeout is derived from samples.
func (e *Estimator) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Initialized()
}

// Len returns the number of samples held.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Len()
}

// Reset forgets every sample, e.g. when a new connection starts.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.window = Window{}
	e.mu.Unlock()
}

func (e *Estimator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Samples:     e.window.Len(),
		Initialized: e.window.Initialized(),
		Timeout:     e.timeoutLocked(),
	}
	s.Avg, s.Min, s.Max, _ = e.window.Stats()
	return s
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

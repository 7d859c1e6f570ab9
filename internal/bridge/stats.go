package bridge

import "time"

// latencyAlpha weights the newest sample in the rolling latency average.
const latencyAlpha = 0.1

// frequencyWindow is the span over which the dispatch rate is measured.
const frequencyWindow = time.Second

// Stats is a copy of the bridge performance counters.
type Stats struct {
	Attempts   uint64        `json:"attempts"`
	Successes  uint64        `json:"successes"`
	Failures   uint64        `json:"failures"`
	Skipped    uint64        `json:"skipped"`
	Stale      uint64        `json:"stale"`
	AvgLatency time.Duration `json:"avgLatency"`
	Frequency  float64       `json:"frequency"`
	ResetAt    time.Time     `json:"resetAt"`
}

type stats struct {
	Stats
	windowStart time.Time
	windowCount int
}

func (s *stats) reset(now time.Time) {
	*s = stats{Stats: Stats{ResetAt: now}}
}

func (s *stats) skip() { s.Skipped++ }

// record accounts one dispatch attempt that reached the plugins.
func (s *stats) record(now time.Time, ok, stale bool, latency time.Duration) {
	s.roll(now)
	s.Attempts++
	if stale {
		s.Stale++
	}
	if !ok {
		s.Failures++
	} else {
		s.Successes++
		s.windowCount++
	}
	if s.Attempts == 1 {
		s.AvgLatency = latency
	} else {
		s.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(s.AvgLatency))
	}
}

// roll closes the frequency window once it has run its length. The first
// call after a reset opens it. Tick rolls on every scan, so the rate falls
// to zero once dispatches stop.
func (s *stats) roll(now time.Time) {
	if s.windowStart.IsZero() {
		s.windowStart = now
		return
	}
	elapsed := now.Sub(s.windowStart)
	if elapsed < frequencyWindow {
		return
	}
	s.Frequency = float64(s.windowCount) / elapsed.Seconds()
	s.windowStart = now
	s.windowCount = 0
}

// snapshot copies the counters as of now. A window left open for two
// lengths or more, as when nothing ticks the bridge, reports its rate so far
// in place of the last closed window.
func (s *stats) snapshot(now time.Time) Stats {
	out := s.Stats
	if s.windowStart.IsZero() {
		return out
	}
	if elapsed := now.Sub(s.windowStart); elapsed >= 2*frequencyWindow {
		out.Frequency = float64(s.windowCount) / elapsed.Seconds()
	}
	return out
}

// Package bridge routes telemetry fields from ECU plugins to chart series on
// visualization plugins, each binding at its own rate.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/events"
	"github.com/shaunagostinho/efibridge/internal/plugin"
)

// DefaultScanHz is how often Run evaluates the bindings.
const DefaultScanHz = 100

// Resolver looks plugins up by name. *plugin.Registry implements it.
type Resolver interface {
	ECU(name string) (plugin.ECU, error)
	Visualization(name string) (plugin.Visualization, error)
}

// Options configures a Bridge. Zero fields get defaults.
type Options struct {
	ScanHz float64
	Log    zerolog.Logger
	Bus    events.Bus
	Clock  func() time.Time
	// DispatchWait bounds how long Tick waits for its dispatches. Defaults
	// to one scan interval.
	DispatchWait time.Duration
}

// Bridge holds the bindings and dispatches them from Tick.
type Bridge struct {
	plugins Resolver
	scanHz  float64
	log     zerolog.Logger
	bus     events.Bus
	clock   func() time.Time
	slack   time.Duration // half a scan interval
	wait    time.Duration

	tickMu sync.Mutex // serializes Tick
	jobs   sync.WaitGroup

	mu       sync.Mutex
	bindings map[string]*binding
	stats    stats

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(plugins Resolver, opts Options) *Bridge {
	if opts.ScanHz <= 0 {
		opts.ScanHz = DefaultScanHz
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	interval := time.Duration(float64(time.Second) / opts.ScanHz)
	if opts.DispatchWait <= 0 {
		opts.DispatchWait = interval
	}
	b := &Bridge{
		plugins:  plugins,
		scanHz:   opts.ScanHz,
		log:      opts.Log,
		bus:      opts.Bus,
		clock:    opts.Clock,
		slack:    interval / 2,
		wait:     opts.DispatchWait,
		bindings: make(map[string]*binding),
	}
	b.stats.reset(opts.Clock())
	return b
}

func (b *Bridge) ScanHz() float64 { return b.scanHz }

// Bind adds a binding and returns its id, generated when spec.ID is empty.
// The named plugins need not be registered yet.
func (b *Bridge) Bind(spec Spec) (string, error) {
	spec = spec.normalized()
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := spec.validate(b.scanHz); err != nil {
		return "", &BindError{ID: spec.ID, Err: err}
	}

	b.mu.Lock()
	if _, exists := b.bindings[spec.ID]; exists {
		b.mu.Unlock()
		return "", &BindError{ID: spec.ID, Err: ErrDuplicateID}
	}
	b.bindings[spec.ID] = newBinding(spec)
	b.mu.Unlock()

	b.log.Info().Str("id", spec.ID).Str("source", spec.Source+"."+spec.Field).
		Str("dest", spec.Dest+"/"+spec.Chart+"/"+spec.Series).Float64("rate_hz", spec.RateHz).Msg("bound")
	b.bus.Publish(events.TopicBinding, events.BindingChanged{ID: spec.ID, Action: "bound"})
	return spec.ID, nil
}

// Unbind removes a binding and reports whether it existed.
func (b *Bridge) Unbind(id string) bool {
	b.mu.Lock()
	_, ok := b.bindings[id]
	delete(b.bindings, id)
	b.mu.Unlock()
	if ok {
		b.log.Info().Str("id", id).Msg("unbound")
		b.bus.Publish(events.TopicBinding, events.BindingChanged{ID: id, Action: "unbound"})
	}
	return ok
}

// SetActive pauses or resumes a binding and reports whether it exists.
func (b *Bridge) SetActive(id string, active bool) bool {
	b.mu.Lock()
	bd, ok := b.bindings[id]
	changed := ok && bd.Active != active
	if ok {
		bd.Active = active
	}
	b.mu.Unlock()
	if changed {
		action := "deactivated"
		if active {
			action = "activated"
		}
		b.bus.Publish(events.TopicBinding, events.BindingChanged{ID: id, Action: action})
	}
	return ok
}

// Connection returns a copy of one binding.
func (b *Bridge) Connection(id string) (Connection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[id]
	if !ok {
		return Connection{}, false
	}
	return bd.Connection, true
}

// Connections returns copies of every binding sorted by id.
func (b *Bridge) Connections() []Connection {
	b.mu.Lock()
	out := make([]Connection, 0, len(b.bindings))
	for _, bd := range b.bindings {
		out = append(out, bd.Connection)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Bridge) Stats() Stats {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.snapshot(now)
}

// ResetStats zeroes the bridge and per-binding counters.
func (b *Bridge) ResetStats() {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.reset(now)
	for _, bd := range b.bindings {
		bd.Dispatches, bd.Failures, bd.Skipped, bd.Stale = 0, 0, 0, 0
		bd.LastError = ""
	}
}

// job is one due binding with its plugins resolved.
type job struct {
	bd   *binding
	spec Spec
	src  plugin.ECU
	dst  plugin.Visualization
}

// outcome is the result of delivering one job.
type outcome struct {
	stale   bool
	err     error
	latency time.Duration
}

// Tick dispatches every active binding due at now. x is now in Unix
// seconds. Each binding is delivered on its own goroutine without the
// binding lock held, and a binding is not due again until its delivery
// returns. Tick waits for the deliveries at most DispatchWait, so one slow
// destination holds back only its own bindings.
func (b *Bridge) Tick(now time.Time) {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	b.mu.Lock()
	b.stats.roll(now)
	var due []job
	for _, bd := range b.bindings {
		if bd.due(now, b.slack) {
			due = append(due, job{bd: bd, spec: bd.Spec})
		}
	}
	b.mu.Unlock()
	if len(due) == 0 {
		return
	}

	ready := due[:0]
	var skipped []*binding
	for _, j := range due {
		var err error
		if j.src, err = b.plugins.ECU(j.spec.Source); err == nil {
			j.dst, err = b.plugins.Visualization(j.spec.Dest)
		}
		if err != nil {
			skipped = append(skipped, j.bd)
			continue
		}
		ready = append(ready, j)
	}

	b.mu.Lock()
	for _, bd := range skipped {
		b.stats.skip()
		if b.bindings[bd.ID] == bd {
			bd.Skipped++
		}
	}
	started := ready[:0]
	for _, j := range ready {
		if b.bindings[j.spec.ID] != j.bd || !j.bd.due(now, b.slack) {
			continue // unbound or paused meanwhile
		}
		j.bd.start(now, b.slack)
		started = append(started, j)
	}
	b.mu.Unlock()
	if len(started) == 0 {
		return
	}

	x := float64(now.Unix()) + float64(now.Nanosecond())/1e9
	done := make(chan struct{}, len(started))
	for _, j := range started {
		b.jobs.Add(1)
		go func(j job) {
			defer b.jobs.Done()
			b.finish(now, j.bd, b.deliver(j, x))
			done <- struct{}{}
		}(j)
	}

	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	for n := 0; n < len(started); n++ {
		select {
		case <-done:
		case <-timer.C:
			b.log.Debug().Int("pending", len(started)-n).Msg("dispatch still in flight")
			return
		}
	}
}

// finish applies a delivery outcome to the stats and its binding.
func (b *Bridge) finish(now time.Time, bd *binding, out outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd.InFlight = false
	b.stats.record(now, out.err == nil, out.stale, out.latency)
	if b.bindings[bd.ID] != bd {
		return // removed while dispatching
	}
	if out.stale {
		bd.Stale++
	}
	if out.err != nil {
		bd.Failures++
		bd.LastError = out.err.Error()
		return
	}
	bd.Dispatches++
	bd.LastError = ""
}

func (b *Bridge) deliver(j job, x float64) (out outcome) {
	spec := j.spec
	start := time.Now()
	defer func() { out.latency = time.Since(start) }()

	reading, err := j.src.ReadRealtimeData()
	if err != nil {
		out.err = fmt.Errorf("read %s: %w", spec.Source, err)
		return out
	}
	out.stale = reading.Stale
	y, ok := reading.Snapshot.Field(spec.Field)
	if !ok {
		out.err = fmt.Errorf("%s.%s: %w", spec.Source, spec.Field, ErrUnknownField)
		return out
	}
	if err := j.dst.AddDataPoint(spec.Chart, x, y, spec.Series); err != nil {
		out.err = fmt.Errorf("inject %s/%s: %w", spec.Dest, spec.Chart, err)
		b.log.Debug().Err(err).Str("id", spec.ID).Msg("dispatch failed")
	}
	return out
}

package ecu

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/events"
	"github.com/shaunagostinho/efibridge/internal/protocol"
	"github.com/shaunagostinho/efibridge/internal/timing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.ECUStateChanged
}

func (b *recordingBus) Publish(_ string, msg any) {
	if ev, ok := msg.(events.ECUStateChanged); ok {
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
	}
}

func (b *recordingBus) Subscribe(...string) events.Subscription { return nil }

func (b *recordingBus) Unsubscribe(events.Subscription, ...string) {}

func (b *recordingBus) Close() {}

func (b *recordingBus) snapshot() []events.ECUStateChanged {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.ECUStateChanged(nil), b.events...)
}

type simHarness struct {
	ctrl  *Controller
	clock *fakeClock
	bus   *recordingBus

	mu       sync.Mutex
	sims     []*SimTransport
	opts     SimOptions
	openFail bool
	wrap     func(Transport) Transport
}

func newSimHarness(t *testing.T, opts SimOptions) *simHarness {
	t.Helper()
	h := &simHarness{clock: newFakeClock(), bus: &recordingBus{}, opts: opts}
	h.ctrl = NewController("test", ControllerOptions{
		Log:   zerolog.Nop(),
		Open:  h.open,
		Bus:   h.bus,
		Clock: h.clock.Now,
	})
	return h
}

func (h *simHarness) open(cfg ConnectionConfig) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openFail {
		return nil, errors.New("no such device")
	}
	s, err := NewSimTransport(cfg.Protocol, h.opts)
	if err != nil {
		return nil, err
	}
	h.sims = append(h.sims, s)
	if h.wrap != nil {
		return h.wrap(s), nil
	}
	return s, nil
}

func (h *simHarness) sim() *SimTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sims[len(h.sims)-1]
}

// step advances the clock by d and runs one Update.
func (h *simHarness) step(d time.Duration) (Snapshot, bool) {
	return h.ctrl.Update(h.clock.Advance(d))
}

func (h *simHarness) connect(t *testing.T, cfg ConnectionConfig) {
	t.Helper()
	if cfg.Port == "" {
		cfg.Port = "sim"
	}
	if err := h.ctrl.Connect(cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 10 && h.ctrl.State() != StateConnected; i++ {
		h.step(time.Millisecond)
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Fatalf("state after handshake: %v", got)
	}
}

// refresh runs Updates until a new snapshot is decoded.
func (h *simHarness) refresh(t *testing.T) Snapshot {
	t.Helper()
	for i := 0; i < 10; i++ {
		if s, ok := h.step(time.Millisecond); ok {
			return s
		}
	}
	t.Fatalf("no snapshot after 10 updates (state %v)", h.ctrl.State())
	return Snapshot{}
}

func TestHandshakeAndRealtime(t *testing.T) {
	for _, proto := range []string{"binary-crc", "text"} {
		h := newSimHarness(t, SimOptions{Seed: 1})
		h.connect(t, ConnectionConfig{Protocol: proto})

		if v := h.ctrl.Stats().Version; v != simVersion {
			t.Fatalf("%s: version %q", proto, v)
		}
		first := h.refresh(t)
		second := h.refresh(t)
		if first.Seq != 1 || second.Seq != 2 {
			t.Fatalf("%s: sequence numbers %d, %d", proto, first.Seq, second.Seq)
		}
		if first.RPM < 850 || first.Timestamp.IsZero() {
			t.Fatalf("%s: implausible snapshot %+v", proto, first)
		}
		if s, ok := h.ctrl.Snapshot(); !ok || s.Seq != 2 {
			t.Fatalf("%s: cached snapshot %+v", proto, s)
		}
		if st := h.ctrl.Stats(); st.Exchanges != 3 || st.Window.Samples != 3 {
			t.Fatalf("%s: stats %+v", proto, st)
		}
	}
}

func TestUpdateIsOneStep(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	h.connect(t, ConnectionConfig{})

	// First call sends, second call reads.
	if _, ok := h.step(time.Millisecond); ok {
		t.Fatalf("a send step must not refresh the snapshot")
	}
	if _, ok := h.step(time.Millisecond); !ok {
		t.Fatalf("the following read step should refresh")
	}
}

func TestConnectWhileActive(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	if err := h.ctrl.Connect(ConnectionConfig{Port: "sim"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h.ctrl.Connect(ConnectionConfig{Port: "sim"}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second connect: expected ErrAlreadyActive, got %v", err)
	}
}

func TestOpenFailureEntersError(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	h.openFail = true

	err := h.ctrl.Connect(ConnectionConfig{Port: "/dev/ttyUSB9"})
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Port != "/dev/ttyUSB9" {
		t.Fatalf("expected *ConnectError, got %v", err)
	}
	if got := h.ctrl.State(); got != StateError {
		t.Fatalf("state: got %v want Error", got)
	}
	desc, ok := h.ctrl.LastError()
	if !ok || desc.Kind != KindOpen {
		t.Fatalf("last error: %+v %v", desc, ok)
	}
	h.ctrl.ClearError()
	if _, ok := h.ctrl.LastError(); ok {
		t.Fatalf("error not cleared")
	}

	// A new Connect from Error goes through Disconnected.
	h.openFail = false
	if err := h.ctrl.Connect(ConnectionConfig{Port: "sim"}); err != nil {
		t.Fatalf("connect after failure: %v", err)
	}
	evs := h.bus.snapshot()
	if len(evs) != 3 || evs[1].To != "Disconnected" || evs[2].To != "Connecting" {
		t.Fatalf("unexpected transitions %+v", evs)
	}
}

func TestUnknownProtocolLeavesStateAlone(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	if err := h.ctrl.Connect(ConnectionConfig{Port: "sim", Protocol: "canbus"}); !errors.Is(err, protocol.ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
	if h.ctrl.State() != StateDisconnected {
		t.Fatalf("state changed on a config error")
	}
}

func TestSilentTransportTimesOutThenDisconnects(t *testing.T) {
	h := newSimHarness(t, SimOptions{Silent: true})
	if err := h.ctrl.Connect(ConnectionConfig{Port: "SIM0"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.ctrl.State() != StateConnecting {
		t.Fatalf("state after connect: %v", h.ctrl.State())
	}

	const tick = 10 * time.Millisecond
	var elapsed time.Duration
	for h.ctrl.State() == StateConnecting && elapsed < 2*time.Second {
		h.step(tick)
		elapsed += tick
	}
	if got := h.ctrl.State(); got != StateTimeout {
		t.Fatalf("state: got %v want Timeout", got)
	}
	if elapsed > timing.DefaultTimeout+2*tick {
		t.Fatalf("timed out after %v, want within %v", elapsed, timing.DefaultTimeout)
	}
	if desc, ok := h.ctrl.LastError(); !ok || desc.Kind != KindTimeout || !errors.Is(desc, ErrTimeout) {
		t.Fatalf("last error: %+v", desc)
	}

	if err := h.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := h.ctrl.State(); got != StateDisconnected {
		t.Fatalf("state after disconnect: %v", got)
	}
	if err := h.ctrl.Disconnect(); err != nil {
		t.Fatalf("second disconnect must be a no-op: %v", err)
	}
}

func TestConnectedTimeoutWhenECUGoesQuiet(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	h.connect(t, ConnectionConfig{TimeoutBase: 200 * time.Millisecond})
	h.refresh(t)

	h.sim().SetSilent(true)
	for i := 0; i < 30 && h.ctrl.State() == StateConnected; i++ {
		h.step(10 * time.Millisecond)
	}
	if got := h.ctrl.State(); got != StateTimeout {
		t.Fatalf("state: got %v want Timeout", got)
	}
	if h.ctrl.Stats().Timeouts != 1 {
		t.Fatalf("timeouts: %+v", h.ctrl.Stats())
	}
}

func TestStaleSnapshot(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	h.connect(t, ConnectionConfig{TimeoutBase: time.Second, StaleAfter: 100 * time.Millisecond})
	h.refresh(t)

	r, ok := h.ctrl.Reading(h.clock.Now())
	if !ok || r.Stale {
		t.Fatalf("fresh reading reported stale: %+v", r)
	}

	// Keep the exchange open without a response; still Connected.
	h.sim().SetSilent(true)
	h.step(time.Millisecond)
	h.step(200 * time.Millisecond)
	if h.ctrl.State() != StateConnected {
		t.Fatalf("state: %v", h.ctrl.State())
	}
	r, _ = h.ctrl.Reading(h.clock.Now())
	if !r.Stale {
		t.Fatalf("reading older than StaleAfter must be stale: age %v", r.Snapshot.Age(h.clock.Now()))
	}

	_ = h.ctrl.Disconnect()
	r, ok = h.ctrl.Reading(h.clock.Now())
	if !ok || !r.Stale {
		t.Fatalf("reading after disconnect must be kept and stale: %+v %v", r, ok)
	}
}

func TestChecksumErrorsEscalateAndKeepSnapshot(t *testing.T) {
	h := newSimHarness(t, SimOptions{Seed: 2})
	h.connect(t, ConnectionConfig{MaxErrors: 5})
	good := h.refresh(t)

	h.sim().SetCorruptRate(1)
	for i := 0; i < 50 && h.ctrl.State() == StateConnected; i++ {
		if _, ok := h.step(time.Millisecond); ok {
			t.Fatalf("corrupt frame refreshed the snapshot")
		}
	}
	if got := h.ctrl.State(); got != StateError {
		t.Fatalf("state: got %v want Error", got)
	}
	st := h.ctrl.Stats()
	if st.ChecksumErrors != 5 || st.ConsecutiveErrors != 5 {
		t.Fatalf("error counters: %+v", st)
	}
	if desc, _ := h.ctrl.LastError(); desc.Kind != KindProtocol || !errors.Is(desc, ErrTooManyErrors) {
		t.Fatalf("last error: %+v", desc)
	}
	cached, _ := h.ctrl.Snapshot()
	if cached != good {
		t.Fatalf("snapshot changed by rejected frames:\n got %+v\nwant %+v", cached, good)
	}
}

// noisyTransport puts a stray START byte in front of every response.
type noisyTransport struct {
	Transport
	armed bool
}

func (n *noisyTransport) Write(p []byte) (int, error) {
	n.armed = true
	return n.Transport.Write(p)
}

func (n *noisyTransport) Read(p []byte) (int, error) {
	if !n.armed || len(p) < 2 {
		return n.Transport.Read(p)
	}
	got, err := n.Transport.Read(p[1:])
	if got == 0 || err != nil {
		return got, err
	}
	n.armed = false
	p[0] = protocol.StartByte
	return got + 1, nil
}

func TestStrayStartByteBeforeResponses(t *testing.T) {
	h := newSimHarness(t, SimOptions{Seed: 4})
	h.wrap = func(tr Transport) Transport { return &noisyTransport{Transport: tr} }
	h.connect(t, ConnectionConfig{Protocol: "binary-crc"})

	first := h.refresh(t)
	second := h.refresh(t)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence numbers %d, %d", first.Seq, second.Seq)
	}
	st := h.ctrl.Stats()
	if st.Exchanges != 3 || st.FramingErrors != 3 || st.Errors != 0 || st.ConsecutiveErrors != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Fatalf("state: %v", got)
	}
}

func TestRejectedFrameWithoutAnswerIsTransient(t *testing.T) {
	h := newSimHarness(t, SimOptions{Seed: 5})
	h.connect(t, ConnectionConfig{MaxErrors: 100})
	h.refresh(t)

	h.sim().SetCorruptRate(1)
	h.step(time.Millisecond) // send
	h.step(time.Millisecond) // read the corrupt answer
	st := h.ctrl.Stats()
	if st.ChecksumErrors != 1 || st.Errors != 1 || st.ConsecutiveErrors != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Fatalf("state: %v", got)
	}
}

func TestIntermittentCorruptionNeverReachesSnapshot(t *testing.T) {
	for _, proto := range []string{"binary-crc", "text"} {
		h := newSimHarness(t, SimOptions{Seed: 11, CorruptRate: 0.3})
		h.connect(t, ConnectionConfig{Protocol: proto, MaxErrors: 1000})

		var last uint64
		for i := 0; i < 400; i++ {
			s, ok := h.step(time.Millisecond)
			if !ok {
				continue
			}
			if s.Seq != last+1 {
				t.Fatalf("%s: sequence jumped from %d to %d", proto, last, s.Seq)
			}
			last = s.Seq
			if s.RPM < 850 || s.RPM > 4950 || s.Coolant < 85 || s.Coolant > 90 || !s.Sync {
				t.Fatalf("%s: corrupted values reached the snapshot: %+v", proto, s)
			}
		}
		st := h.ctrl.Stats()
		if st.ChecksumErrors == 0 || last == 0 {
			t.Fatalf("%s: expected both good and rejected frames: %+v", proto, st)
		}
		if h.ctrl.State() != StateConnected {
			t.Fatalf("%s: state %v", proto, h.ctrl.State())
		}
	}
}

// drive runs Updates until done is closed.
func (h *simHarness) drive(t *testing.T, done <-chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return
		default:
		}
		h.step(time.Millisecond)
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatalf("request did not complete")
}

func TestParameterReadWrite(t *testing.T) {
	for _, proto := range []string{"binary-crc", "text"} {
		h := newSimHarness(t, SimOptions{})
		h.connect(t, ConnectionConfig{Protocol: proto})
		h.sim().SetParameter(12, 4.5)

		var (
			got  float32
			rerr error
			werr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			ctx := context.Background()
			if werr = h.ctrl.WriteParameter(ctx, 13, 7.25); werr != nil {
				return
			}
			got, rerr = h.ctrl.ReadParameter(ctx, 12)
		}()
		h.drive(t, done)

		if werr != nil || rerr != nil {
			t.Fatalf("%s: write=%v read=%v", proto, werr, rerr)
		}
		if got != 4.5 {
			t.Fatalf("%s: read %v want 4.5", proto, got)
		}
		if v, ok := h.sim().Parameter(13); !ok || v != 7.25 {
			t.Fatalf("%s: ECU holds %v (%v) want 7.25", proto, v, ok)
		}
	}
}

func TestParameterRequestsFailWhenNotConnected(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	if _, err := h.ctrl.ReadParameter(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("read before connect: %v", err)
	}

	h.connect(t, ConnectionConfig{})
	errc := make(chan error, 1)
	go func() {
		_, err := h.ctrl.ReadParameter(context.Background(), 1)
		errc <- err
	}()
	deadline := time.Now().Add(time.Second)
	for h.ctrl.Stats().QueuedParams == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = h.ctrl.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("pending request: expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending request not failed by Disconnect")
	}
}

func TestParameterRequestHonoursContext(t *testing.T) {
	h := newSimHarness(t, SimOptions{})
	h.connect(t, ConnectionConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Nobody drives the controller, so only the context can end the wait.
	if _, err := h.ctrl.ReadParameter(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRandomConnectDisconnectFollowsTransitionTable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newSimHarness(t, SimOptions{Seed: 42})
	reached := map[string]bool{"Disconnected": true}

	for i := 0; i < 3000; i++ {
		switch op := rng.Intn(10); {
		case op == 0:
			h.mu.Lock()
			h.openFail = rng.Intn(4) == 0
			h.opts.Silent = rng.Intn(3) == 0
			h.opts.CorruptRate = []float64{0, 0, 1}[rng.Intn(3)]
			h.mu.Unlock()
			err := h.ctrl.Connect(ConnectionConfig{Port: "sim", TimeoutBase: 100 * time.Millisecond, MaxErrors: 3})
			if err != nil && !errors.Is(err, ErrAlreadyActive) {
				var cerr *ConnectError
				if !errors.As(err, &cerr) {
					t.Fatalf("op %d: unexpected connect error %v", i, err)
				}
			}
		case op == 1:
			_ = h.ctrl.Disconnect()
		case op < 4:
			h.step(150 * time.Millisecond)
		default:
			h.step(time.Millisecond)
		}

		evs := h.bus.snapshot()
		if len(evs) > 0 && evs[len(evs)-1].To != h.ctrl.State().String() {
			t.Fatalf("op %d: last event %q disagrees with state %v", i, evs[len(evs)-1].To, h.ctrl.State())
		}
	}

	names := map[string]ConnectionState{}
	for s := StateDisconnected; s <= StateTimeout; s++ {
		names[s.String()] = s
	}
	prev := "Disconnected"
	for i, ev := range h.bus.snapshot() {
		if ev.From != prev {
			t.Fatalf("event %d: from %q, previous state was %q", i, ev.From, prev)
		}
		if !CanTransition(names[ev.From], names[ev.To]) {
			t.Fatalf("event %d: illegal transition %s -> %s", i, ev.From, ev.To)
		}
		reached[ev.To] = true
		prev = ev.To
	}
	for name := range names {
		if !reached[name] {
			t.Fatalf("state %s never reached; reached %v", name, reached)
		}
	}
}

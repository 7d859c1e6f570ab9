package ecu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/events"
	"github.com/shaunagostinho/efibridge/internal/protocol"
	"github.com/shaunagostinho/efibridge/internal/timing"
)

const readChunk = 512

// Controller owns one ECU connection: its state, its transport and the
// latest decoded snapshot. Update drives it one step at a time and never
// blocks on the link; everything else is safe to call from any goroutine.
type Controller struct {
	name  string
	log   zerolog.Logger
	open  Opener
	bus   events.Bus
	clock func() time.Time

	connectMu sync.Mutex // serializes Connect while the transport opens

	mu          sync.Mutex
	state       ConnectionState
	since       time.Time
	cfg         ConnectionConfig
	codec       protocol.Codec
	transport   Transport
	estimator   *timing.Estimator
	rx          []byte
	readBuf     []byte
	inflight    *exchange
	queue       []*paramRequest
	consecutive int
	lastErr     *ErrorDescriptor
	version     string
	counters    counters
	seq         uint64
	notify      []events.ECUStateChanged

	snapshot atomic.Pointer[Snapshot]
}

type exchange struct {
	cmd    protocol.Command
	sentAt time.Time
	param  *paramRequest
}

type paramRequest struct {
	ctx   context.Context
	write bool
	id    uint16
	value float32
	reply chan paramResult
}

type paramResult struct {
	value float32
	err   error
}

func (r *paramRequest) finish(v float32, err error) {
	select {
	case r.reply <- paramResult{value: v, err: err}:
	default:
	}
}

type counters struct {
	exchanges      uint64
	errors         uint64
	checksumErrors uint64
	framingErrors  uint64
	ioErrors       uint64
	timeouts       uint64
	stray          uint64
}

// ControllerOptions wires a controller to its collaborators. Zero fields
// get working defaults.
type ControllerOptions struct {
	Log   zerolog.Logger
	Open  Opener
	Bus   events.Bus
	Clock func() time.Time
}

func NewController(name string, opts ControllerOptions) *Controller {
	if opts.Open == nil {
		opts.Open = OpenTransport
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cfg := ConnectionConfig{}.WithDefaults()
	return &Controller{
		name:      name,
		log:       opts.Log,
		open:      opts.Open,
		bus:       opts.Bus,
		clock:     opts.Clock,
		cfg:       cfg,
		since:     opts.Clock(),
		estimator: timing.NewEstimator(cfg.timingConfig()),
		readBuf:   make([]byte, readChunk),
	}
}

func (c *Controller) Name() string { return c.name }

// Connect opens the transport and starts the handshake. It blocks only for
// as long as opening the transport takes.
func (c *Controller) Connect(cfg ConnectionConfig) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	cfg = cfg.WithDefaults()
	codec, err := protocol.Lookup(cfg.Protocol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	if c.state != StateDisconnected {
		c.disconnectLocked(c.clock())
	}
	c.mu.Unlock()
	c.flush()

	t, openErr := c.open(cfg)
	now := c.clock()

	c.mu.Lock()
	c.cfg = cfg
	if openErr != nil {
		cerr := &ConnectError{Port: cfg.Port, Err: openErr}
		c.recordError(now, KindOpen, cerr)
		c.setState(now, StateError)
		c.mu.Unlock()
		c.flush()
		c.log.Warn().Err(openErr).Str("port", cfg.Port).Msg("open failed")
		return cerr
	}
	c.codec = codec
	c.transport = t
	c.estimator = timing.NewEstimator(cfg.timingConfig())
	c.rx = c.rx[:0]
	c.inflight = nil
	c.consecutive = 0
	c.counters = counters{}
	c.version = ""
	c.setState(now, StateConnecting)
	c.mu.Unlock()
	c.flush()

	c.log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Str("protocol", string(codec.ID())).Msg("transport open, handshaking")
	return nil
}

// Disconnect closes the transport from any state. Pending parameter
// requests fail with ErrNotConnected.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	err := c.disconnectLocked(c.clock())
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Controller) disconnectLocked(now time.Time) error {
	var err error
	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}
	c.failInflight(ErrNotConnected)
	c.failQueue(ErrNotConnected)
	c.rx = c.rx[:0]
	c.setState(now, StateDisconnected)
	return err
}

// Update performs at most one exchange step: a send, or one read poll of
// the transport. It reports the snapshot when this step refreshed it.
func (c *Controller) Update(now time.Time) (Snapshot, bool) {
	c.mu.Lock()
	refreshed := c.step(now)
	c.mu.Unlock()
	c.flush()

	if !refreshed {
		return Snapshot{}, false
	}
	return *c.snapshot.Load(), true
}

func (c *Controller) step(now time.Time) bool {
	if !c.state.Active() {
		return false
	}
	if c.state == StateConnecting && now.Sub(c.since) > c.estimator.Timeout() {
		c.timeout(now, "handshake")
		return false
	}
	if c.inflight == nil {
		c.send(now)
		return false
	}
	return c.poll(now)
}

func (c *Controller) send(now time.Time) {
	ex, req := c.nextRequest()
	if ex == nil {
		return
	}
	raw, err := c.codec.EncodeRequest(req)
	if err != nil {
		if ex.param != nil {
			ex.param.finish(0, err)
		}
		c.log.Error().Err(err).Stringer("cmd", req.Command).Msg("encode request")
		return
	}
	// Leftovers of a rejected response must not prefix the next one.
	c.rx = c.rx[:0]
	if r, ok := c.transport.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			c.log.Debug().Err(err).Msg("reset input buffer")
		}
	}
	c.inflight = ex
	ex.sentAt = now
	if _, err := c.transport.Write(raw); err != nil {
		c.ioFailure(now, fmt.Errorf("write: %w", err))
	}
}

func (c *Controller) nextRequest() (*exchange, protocol.Request) {
	pid := c.codec.ID()
	if c.state == StateConnecting {
		return &exchange{cmd: protocol.CmdQuery}, protocol.Request{Command: protocol.CmdQuery}
	}
	for len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		if err := p.ctx.Err(); err != nil {
			p.finish(0, err)
			continue
		}
		if p.write {
			return &exchange{cmd: protocol.CmdWriteParam, param: p},
				protocol.Request{Command: protocol.CmdWriteParam, Payload: encodeParamValue(pid, p.id, p.value)}
		}
		return &exchange{cmd: protocol.CmdReadParam, param: p},
			protocol.Request{Command: protocol.CmdReadParam, Payload: encodeParamRead(pid, p.id)}
	}
	req := protocol.Request{Command: protocol.CmdRealtime}
	if pid == protocol.BinaryCRC {
		req.Payload = []byte{c.cfg.CanID}
	}
	return &exchange{cmd: protocol.CmdRealtime}, req
}

func (c *Controller) poll(now time.Time) bool {
	n, err := c.transport.Read(c.readBuf)
	if err != nil {
		c.ioFailure(now, fmt.Errorf("read: %w", err))
		return false
	}
	c.rx = append(c.rx, c.readBuf[:n]...)

	// A rejected candidate abandons the exchange only if nothing after it
	// in rx answers the in-flight command.
	var rejected error
	refreshed := false
	off := 0
	for off < len(c.rx) && c.inflight != nil && c.state.Active() {
		f, used, err := c.codec.DecodeResponse(c.rx[off:])
		off += used
		if err != nil {
			if protocol.IsIncomplete(err) {
				if used == 0 {
					break
				}
				continue
			}
			if rejected == nil {
				rejected = err
				c.countRejected(err)
			}
			c.log.Debug().Err(err).Msg("rejected frame")
			continue
		}
		if c.handle(now, f) {
			refreshed = true
		}
	}
	if off > 0 {
		c.rx = append(c.rx[:0], c.rx[off:]...)
	}
	if rejected != nil && c.inflight != nil && c.state.Active() {
		c.transient(now, KindProtocol, rejected)
	}

	if c.inflight != nil && c.state.Active() && now.Sub(c.inflight.sentAt) > c.estimator.Timeout() {
		c.timeout(now, c.inflight.cmd.String())
	}
	return refreshed
}

// handle completes the in-flight exchange with f. It reports whether the
// snapshot was refreshed.
func (c *Controller) handle(now time.Time, f protocol.Frame) bool {
	ex := c.inflight
	if f.Command != ex.cmd {
		c.counters.stray++
		c.log.Debug().Stringer("got", f.Command).Stringer("want", ex.cmd).Msg("stray response")
		return false
	}
	c.inflight = nil
	rtt := now.Sub(ex.sentAt)
	pid := c.codec.ID()

	switch ex.cmd {
	case protocol.CmdQuery:
		c.version = string(f.Payload)
		c.succeed(rtt)
		c.setState(now, StateConnected)
		c.log.Info().Str("version", c.version).Dur("rtt", rtt).Msg("connected")

	case protocol.CmdRealtime:
		snap, err := decodeRealtime(pid, f.Payload, c.cfg.Stoich)
		if err != nil {
			c.protocolFailure(now, err)
			return false
		}
		c.succeed(rtt)
		c.seq++
		snap.Seq = c.seq
		snap.Timestamp = now
		c.snapshot.Store(&snap)
		return true

	case protocol.CmdReadParam:
		v, err := decodeParamReadReply(pid, ex.param.id, f.Payload)
		if err != nil {
			ex.param.finish(0, err)
			c.protocolFailure(now, err)
			return false
		}
		c.succeed(rtt)
		ex.param.finish(v, nil)

	case protocol.CmdWriteParam:
		if err := decodeParamWriteAck(pid, f.Payload); err != nil {
			ex.param.finish(0, err)
			c.protocolFailure(now, err)
			return false
		}
		c.succeed(rtt)
		ex.param.finish(ex.param.value, nil)
	}
	return false
}

func (c *Controller) succeed(rtt time.Duration) {
	c.counters.exchanges++
	c.consecutive = 0
	c.estimator.Record(rtt)
}

func (c *Controller) ioFailure(now time.Time, err error) {
	c.counters.ioErrors++
	c.transient(now, KindIO, err)
}

func (c *Controller) protocolFailure(now time.Time, err error) {
	c.countRejected(err)
	c.transient(now, KindProtocol, err)
}

func (c *Controller) countRejected(err error) {
	switch {
	case errors.Is(err, protocol.ErrChecksum):
		c.counters.checksumErrors++
	case errors.Is(err, protocol.ErrFraming):
		c.counters.framingErrors++
	}
}

// transient counts a recoverable failure and escalates to Error once
// MaxErrors happen in a row on an established connection. The cached
// snapshot is never touched.
func (c *Controller) transient(now time.Time, kind ErrorKind, err error) {
	c.failInflight(err)
	c.counters.errors++
	c.consecutive++
	c.recordError(now, kind, err)
	c.log.Debug().Err(err).Int("consecutive", c.consecutive).Msg("exchange failed")

	if c.state == StateConnected && c.consecutive >= c.cfg.MaxErrors {
		c.recordError(now, kind, fmt.Errorf("%w (%d): %w", ErrTooManyErrors, c.consecutive, err))
		c.enterFailed(now, StateError, ErrTooManyErrors)
	}
}

func (c *Controller) timeout(now time.Time, what string) {
	c.counters.timeouts++
	err := fmt.Errorf("%w: %s after %v", ErrTimeout, what, c.estimator.Timeout())
	c.recordError(now, KindTimeout, err)
	c.enterFailed(now, StateTimeout, ErrTimeout)
}

// enterFailed moves to Error or Timeout. The transport stays open until
// Disconnect.
func (c *Controller) enterFailed(now time.Time, to ConnectionState, cause error) {
	c.failInflight(cause)
	c.failQueue(ErrNotConnected)
	c.rx = c.rx[:0]
	c.setState(now, to)
	c.log.Warn().Str("state", to.String()).Str("error", c.lastErr.Message).Msg("connection lost")
}

func (c *Controller) failInflight(err error) {
	if c.inflight == nil {
		return
	}
	if c.inflight.param != nil {
		c.inflight.param.finish(0, err)
	}
	c.inflight = nil
}

func (c *Controller) failQueue(err error) {
	for _, p := range c.queue {
		p.finish(0, err)
	}
	c.queue = nil
}

func (c *Controller) recordError(now time.Time, kind ErrorKind, err error) {
	c.lastErr = &ErrorDescriptor{
		Kind:    kind,
		Message: err.Error(),
		State:   c.state.String(),
		At:      now,
		Err:     err,
	}
}

func (c *Controller) setState(now time.Time, to ConnectionState) {
	from := c.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		c.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("illegal state transition")
		return
	}
	c.state = to
	c.since = now
	ev := events.ECUStateChanged{ECU: c.name, From: from.String(), To: to.String(), At: now}
	if (to == StateError || to == StateTimeout) && c.lastErr != nil {
		ev.Error = c.lastErr.Message
	}
	c.notify = append(c.notify, ev)
}

// flush publishes queued state changes outside the lock.
func (c *Controller) flush() {
	c.mu.Lock()
	evs := c.notify
	c.notify = nil
	c.mu.Unlock()
	for _, ev := range evs {
		c.bus.Publish(events.TopicECUState, ev)
	}
}

// ReadParameter asks the ECU for one parameter. The request is served
// ahead of the next realtime poll.
func (c *Controller) ReadParameter(ctx context.Context, id uint16) (float32, error) {
	return c.enqueue(ctx, &paramRequest{ctx: ctx, id: id})
}

// WriteParameter stores one parameter and waits for the ECU's ack.
func (c *Controller) WriteParameter(ctx context.Context, id uint16, value float32) error {
	_, err := c.enqueue(ctx, &paramRequest{ctx: ctx, write: true, id: id, value: value})
	return err
}

func (c *Controller) enqueue(ctx context.Context, req *paramRequest) (float32, error) {
	req.reply = make(chan paramResult, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateSince returns the state and when it was entered.
func (c *Controller) StateSince() (ConnectionState, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.since
}

// Config returns the configuration of the current or last attempt.
func (c *Controller) Config() ConnectionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Snapshot returns a copy of the latest snapshot, if any was decoded.
func (c *Controller) Snapshot() (Snapshot, bool) {
	s := c.snapshot.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Reading returns the latest snapshot flagged stale when the connection is
// down or the snapshot is older than StaleAfter.
func (c *Controller) Reading(now time.Time) (Reading, bool) {
	s, ok := c.Snapshot()
	if !ok {
		return Reading{}, false
	}
	c.mu.Lock()
	stale := c.state != StateConnected || s.Age(now) > c.cfg.StaleAfter
	c.mu.Unlock()
	return Reading{Snapshot: s, Stale: stale}, true
}

func (c *Controller) LastError() (ErrorDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return ErrorDescriptor{}, false
	}
	return *c.lastErr, true
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

// Stats is a point-in-time copy of controller counters.
type Stats struct {
	Name              string          `json:"name"`
	State             ConnectionState `json:"state"`
	Since             time.Time       `json:"since"`
	Port              string          `json:"port"`
	Protocol          string          `json:"protocol"`
	Version           string          `json:"version,omitempty"`
	Exchanges         uint64          `json:"exchanges"`
	Errors            uint64          `json:"errors"`
	ChecksumErrors    uint64          `json:"checksumErrors"`
	FramingErrors     uint64          `json:"framingErrors"`
	IOErrors          uint64          `json:"ioErrors"`
	Timeouts          uint64          `json:"timeouts"`
	Stray             uint64          `json:"stray"`
	ConsecutiveErrors int             `json:"consecutiveErrors"`
	Timeout           time.Duration   `json:"timeout"`
	Window            timing.Snapshot `json:"window"`
	Seq               uint64          `json:"seq"`
	QueuedParams      int             `json:"queuedParams"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	win := c.estimator.Snapshot()
	return Stats{
		Name:              c.name,
		State:             c.state,
		Since:             c.since,
		Port:              c.cfg.Port,
		Protocol:          c.cfg.Protocol,
		Version:           c.version,
		Exchanges:         c.counters.exchanges,
		Errors:            c.counters.errors,
		ChecksumErrors:    c.counters.checksumErrors,
		FramingErrors:     c.counters.framingErrors,
		IOErrors:          c.counters.ioErrors,
		Timeouts:          c.counters.timeouts,
		Stray:             c.counters.stray,
		ConsecutiveErrors: c.consecutive,
		Timeout:           win.Timeout,
		Window:            win,
		Seq:               c.seq,
		QueuedParams:      len(c.queue),
	}
}

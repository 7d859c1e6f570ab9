package ecu

import (
	"context"
	"sync"
)

// Backend is the ECU plugin: a Controller plus the Poller that drives it.
type Backend struct {
	name   string
	ctrl   *Controller
	poller *Poller

	mu   sync.Mutex
	base ConnectionConfig
	ctx  context.Context
}

func NewBackend(name string, base ConnectionConfig, opts ControllerOptions) *Backend {
	ctrl := NewController(name, opts)
	return &Backend{
		name:   name,
		ctrl:   ctrl,
		poller: NewPoller(ctrl, opts.Log),
		base:   base.WithDefaults(),
		ctx:    context.Background(),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Controller() *Controller { return b.ctrl }

// Start binds the backend to ctx and connects when AutoConnect is set.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	cfg := b.base
	b.mu.Unlock()

	if !cfg.AutoConnect {
		return nil
	}
	return b.connect(cfg)
}

// Stop halts polling and closes the connection.
func (b *Backend) Stop() {
	b.poller.Stop()
	_ = b.ctrl.Disconnect()
}

// Connect overrides port, baud and protocol of the base configuration
// where they are non-zero and begins the handshake. It returns once the
// transport is open; IsConnected turns true after the ECU answers.
func (b *Backend) Connect(port string, baud int, protocol string) error {
	b.mu.Lock()
	cfg := b.base
	if port != "" {
		cfg.Port = port
	}
	if baud > 0 {
		cfg.Baud = baud
	}
	if protocol != "" {
		cfg.Protocol = protocol
	}
	b.mu.Unlock()
	return b.connect(cfg)
}

func (b *Backend) connect(cfg ConnectionConfig) error {
	err := b.ctrl.Connect(cfg)
	if err == nil || cfg.AutoReconnect {
		b.mu.Lock()
		ctx := b.ctx
		b.mu.Unlock()
		b.poller.Start(ctx)
	}
	return err
}

// Disconnect stops reconnect attempts and closes the transport.
func (b *Backend) Disconnect() error {
	b.poller.Stop()
	return b.ctrl.Disconnect()
}

func (b *Backend) IsConnected() bool {
	return b.ctrl.State() == StateConnected
}

// ReadRealtimeData returns the cached snapshot without touching the link.
func (b *Backend) ReadRealtimeData() (Reading, error) {
	r, ok := b.ctrl.Reading(b.ctrl.clock())
	if !ok {
		return Reading{}, ErrNotConnected
	}
	return r, nil
}

func (b *Backend) ReadParameter(ctx context.Context, id uint16) (float32, error) {
	return b.ctrl.ReadParameter(ctx, id)
}

func (b *Backend) WriteParameter(ctx context.Context, id uint16, value float32) error {
	return b.ctrl.WriteParameter(ctx, id, value)
}

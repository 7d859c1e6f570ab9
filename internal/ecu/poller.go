package ecu

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Poller drives one Controller from its own goroutine and owns the
// reconnect policy.
//
// After a failure the controller sits in Error or Timeout. Once the
// reconnect delay has elapsed and AutoReconnect is set, the poller
// disconnects and connects again. The delay starts at ReconnectInterval and
// doubles after each attempt that fails to reach Connected, up to
// MaxReconnectDelay.
type Poller struct {
	ctrl *Controller
	log  zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	attempt int
	delay   time.Duration
}

func NewPoller(ctrl *Controller, log zerolog.Logger) *Poller {
	return &Poller{ctrl: ctrl, log: log}
}

// Start launches the polling goroutine. Calling Start on a running poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.attempt = 0
	p.delay = 0
	go p.run(ctx, p.done)
}

// Stop cancels the goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := p.ctrl.Config().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Debug().Dur("interval", interval).Msg("poller started")
	defer p.log.Debug().Msg("poller stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *Poller) tick(now time.Time) {
	p.ctrl.Update(now)

	state, since := p.ctrl.StateSince()
	cfg := p.ctrl.Config()

	if state == StateConnected {
		p.attempt = 0
		p.delay = 0
		return
	}
	if state != StateError && state != StateTimeout {
		return
	}
	if !cfg.AutoReconnect {
		return
	}
	if p.delay == 0 {
		p.delay = cfg.ReconnectInterval
	}
	if now.Sub(since) < p.delay {
		return
	}

	p.attempt++
	retry := p.nextDelay(cfg)
	p.log.Info().Int("attempt", p.attempt).Str("from", state.String()).Msg("reconnecting")
	if err := p.ctrl.Disconnect(); err != nil {
		p.log.Debug().Err(err).Msg("close before reconnect")
	}
	if err := p.ctrl.Connect(cfg); err != nil {
		p.log.Warn().Err(err).Int("attempt", p.attempt).Dur("retry_in", retry).Msg("reconnect failed")
	}
}

// nextDelay doubles the backoff and returns the new value.
func (p *Poller) nextDelay(cfg ConnectionConfig) time.Duration {
	p.delay *= 2
	if p.delay > cfg.MaxReconnectDelay {
		p.delay = cfg.MaxReconnectDelay
	}
	return p.delay
}

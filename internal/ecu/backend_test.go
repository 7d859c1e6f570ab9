package ecu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackendLifecycle(t *testing.T) {
	b := NewBackend("main", ConnectionConfig{Port: "sim", Protocol: "text"}, ControllerOptions{Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	if _, err := b.ReadRealtimeData(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("read before connect: expected ErrNotConnected, got %v", err)
	}
	if _, err := b.ReadParameter(ctx, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("parameter before connect: expected ErrNotConnected, got %v", err)
	}

	if err := b.Connect("", 0, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", 2*time.Second, b.IsConnected)
	waitFor(t, "first snapshot", 2*time.Second, func() bool {
		_, err := b.ReadRealtimeData()
		return err == nil
	})

	r, err := b.ReadRealtimeData()
	if err != nil || r.Stale || r.Snapshot.RPM == 0 {
		t.Fatalf("reading: %+v %v", r, err)
	}

	if err := b.WriteParameter(ctx, 2, 9.5); err != nil {
		t.Fatalf("write parameter: %v", err)
	}
	if v, err := b.ReadParameter(ctx, 2); err != nil || v != 9.5 {
		t.Fatalf("read parameter: %v %v", v, err)
	}

	if err := b.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if b.IsConnected() || b.poller.Running() {
		t.Fatalf("backend still active after disconnect")
	}
	r, err = b.ReadRealtimeData()
	if err != nil || !r.Stale {
		t.Fatalf("reading after disconnect must be stale: %+v %v", r, err)
	}
}

func TestBackendAutoConnect(t *testing.T) {
	b := NewBackend("auto", ConnectionConfig{Port: "sim", AutoConnect: true}, ControllerOptions{Log: zerolog.Nop()})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()
	waitFor(t, "auto connect", 2*time.Second, b.IsConnected)
}

func TestPollerReconnectsAfterTimeout(t *testing.T) {
	var (
		mu    sync.Mutex
		opens int
	)
	open := func(cfg ConnectionConfig) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		// The first ECU never answers, the second one does.
		return NewSimTransport(cfg.Protocol, SimOptions{Silent: opens == 1})
	}
	ctrl := NewController("flaky", ControllerOptions{Log: zerolog.Nop(), Open: open})
	cfg := ConnectionConfig{
		Port:              "sim",
		TimeoutBase:       50 * time.Millisecond,
		AutoReconnect:     true,
		ReconnectInterval: 30 * time.Millisecond,
	}
	if err := ctrl.Connect(cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p := NewPoller(ctrl, zerolog.Nop())
	p.Start(context.Background())
	waitFor(t, "reconnect", 3*time.Second, func() bool { return ctrl.State() == StateConnected })

	p.Stop()
	if p.Running() {
		t.Fatalf("poller still running after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if opens != 2 {
		t.Fatalf("opens: got %d want 2", opens)
	}
}

func TestPollerRetriesFailedOpenWithBackoff(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	open := func(cfg ConnectionConfig) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		return nil, errors.New("port busy")
	}
	ctrl := NewController("busy", ControllerOptions{Log: zerolog.Nop(), Open: open})
	cfg := ConnectionConfig{Port: "/dev/ttyACM0", AutoReconnect: true, ReconnectInterval: 20 * time.Millisecond}
	_ = ctrl.Connect(cfg)

	p := NewPoller(ctrl, zerolog.Nop())
	p.Start(context.Background())
	waitFor(t, "three retries", 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	})
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	first := attempts[2].Sub(attempts[1])
	second := attempts[3].Sub(attempts[2])
	if second < first {
		t.Fatalf("backoff did not grow: %v then %v", first, second)
	}
}

func TestPollerWithoutAutoReconnectStaysDown(t *testing.T) {
	ctrl := NewController("manual", ControllerOptions{
		Log:  zerolog.Nop(),
		Open: func(cfg ConnectionConfig) (Transport, error) { return NewSimTransport(cfg.Protocol, SimOptions{Silent: true}) },
	})
	if err := ctrl.Connect(ConnectionConfig{Port: "sim", TimeoutBase: 30 * time.Millisecond, ReconnectInterval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := NewPoller(ctrl, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, "timeout", 2*time.Second, func() bool { return ctrl.State() == StateTimeout })
	time.Sleep(100 * time.Millisecond)
	if got := ctrl.State(); got != StateTimeout {
		t.Fatalf("state without auto reconnect: got %v want Timeout", got)
	}
}

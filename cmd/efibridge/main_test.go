package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/bridge"
	"github.com/shaunagostinho/efibridge/internal/config"
	"github.com/shaunagostinho/efibridge/internal/viz"
)

func TestCreateChartsCoversBindings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bindings = append(cfg.Bindings, bridge.Spec{ID: "tps", Source: "speeduino", Field: "tps", Dest: config.PluginDashboard, Chart: "throttle", RateHz: 5})

	store := viz.NewStore(10)
	createCharts(zerolog.Nop(), cfg, store)

	for _, id := range []string{"engine", "temps", "mixture", "throttle"} {
		if _, ok := store.Chart(id); !ok {
			t.Fatalf("chart %q not created", id)
		}
	}
	engine, _ := store.Chart("engine")
	if len(engine.Series) != 2 {
		t.Fatalf("engine series: %+v", engine.Series)
	}
}

func TestConnectWithRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	connect := func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("refused")
		}
		return nil
	}
	done := make(chan struct{})
	go func() {
		connectWithRetry(context.Background(), zerolog.Nop(), "test", connect)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("retry loop did not finish")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestConnectWithRetryHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	connectWithRetry(ctx, zerolog.Nop(), "test", func(context.Context) error { return errors.New("refused") })
}

package bridge

import (
	"context"
	"time"
)

// Run ticks the bridge at its scan frequency until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / b.scanHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.log.Info().Float64("scan_hz", b.scanHz).Msg("bridge running")
	defer b.log.Info().Msg("bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Tick(now)
		}
	}
}

// Start runs the bridge in its own goroutine. It does nothing if already
// started.
func (b *Bridge) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Run(ctx)
	}()
}

// Stop cancels the goroutine started by Start and waits for it and for any
// dispatch still in flight.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.runMu.Unlock()
	if cancel != nil {
		cancel()
		b.wg.Wait()
	}
	b.jobs.Wait()
}

package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nostr-relaypool/internal/relay"
)

// ReconnectDisconnected dials every disconnected relay whose backoff has
// elapsed and waits for the attempts. Dials are throttled pool-wide; relays
// over the limit wait for a later sweep. It returns the number of attempts.
func (p *Pool) ReconnectDisconnected(ctx context.Context) int {
	if p.isClosed() {
		return 0
	}

	now := p.now()
	var wg sync.WaitGroup
	attempts := 0
	for _, e := range p.entries() {
		if e.conn.State() != relay.StateDisconnected || !e.due(now) {
			continue
		}
		if !p.limiter.Allow() {
			p.metrics.throttledDials.Inc()
			slog.Debug("pool: reconnect throttled", "relay", e.url)
			break
		}
		attempts++
		wg.Add(1)
		go func(e *relayEntry) {
			defer wg.Done()
			if err := p.connectRelay(ctx, e); err != nil {
				slog.Debug("pool: reconnect failed", "relay", e.url, "error", err)
			}
		}(e)
	}
	wg.Wait()
	return attempts
}

// Run sweeps for disconnected relays every ReconnectInterval until ctx is
// done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.ReconnectDisconnected(ctx); n > 0 {
				slog.Debug("pool: reconnect sweep", "attempts", n)
			}
		}
	}
}

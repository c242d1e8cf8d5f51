package chainrpc

import (
	"context"
	"time"

	"positionbot/internal/logging"
)

// HealthMonitor polls the chain RPC node on an interval and calls onUnrecoverable
// once a run of consecutive probe failures crosses maxConsecutiveFailures.
// Mirrors the consecutive-failure counter the teacher's user-data-stream
// keeper uses around its own reconnect loop, but this probe has nothing to
// reconnect to: a degraded RPC node is fatal for a service that can't place
// or confirm transactions without it, so the terminal action is a process
// exit rather than a retry-with-backoff.
type HealthMonitor struct {
	client                 Client
	interval               time.Duration
	maxConsecutiveFailures int
	onUnrecoverable        func(lastErr error)
}

// NewHealthMonitor builds a monitor. onUnrecoverable is invoked at most once,
// from Run's goroutine, after maxConsecutiveFailures probes in a row fail;
// Run returns immediately afterward. A maxConsecutiveFailures <= 0 disables
// the monitor (Run returns immediately without probing).
func NewHealthMonitor(client Client, interval time.Duration, maxConsecutiveFailures int, onUnrecoverable func(lastErr error)) *HealthMonitor {
	return &HealthMonitor{
		client:                 client,
		interval:               interval,
		maxConsecutiveFailures: maxConsecutiveFailures,
		onUnrecoverable:        onUnrecoverable,
	}
}

// Run blocks, probing on each tick until ctx is cancelled or the failure
// threshold trips. Call it in its own goroutine.
func (m *HealthMonitor) Run(ctx context.Context) {
	if m.maxConsecutiveFailures <= 0 {
		return
	}

	log := logging.Component("chainrpc-health")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
			_, err := m.client.GetLatestBlockhash(probeCtx)
			cancel()

			if err == nil {
				if consecutiveFailures > 0 {
					log.Info().Msg("rpc health recovered")
				}
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			log.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("rpc health probe failed")
			if consecutiveFailures >= m.maxConsecutiveFailures {
				log.Error().Int("consecutive_failures", consecutiveFailures).Msg("rpc node unreachable, giving up")
				m.onUnrecoverable(err)
				return
			}
		}
	}
}

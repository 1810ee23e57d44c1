package certs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Steffeeen/HarborGate/internal/clock"
)

// renewalFirstRun and renewalInterval implement spec §4.8's schedule
// exactly: first execution 60s after start, every 12h thereafter.
const (
	renewalFirstRun   = 60 * time.Second
	renewalInterval   = 12 * time.Hour
)

// RenewalLoop periodically re-issues certificates nearing expiry (spec
// §4.8). Grounded on the teacher's background-task shape: a single
// goroutine selecting on a timer and ctx.Done(), logging and continuing on
// per-item failure rather than terminating the loop.
type RenewalLoop struct {
	store    *Store
	provider Provider
	clk      clock.Clock
	log      *slog.Logger

	// interval overrides renewalInterval when set. It is derived from a
	// schedule override validated by
	// internal/config against github.com/robfig/cron/v3 before it reaches
	// here — RenewalLoop itself only needs the resulting interval, not the
	// cron expression, so it takes a plain duration.
	interval time.Duration
}

// NewRenewalLoop creates a RenewalLoop. If interval is zero, renewalInterval
// is used.
func NewRenewalLoop(store *Store, provider Provider, clk clock.Clock, log *slog.Logger, interval time.Duration) *RenewalLoop {
	if interval <= 0 {
		interval = renewalInterval
	}
	return &RenewalLoop{store: store, provider: provider, clk: clk, log: log, interval: interval}
}

// Run blocks until ctx is cancelled, renewing due certificates on the
// configured schedule.
func (r *RenewalLoop) Run(ctx context.Context) {
	select {
	case <-r.clk.After(renewalFirstRun):
	case <-ctx.Done():
		return
	}
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runOnce renews every host whose record needs it. Errors are logged and
// skipped; one host's failure never aborts the pass (spec §4.8, §7).
func (r *RenewalLoop) runOnce(ctx context.Context) {
	for _, host := range r.store.Hosts() {
		needsRenewal, err := r.provider.NeedsRenewal(ctx, host)
		if err != nil {
			r.log.Warn("renewal check failed", "host", host, "error", err, "component", "renewal_loop")
			continue
		}
		if !needsRenewal {
			continue
		}
		if _, err := r.provider.Renew(ctx, host); err != nil {
			r.log.Warn("renewal failed, keeping existing certificate", "host", host, "error", err, "component", "renewal_loop")
			continue
		}
		r.log.Info("certificate renewed", "host", host, "component", "renewal_loop")
	}
}

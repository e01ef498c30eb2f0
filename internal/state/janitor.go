package state

import (
	"context"
	"time"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
)

// Janitor periodically bounds the idempotency ledger and refreshes statuses
// that change with silence.
type Janitor struct {
	Store     *Store
	Retention time.Duration
	MaxRows   int
	Interval  time.Duration
	Clock     clock.Clock
	Metrics   *metrics.Collector
}

// Serve prunes on every interval until ctx is cancelled.
func (j *Janitor) Serve(ctx context.Context) error {
	clk := j.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	for {
		j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}

// RunOnce performs a single status refresh and prune pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	log := logging.With("ledger-janitor")
	if n, err := j.Store.RefreshStatuses(ctx); err != nil {
		log.Warn().Err(err).Msg("status refresh failed")
	} else if n > 0 {
		log.Info().Int("devices", n).Msg("statuses refreshed")
	}

	pr, err := j.Store.PruneLedger(ctx, j.Retention, j.MaxRows)
	if err != nil {
		log.Warn().Err(err).Msg("ledger prune failed")
		return
	}
	j.Metrics.Pruned("correlation", pr.Correlation)
	j.Metrics.Pruned("device_raw", pr.DeviceRaw)
	if pr.Correlation+pr.DeviceRaw > 0 {
		log.Info().Int64("correlation", pr.Correlation).Int64("device_raw", pr.DeviceRaw).Msg("ledger pruned")
	}
}

func (j *Janitor) String() string { return "ledger-janitor" }

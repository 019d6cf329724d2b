// Copyright 2025 James Ross
// Package reaper recovers claims abandoned by a crashed worker: spec.md §4.5
// notes this runs as "a separate reaper process (not in this core)" that
// unsets running on stale rows, so the Puller's claim-under-lease model
// stays correct even when a worker dies mid-job without cancelling.
package reaper

import (
	"context"
	"time"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/queue"
	"go.uber.org/zap"
)

// StaleReclaimer is the narrow surface the Reaper needs from the Queue
// Store; *queue.Store satisfies it against Postgres.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// Reaper periodically unsets running=true on queue rows whose last_ping
// has gone stale past a lease window, making them claimable again. The
// lease window is a multiple of the worker's ping interval so a single
// missed heartbeat under normal GC pause or network jitter never triggers
// a spurious reclaim.
type Reaper struct {
	store       StaleReclaimer
	leaseWindow time.Duration
	interval    time.Duration
	log         *zap.Logger
}

// LeaseMultiple is how many ping intervals of silence the reaper tolerates
// before declaring a claim abandoned.
const LeaseMultiple = 3

func New(cfg *config.Config, store StaleReclaimer, log *zap.Logger) *Reaper {
	return &Reaper{
		store:       store,
		leaseWindow: cfg.Worker.PingInterval * LeaseMultiple,
		interval:    5 * time.Second,
		log:         log,
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	n, err := r.store.ReclaimStale(ctx, time.Now().Add(-r.leaseWindow))
	if err != nil {
		r.log.Warn("reaper sweep error", obs.Err(err))
		return
	}
	if n > 0 {
		obs.ReaperRecovered.Add(float64(n))
		r.log.Warn("reclaimed stale job leases", obs.Int("count", int(n)))
	}
}

var _ StaleReclaimer = (*queue.Store)(nil)

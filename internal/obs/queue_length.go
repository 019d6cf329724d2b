// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flowforge/jobqueue/internal/config"
	"go.uber.org/zap"
)

// DepthSampler is the narrow surface StartQueueDepthUpdater needs: *queue.Store
// and *queue.FakeStore both satisfy it.
type DepthSampler interface {
	TagDepths(ctx context.Context) (map[string]int64, error)
}

// StartQueueDepthUpdater samples per-tag runnable queue depth and updates
// the QueueDepth gauge, the Postgres-backed analogue of the teacher's
// Redis LLEN poll.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, store DepthSampler, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depths, err := store.TagDepths(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				for tag, n := range depths {
					QueueDepth.WithLabelValues(tag).Set(float64(n))
				}
			}
		}
	}()
}

// Copyright 2025 James Ross
package puller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/flowforge/jobqueue/internal/concurrency"
	"github.com/flowforge/jobqueue/internal/queue"
	"go.uber.org/zap"
)

// Limiter is the subset of concurrency.Limiter the Puller depends on.
type Limiter interface {
	Check(ctx context.Context, jobID, concurrencyID string, limit, windowS int) (bool, error)
}

var _ Limiter = (*concurrency.Limiter)(nil)

// Puller repeatedly claims the next runnable row for a worker's ordered tag
// set, applying the suspend-first bias and the concurrency limit check
// before handing a job back to the caller.
type Puller struct {
	Store   queue.Queue
	Limiter Limiter
	Log     *zap.Logger

	// Tags lists the worker's tags in descending priority band order; the
	// puller tries each band in turn on a miss.
	Tags []string

	// PollInterval is how long to sleep after a full pass over every tag
	// yields nothing and nothing is suspend-ready either.
	PollInterval time.Duration

	mu               sync.Mutex
	recentSuspendHits int
}

func New(store queue.Queue, limiter Limiter, log *zap.Logger, tags []string) *Puller {
	return &Puller{
		Store:        store,
		Limiter:      limiter,
		Log:          log,
		Tags:         tags,
		PollInterval: 200 * time.Millisecond,
	}
}

// suspendProbability computes p = (1 + recent_suspend_hits) / 31, clamped
// to widen the suspend-first bias as wakeups keep landing and to decay back
// toward the baseline once they stop.
func (p *Puller) suspendProbability() float64 {
	p.mu.Lock()
	hits := p.recentSuspendHits
	p.mu.Unlock()
	return float64(1+hits) / 31.0
}

func (p *Puller) recordSuspendHit(hit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hit {
		if p.recentSuspendHits < 30 {
			p.recentSuspendHits++
		}
		return
	}
	if p.recentSuspendHits > 0 {
		p.recentSuspendHits--
	}
}

// Pull returns the next job this worker should run, blocking (subject to
// ctx) until one is available or ctx is done. It loops internally on
// concurrency-limit rejections: a rejected claim is invisible to the
// caller, exactly as if it had never been offered.
func (p *Puller) Pull(ctx context.Context) (*queue.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		j, err := p.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if j == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.PollInterval):
			}
			continue
		}

		proceed, err := p.checkConcurrency(ctx, j)
		if err != nil {
			return nil, err
		}
		if !proceed {
			continue
		}
		return j, nil
	}
}

func (p *Puller) tryClaim(ctx context.Context) (*queue.Job, error) {
	if rand.Float64() < p.suspendProbability() {
		for _, tag := range p.Tags {
			j, err := p.Store.ClaimNext(ctx, []string{tag}, true)
			if err != nil {
				return nil, err
			}
			if j != nil {
				p.recordSuspendHit(true)
				return j, nil
			}
		}
		p.recordSuspendHit(false)
	}

	for _, tag := range p.Tags {
		j, err := p.Store.ClaimNext(ctx, []string{tag}, false)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
	}
	return nil, nil
}

func (p *Puller) checkConcurrency(ctx context.Context, j *queue.Job) (bool, error) {
	if p.Limiter == nil || j.ConcurrentLimit == nil || *j.ConcurrentLimit <= 0 {
		return true, nil
	}
	cid := j.ConcurrencyID()
	if cid == nil {
		return true, nil
	}
	window := 3600
	if j.ConcurrencyTimeWindowS != nil {
		window = *j.ConcurrencyTimeWindowS
	}
	proceed, err := p.Limiter.Check(ctx, j.ID, *cid, *j.ConcurrentLimit, window)
	if err != nil {
		return false, err
	}
	if !proceed && p.Log != nil {
		p.Log.Debug("claim rejected by concurrency limit, looping", zap.String("job_id", j.ID), zap.String("concurrency_id", *cid))
	}
	return proceed, nil
}

// Copyright 2025 James Ross
package puller

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
)

func pushJob(t *testing.T, store *queue.FakeStore, tag string) string {
	t.Helper()
	id, err := store.Insert(context.Background(), &queue.Job{
		Tag:          tag,
		ScheduledFor: time.Now().Add(-time.Second),
		Args:         []byte(`{}`),
	}, nil)
	require.NoError(t, err)
	return id
}

func TestPullReturnsRunnableJob(t *testing.T) {
	store := queue.NewFakeStore()
	pushJob(t, store, "native")

	p := New(store, nil, nil, []string{"native"})
	p.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	j, err := p.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "native", j.Tag)
}

func TestPullHonorsPriorityBandOrder(t *testing.T) {
	store := queue.NewFakeStore()
	pushJob(t, store, "low")
	highID := pushJob(t, store, "high")

	p := New(store, nil, nil, []string{"high", "low"})
	p.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	j, err := p.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, highID, j.ID)
}

func TestPullTimesOutWhenNothingRunnable(t *testing.T) {
	store := queue.NewFakeStore()
	p := New(store, nil, nil, []string{"native"})
	p.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Pull(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// rejectOnceLimiter mimics what concurrency.Limiter does to a rejected row
// (reschedule it back to runnable) so the fake store can be claimed again.
type rejectOnceLimiter struct {
	store    *queue.FakeStore
	rejected bool
}

func (l *rejectOnceLimiter) Check(ctx context.Context, jobID, _ string, _, _ int) (bool, error) {
	if !l.rejected {
		l.rejected = true
		return false, l.store.Reschedule(ctx, jobID, time.Now().Add(-time.Millisecond))
	}
	return true, nil
}

func TestPullLoopsPastConcurrencyRejection(t *testing.T) {
	store := queue.NewFakeStore()
	limit := 1
	id, err := store.Insert(context.Background(), &queue.Job{
		Tag:             "native",
		ScheduledFor:    time.Now().Add(-time.Second),
		Args:            []byte(`{}`),
		ConcurrentLimit: &limit,
		ScriptHash:      strPtr("hash-a"),
	}, nil)
	require.NoError(t, err)

	p := New(store, &rejectOnceLimiter{store: store}, nil, []string{"native"})
	p.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	j, err := p.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, id, j.ID)
}

func strPtr(s string) *string { return &s }

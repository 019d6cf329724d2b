// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"

	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
)

// A job waiting on the same-worker channel must be served before the worker
// ever calls out to the general Puller.
func TestNextJobPrefersSameWorkerChannel(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	sameWorker := make(chan *queue.Job, 1)
	want := &queue.Job{ID: "same-worker-job"}
	sameWorker <- want

	got := w.nextJob(context.Background(), sameWorker)
	require.Same(t, want, got)
}

func TestNextJobFallsBackToPullerWhenChannelEmpty(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{Kind: queue.KindIdentity, Tag: "default"}
	_, err := store.Insert(context.Background(), job, nil)
	require.NoError(t, err)

	got := w.nextJob(context.Background(), make(chan *queue.Job))
	require.NotNil(t, got)
	require.Equal(t, job.ID, got.ID)
}

// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"

	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/puller"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Once the breaker is Open, nextJob must return nil without reaching the
// Puller, pausing consumption until the cooldown elapses.
func TestWorkerBreakerOpenPausesPull(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	cfg := testConfig(t)
	cfg.CircuitBreaker.FailureThreshold = 0.5
	cfg.CircuitBreaker.MinSamples = 1
	log := zap.NewNop()
	p := puller.New(store, alwaysAllow{}, log, cfg.Worker.Tags)
	reg := executor.NewRegistry(executor.NewSimulated(), nil)
	w := New(cfg, store, p, reg, completer, nil, log)

	w.cb.Record(false)
	w.cb.Record(false)
	require.Equal(t, 2, int(w.cb.State())) // Open

	job := w.nextJob(context.Background(), make(chan *queue.Job))
	require.Nil(t, job)
}

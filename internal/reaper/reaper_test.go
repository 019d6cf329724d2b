// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.PingInterval = time.Second
	return cfg
}

func TestScanOnceReclaimsStaleRunningRow(t *testing.T) {
	store := queue.NewFakeStore()
	ctx := context.Background()
	id, err := store.Insert(ctx, &queue.Job{Tag: "default", ScheduledFor: time.Now(), Args: []byte(`{}`)}, nil)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, []string{"default"}, false)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	// Simulate a crashed worker: back-date last_ping past the lease
	// window without the worker ever touching again.
	store.SetLastPingForTest(id, time.Now().Add(-time.Hour))

	cfg := testConfig(t)
	log, _ := zap.NewDevelopment()
	rep := New(cfg, store, log)
	rep.scanOnce(ctx)

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, after.Running)
	require.Nil(t, after.StartedAt)
}

func TestScanOnceLeavesFreshHeartbeatAlone(t *testing.T) {
	store := queue.NewFakeStore()
	ctx := context.Background()
	id, err := store.Insert(ctx, &queue.Job{Tag: "default", ScheduledFor: time.Now(), Args: []byte(`{}`)}, nil)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, []string{"default"}, false)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	cfg := testConfig(t)
	log, _ := zap.NewDevelopment()
	rep := New(cfg, store, log)
	rep.scanOnce(ctx)

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, after.Running)
}

//go:build postgres

// Copyright 2025 James Ross
package concurrency

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/flowforge/jobqueue/internal/queue"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// openTestDB requires CONCURRENCY_TEST_DSN to point at a disposable Postgres
// database; run with `go test -tags postgres ./internal/concurrency/...`.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CONCURRENCY_TEST_DSN")
	if dsn == "" {
		t.Skip("CONCURRENCY_TEST_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = db.Exec(queue.Schema)
	require.NoError(t, err)
	return db
}

func insertClaimedJob(t *testing.T, db *sql.DB, id, concurrencyID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO queue (id, workspace_id, kind, created_by, permissioned_as, email,
			scheduled_for, created_at, running, same_worker, tag, args, script_hash,
			custom_concurrency_key, concurrent_limit, concurrency_time_window_s,
			suspend, canceled, visible_to_owner)
		VALUES ($1, 'ws1', 'script', 'alice', 'u/alice', 'alice@example.com',
			now(), now(), true, false, 'native', '{}', NULL,
			$2, 1, 60, 0, false, true)`,
		id, concurrencyID)
	require.NoError(t, err)
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db, nil)
	ctx := context.Background()

	insertClaimedJob(t, db, "job-1", "path-a")
	proceed, err := l.Check(ctx, "job-1", "path-a", 1, 60)
	require.NoError(t, err)
	require.True(t, proceed)
}

func TestCheckReschedulesOverLimit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db, nil)
	ctx := context.Background()

	insertClaimedJob(t, db, "job-2", "path-b")
	proceed, err := l.Check(ctx, "job-2", "path-b", 1, 60)
	require.NoError(t, err)
	require.True(t, proceed)

	insertClaimedJob(t, db, "job-3", "path-b")
	proceed, err = l.Check(ctx, "job-3", "path-b", 1, 60)
	require.NoError(t, err)
	require.False(t, proceed)

	var scheduledFor time.Time
	var running bool
	err = db.QueryRow(`SELECT scheduled_for, running FROM queue WHERE id = $1`, "job-3").
		Scan(&scheduledFor, &running)
	require.NoError(t, err)
	require.False(t, running)
	require.True(t, scheduledFor.After(time.Now()))
}

func TestReleaseFreesSlot(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db, nil)
	ctx := context.Background()

	insertClaimedJob(t, db, "job-4", "path-c")
	proceed, err := l.Check(ctx, "job-4", "path-c", 1, 60)
	require.NoError(t, err)
	require.True(t, proceed)

	require.NoError(t, l.Release(ctx, "path-c", "job-4"))

	insertClaimedJob(t, db, "job-5", "path-c")
	proceed, err = l.Check(ctx, "job-5", "path-c", 1, 60)
	require.NoError(t, err)
	require.True(t, proceed)
}

func TestSweepOrphansRemovesDeletedJobs(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db, nil)
	ctx := context.Background()

	insertClaimedJob(t, db, "job-6", "path-d")
	_, err := l.Check(ctx, "job-6", "path-d", 5, 60)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM queue WHERE id = $1`, "job-6")
	require.NoError(t, err)

	n, err := l.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

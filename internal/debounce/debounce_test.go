//go:build postgres

// Copyright 2025 James Ross
package debounce

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

// openTestDB requires DEBOUNCE_TEST_DSN to point at a disposable Postgres
// database; run with `go test -tags postgres ./internal/debounce/...`.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DEBOUNCE_TEST_DSN")
	if dsn == "" {
		t.Skip("DEBOUNCE_TEST_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = db.Exec(queue.Schema)
	require.NoError(t, err)
	return db
}

func TestOnPushCreatesThenAttaches(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := queue.Open(db)
	deb := New(db, store)
	ctx := context.Background()

	first := &queue.Job{Tag: "dependency", ScheduledFor: time.Now(), Args: []byte(`{}`)}
	id1, created, err := deb.OnPush(ctx, "ws1:path:dep", first, Attach{})
	require.NoError(t, err)
	require.True(t, created)

	second := &queue.Job{Tag: "dependency", ScheduledFor: time.Now(), Args: []byte(`{}`)}
	id2, created, err := deb.OnPush(ctx, "ws1:path:dep", second, Attach{ToRelock: []string{"node-a"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id1, id2)

	stale, err := deb.ClearAndRead(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, []string{"node-a"}, stale.ToRelock)

	// clearing again finds nothing left to merge
	stale2, err := deb.ClearAndRead(ctx, id1)
	require.NoError(t, err)
	require.Empty(t, stale2.ToRelock)
}

func TestSweepOrphans(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := queue.Open(db)
	deb := New(db, store)
	ctx := context.Background()

	j := &queue.Job{Tag: "dependency", ScheduledFor: time.Now(), Args: []byte(`{}`)}
	id, _, err := deb.OnPush(ctx, "ws1:orphan:dep", j, Attach{})
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM queue WHERE id = $1`, id)
	require.NoError(t, err)

	n, err := deb.SweepOrphans(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

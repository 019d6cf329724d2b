// Copyright 2025 James Ross
// Package admin is the CLI admin surface over the Queue Store: stats, a
// peek at queued/completed rows, a purge of stale dead (failed) completed
// rows, and a synthetic push-and-wait bench, all driven straight off
// Postgres rather than the Redis lists the teacher's equivalent inspected.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/pusher"
	"github.com/flowforge/jobqueue/internal/queue"
)

// StatsResult reports queue depth per tag, how many rows are currently
// claimed, and how many jobs have completed (split success/failure) within
// the lookback window.
type StatsResult struct {
	TagDepths      map[string]int64 `json:"tag_depths"`
	Running        int64            `json:"running"`
	CompletedOK    int64            `json:"completed_ok"`
	CompletedFail  int64            `json:"completed_fail"`
	LookbackWindow string           `json:"lookback_window"`
}

// Stats summarizes the queue and completed tables for operator visibility.
func Stats(ctx context.Context, db *sql.DB, lookback time.Duration) (StatsResult, error) {
	res := StatsResult{TagDepths: map[string]int64{}, LookbackWindow: lookback.String()}

	rows, err := db.QueryContext(ctx, `
		SELECT tag, count(*) FROM queue WHERE running = false AND scheduled_for <= now() GROUP BY tag`)
	if err != nil {
		return res, fmt.Errorf("admin: tag depths: %w", err)
	}
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			rows.Close()
			return res, fmt.Errorf("admin: scan tag depth: %w", err)
		}
		res.TagDepths[tag] = n
	}
	rows.Close()

	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM queue WHERE running = true`).Scan(&res.Running); err != nil {
		return res, fmt.Errorf("admin: running count: %w", err)
	}

	cutoff := time.Now().Add(-lookback)
	if err := db.QueryRowContext(ctx, `
		SELECT count(*) FROM completed_job WHERE success = true AND completed_at >= $1`, cutoff).Scan(&res.CompletedOK); err != nil {
		return res, fmt.Errorf("admin: completed-ok count: %w", err)
	}
	if err := db.QueryRowContext(ctx, `
		SELECT count(*) FROM completed_job WHERE success = false AND completed_at >= $1`, cutoff).Scan(&res.CompletedFail); err != nil {
		return res, fmt.Errorf("admin: completed-fail count: %w", err)
	}
	return res, nil
}

// PeekRow is one queued or completed row's summary, trimmed to the fields
// an operator staring at a stuck queue actually wants.
type PeekRow struct {
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`
	Kind      string          `json:"kind"`
	Running   bool            `json:"running,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Peek lists up to n rows for a tag, queued rows first (FIFO order), then
// completed rows newest-first, stopping once n are collected.
func Peek(ctx context.Context, db *sql.DB, tag string, n int64) ([]PeekRow, error) {
	var out []PeekRow

	rows, err := db.QueryContext(ctx, `
		SELECT id, tag, kind, running, created_at FROM queue
		WHERE tag = $1 ORDER BY priority DESC NULLS LAST, scheduled_for, created_at LIMIT $2`, tag, n)
	if err != nil {
		return nil, fmt.Errorf("admin: peek queued: %w", err)
	}
	for rows.Next() {
		var r PeekRow
		if err := rows.Scan(&r.ID, &r.Tag, &r.Kind, &r.Running, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("admin: scan queued row: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()

	remaining := n - int64(len(out))
	if remaining <= 0 {
		return out, nil
	}

	// completed_job keeps no tag column (the row JSON snapshot does, but
	// isn't indexed on it), so the completed half of a peek is scoped by
	// row->>'tag' instead of a dedicated column.
	crows, err := db.QueryContext(ctx, `
		SELECT id, kind, success, completed_at, result FROM completed_job
		WHERE row->>'tag' = $1 ORDER BY completed_at DESC LIMIT $2`, tag, remaining)
	if err != nil {
		return out, fmt.Errorf("admin: peek completed: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var r PeekRow
		var success bool
		if err := crows.Scan(&r.ID, &r.Kind, &success, &r.CreatedAt, &r.Result); err != nil {
			return out, fmt.Errorf("admin: scan completed row: %w", err)
		}
		r.Tag = tag
		r.Success = &success
		out = append(out, r)
	}
	return out, nil
}

// PurgeDead deletes completed rows that failed and are older than
// olderThan, the equivalent of the teacher's dead-letter-queue purge over a
// Postgres history table instead of a Redis list.
func PurgeDead(ctx context.Context, db *sql.DB, olderThan time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM completed_job WHERE success = false AND completed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("admin: purge dead: %w", err)
	}
	return res.RowsAffected()
}

// BenchResult summarizes a synthetic push-and-wait load test.
type BenchResult struct {
	Pushed    int           `json:"pushed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	P50       time.Duration `json:"p50"`
	P99       time.Duration `json:"p99"`
	TimedOut  int           `json:"timed_out"`
}

// Bench pushes count identity jobs at the given tag (spacing them to
// approximate rate jobs/sec), then polls the completed table for each,
// reporting latency percentiles. Identity jobs always succeed immediately
// once claimed, so this measures queue/dispatch latency, not executor
// runtime.
func Bench(ctx context.Context, p *pusher.Pusher, store queue.Queue, tag string, count, rate int, timeout time.Duration) (BenchResult, error) {
	var res BenchResult
	if rate <= 0 {
		rate = 1
	}
	interval := time.Second / time.Duration(rate)

	ids := make([]string, 0, count)
	starts := make(map[string]time.Time, count)
	for i := 0; i < count; i++ {
		spec := pusher.JobSpec{
			Workspace: "admin-bench",
			Payload:   pusher.Payload{Kind: pusher.PayloadIdentity},
			Args:      json.RawMessage(`{}`),
			Caller:    pusher.CallerIdentity{Username: "admin-bench"},
		}
		if tag != "" {
			spec.TagOverride = &tag
		}
		id, _, err := p.Push(ctx, spec, debounce.Attach{}, pusher.Config{})
		if err != nil {
			return res, fmt.Errorf("admin: bench push %d: %w", i, err)
		}
		ids = append(ids, id)
		starts[id] = time.Now()
		res.Pushed++
		if i < count-1 {
			time.Sleep(interval)
		}
	}

	deadline := time.Now().Add(timeout)
	var latencies []time.Duration
	pending := map[string]bool{}
	for _, id := range ids {
		pending[id] = true
	}
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			cj, err := store.GetCompleted(ctx, id)
			if err != nil {
				continue
			}
			latencies = append(latencies, time.Since(starts[id]))
			if cj.Success {
				res.Completed++
			} else {
				res.Failed++
			}
			delete(pending, id)
		}
		if len(pending) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	res.TimedOut = len(pending)

	sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
	if len(latencies) > 0 {
		res.P50 = latencies[len(latencies)*50/100]
		res.P99 = latencies[min(len(latencies)*99/100, len(latencies)-1)]
	}
	return res, nil
}

// Copyright 2025 James Ross
package concurrency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Limiter implements a sliding-window concurrency cap, applied by the
// Puller immediately after a row is claimed. Shaped like the cutoff-filtered
// window count a circuit breaker evaluates on every request, repurposed here
// from a failure-rate ratio to an in-flight-plus-recent-completions count.
type Limiter struct {
	db  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Limiter {
	return &Limiter{db: db, log: log}
}

// Check enforces the concurrency cap for a single just-claimed job.
// Returns proceed=true if the job may run; proceed=false if it was
// rescheduled (the caller must treat the claim as a miss and loop).
func (l *Limiter) Check(ctx context.Context, jobID, concurrencyID string, limit, windowS int) (proceed bool, err error) {
	if concurrencyID == "" || limit <= 0 {
		return true, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("concurrency: begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO concurrency_counter (concurrency_id, job_uuids)
		VALUES ($1, ARRAY[$2]::text[])
		ON CONFLICT (concurrency_id) DO UPDATE SET
			job_uuids = (SELECT ARRAY(SELECT DISTINCT unnest(concurrency_counter.job_uuids || EXCLUDED.job_uuids)))
		RETURNING array_length(job_uuids, 1)`,
		concurrencyID, jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("concurrency: upsert counter for %q: %w", concurrencyID, err)
	}

	var c int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM completed_job
		WHERE concurrency_id = $1
		 AND started_at IS NOT NULL
		 AND (started_at + (duration_ms * interval '1 millisecond')) >= now() - ($2 * interval '1 second')`,
		concurrencyID, windowS).Scan(&c)
	if err != nil {
		return false, fmt.Errorf("concurrency: count window for %q: %w", concurrencyID, err)
	}

	if n+c <= limit {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("concurrency: commit accept: %w", err)
		}
		return true, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE concurrency_counter SET job_uuids = array_remove(job_uuids, $2)
		WHERE concurrency_id = $1`, concurrencyID, jobID); err != nil {
		return false, fmt.Errorf("concurrency: evict %q from counter: %w", jobID, err)
	}

	nextSlot, err := l.nextSlot(ctx, tx, concurrencyID, windowS)
	if err != nil {
		return false, err
	}

	if err := l.reschedule(ctx, tx, jobID, nextSlot); err != nil {
		return false, err
	}
	logLine := fmt.Sprintf("Re-scheduled job %s due to concurrency limits (limit=%d, window=%ds)", jobID, limit, windowS)
	if err := l.requeueStaleSiblings(ctx, tx, concurrencyID, jobID, nextSlot); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("concurrency: commit reschedule: %w", err)
	}
	if l.log != nil {
		l.log.Info(logLine, zap.String("job_id", jobID), zap.String("concurrency_id", concurrencyID))
	}
	return false, nil
}

// nextSlot computes min_started_at_in_window + avg_recent_duration + window_s.
func (l *Limiter) nextSlot(ctx context.Context, tx *sql.Tx, concurrencyID string, windowS int) (time.Time, error) {
	var minStarted sql.NullTime
	var avgDurationMs sql.NullFloat64
	err := tx.QueryRowContext(ctx, `
		SELECT MIN(started_at), AVG(duration_ms) FROM completed_job
		WHERE concurrency_id = $1
		 AND started_at IS NOT NULL
		 AND (started_at + (duration_ms * interval '1 millisecond')) >= now() - ($2 * interval '1 second')`,
		concurrencyID, windowS).Scan(&minStarted, &avgDurationMs)
	if err != nil {
		return time.Time{}, fmt.Errorf("concurrency: next slot query for %q: %w", concurrencyID, err)
	}
	base := time.Now()
	if minStarted.Valid {
		base = minStarted.Time
	}
	avg := time.Duration(0)
	if avgDurationMs.Valid {
		avg = time.Duration(avgDurationMs.Float64) * time.Millisecond
	}
	return base.Add(avg).Add(time.Duration(windowS) * time.Second), nil
}

func (l *Limiter) reschedule(ctx context.Context, tx *sql.Tx, jobID string, nextSlot time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE queue SET
			running = false,
			started_at = NULL,
			scheduled_for = $2
		WHERE id = $1`, jobID, nextSlot)
	if err != nil {
		return fmt.Errorf("concurrency: reschedule %q: %w", jobID, err)
	}
	return nil
}

// requeueStaleSiblings also requeues any other already-pulled rows for the
// same concurrency group that happen to be at/past their scheduled time,
// preserving FIFO order on scheduled_for, created_at.
// Those rows are running=true (already pulled) but over the cap; rather
// than leave them to execute and blow the window further, push them back
// into the same future slot as the job that was just rescheduled.
func (l *Limiter) requeueStaleSiblings(ctx context.Context, tx *sql.Tx, concurrencyID, justRescheduled string, nextSlot time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM queue
		WHERE running = true
		 AND id != $1
		 AND id = ANY(
		 SELECT unnest(job_uuids) FROM concurrency_counter WHERE concurrency_id = $2
		 )
		 AND scheduled_for <= now()
		ORDER BY scheduled_for, created_at`, justRescheduled, concurrencyID)
	if err != nil {
		return fmt.Errorf("concurrency: list stale siblings for %q: %w", concurrencyID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("concurrency: scan sibling id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := l.reschedule(ctx, tx, id, nextSlot); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE concurrency_counter SET job_uuids = array_remove(job_uuids, $2)
			WHERE concurrency_id = $1`, concurrencyID, id); err != nil {
			return fmt.Errorf("concurrency: evict sibling %q: %w", id, err)
		}
		if l.log != nil {
			l.log.Info(fmt.Sprintf("Re-scheduled job %s due to concurrency limits (sibling of %s)", id, justRescheduled),
				zap.String("job_id", id), zap.String("concurrency_id", concurrencyID))
		}
	}
	return nil
}

// Release decrements a completed job's slot from its concurrency group.
func (l *Limiter) Release(ctx context.Context, concurrencyID, jobID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE concurrency_counter SET job_uuids = array_remove(job_uuids, $2)
		WHERE concurrency_id = $1`, concurrencyID, jobID)
	if err != nil {
		return fmt.Errorf("concurrency: release %q: %w", jobID, err)
	}
	return nil
}

// SweepOrphans is a best-effort sweeper: it removes uuids from every
// counter whose job is no longer queued.
func (l *Limiter) SweepOrphans(ctx context.Context) (int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT concurrency_id, job_uuids FROM concurrency_counter`)
	if err != nil {
		return 0, fmt.Errorf("concurrency: sweep list: %w", err)
	}
	defer rows.Close()

	type counter struct {
		id string
		uuid []string
	}
	var counters []counter
	for rows.Next() {
		var c counter
		if err := rows.Scan(&c.id, pq.Array(&c.uuid)); err != nil {
			return 0, fmt.Errorf("concurrency: sweep scan: %w", err)
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for _, c := range counters {
		if len(c.uuid) == 0 {
			continue
		}
		live, err := l.liveSubset(ctx, c.uuid)
		if err != nil {
			return removed, err
		}
		if len(live) == len(c.uuid) {
			continue
		}
		if _, err := l.db.ExecContext(ctx, `
			UPDATE concurrency_counter SET job_uuids = $2 WHERE concurrency_id = $1`,
			c.id, pq.Array(live)); err != nil {
			return removed, fmt.Errorf("concurrency: sweep update %q: %w", c.id, err)
		}
		removed += int64(len(c.uuid) - len(live))
	}
	return removed, nil
}

func (l *Limiter) liveSubset(ctx context.Context, uuids []string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM queue WHERE id = ANY($1)`, pq.Array(uuids))
	if err != nil {
		return nil, fmt.Errorf("concurrency: sweep live check: %w", err)
	}
	defer rows.Close()
	var live []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		live = append(live, id)
	}
	return live, rows.Err()
}

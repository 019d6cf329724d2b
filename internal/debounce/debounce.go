// Copyright 2025 James Ross
package debounce

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/lib/pq"
)

// Attach is the late-arrival merge payload pushed against an existing
// debounce holder: the set union of to_relock and any other merge-semantics
// fields gets upserted into debounce_stale_data.
type Attach struct {
	ToRelock []string
	Other    json.RawMessage
}

// Store implements the debounce-key table: at most one queued job per key
// at a time, with a stale-data side table accumulating late pushes against
// the current holder.
type Store struct {
	db    *sql.DB
	queue queue.Queue
}

func New(db *sql.DB, q queue.Queue) *Store {
	return &Store{db: db, queue: q}
}

// OnPush implements the debounce push algorithm:
// 1. upsert debounce_key(key) -> id ON CONFLICT DO NOTHING RETURNING id
// 2. if inserted, the candidate becomes the holder and is inserted into the
// queue scheduled at candidate.ScheduledFor
// 3. if not inserted, the existing holder's id is returned and
// debounce_stale_data is merged via set union
func (s *Store) OnPush(ctx context.Context, key string, candidate *queue.Job, attach Attach) (holderID string, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("debounce: begin tx: %w", err)
	}
	defer tx.Rollback()

	if candidate.ID == "" {
		candidate.ID = queue.NewID()
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO debounce_key (key, job_id) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
		RETURNING job_id`, key, candidate.ID).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		// Holder already exists; look it up and merge stale data.
		if scanErr := tx.QueryRowContext(ctx, `SELECT job_id FROM debounce_key WHERE key = $1`, key).Scan(&id); scanErr != nil {
			return "", false, fmt.Errorf("debounce: read holder for key %q: %w", key, scanErr)
		}
		if mergeErr := mergeStaleData(ctx, tx, id, attach); mergeErr != nil {
			return "", false, mergeErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return "", false, fmt.Errorf("debounce: commit attach: %w", commitErr)
		}
		return id, false, nil

	case err != nil:
		return "", false, fmt.Errorf("debounce: upsert key %q: %w", key, err)
	}

	// We hold the key: insert the candidate as the new holder row.
	if _, insErr := s.queue.Insert(ctx, candidate, tx); insErr != nil {
		return "", false, fmt.Errorf("debounce: insert holder row: %w", insErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return "", false, fmt.Errorf("debounce: commit create: %w", commitErr)
	}
	return candidate.ID, true, nil
}

func mergeStaleData(ctx context.Context, tx *sql.Tx, holderID string, attach Attach) error {
	other := attach.Other
	if len(other) == 0 {
		other = json.RawMessage(`null`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO debounce_stale_data (job_id, to_relock, other)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET
			to_relock = (
				SELECT ARRAY(SELECT DISTINCT unnest(debounce_stale_data.to_relock || EXCLUDED.to_relock))
			),
			other = EXCLUDED.other`,
		holderID, pq.Array(attach.ToRelock), []byte(other))
	if err != nil {
		return fmt.Errorf("debounce: merge stale data for %q: %w", holderID, err)
	}
	return nil
}

// StaleData reads back the merged stale-data row for the worker that just
// claimed the debounce holder.
type StaleData struct {
	ToRelock []string
	Other    json.RawMessage
}

// ClearAndRead implements the claim-time sequencing: clearing the key must
// happen before the finalize step runs, so that concurrent pushes after the
// clear correctly create a new holder. The caller (Puller/Worker) runs this
// immediately on claiming a debounce holder job, before dispatching its
// finalize logic.
func (s *Store) ClearAndRead(ctx context.Context, holderJobID string) (*StaleData, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("debounce: begin clear tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM debounce_key WHERE job_id = $1`, holderJobID); err != nil {
		return nil, fmt.Errorf("debounce: clear key for %q: %w", holderJobID, err)
	}

	var toRelock []string
	var other []byte
	err = tx.QueryRowContext(ctx, `
		SELECT to_relock, other FROM debounce_stale_data WHERE job_id = $1`, holderJobID).
		Scan(pq.Array(&toRelock), &other)
	if err == sql.ErrNoRows {
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, fmt.Errorf("debounce: commit clear (no stale data): %w", commitErr)
		}
		return &StaleData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("debounce: read stale data for %q: %w", holderJobID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM debounce_stale_data WHERE job_id = $1`, holderJobID); err != nil {
		return nil, fmt.Errorf("debounce: delete stale data for %q: %w", holderJobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("debounce: commit clear: %w", err)
	}
	return &StaleData{ToRelock: toRelock, Other: other}, nil
}

// SweepOrphans deletes debounce keys whose job_id no longer references a
// queued row (crash recovery). recentRunning
// is a grace window during which a just-started holder that hasn't yet
// cleared its key is tolerated.
func (s *Store) SweepOrphans(ctx context.Context, recentRunning time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM debounce_key dk
		WHERE NOT EXISTS (
			SELECT 1 FROM queue q
			WHERE q.id = dk.job_id
			 AND (q.running = false OR q.last_ping > now() - $1::interval)
		)`, fmt.Sprintf("%f seconds", recentRunning.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("debounce: sweep orphans: %w", err)
	}
	return res.RowsAffected()
}

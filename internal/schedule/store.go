// Copyright 2025 James Ross
package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the schedule table: one row per (workspace, path) cron binding.
// It owns the job_id -> schedule mapping itself via last_job_id, since the
// queue's own Job carries no schedule_path/error_handler fields.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the schedule table.
const Schema = `
CREATE TABLE IF NOT EXISTS schedule (
	id UUID PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	path TEXT NOT NULL,
	cron_spec TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	enabled BOOLEAN NOT NULL DEFAULT true,
	target_kind TEXT NOT NULL,
	target_path TEXT NOT NULL,
	args JSONB NOT NULL DEFAULT '{}',
	on_failure JSONB,
	on_recovery JSONB,
	last_error TEXT,
	paused_until TIMESTAMPTZ,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	consecutive_successes INTEGER NOT NULL DEFAULT 0,
	next_run TIMESTAMPTZ NOT NULL,
	last_job_id UUID,
	UNIQUE (workspace_id, path)
);
CREATE INDEX IF NOT EXISTS schedule_due_idx ON schedule (enabled, next_run);
CREATE INDEX IF NOT EXISTS schedule_last_job_idx ON schedule (last_job_id);
`

// Create inserts a new schedule, generating an id if none was supplied.
func (s *Store) Create(ctx context.Context, sc *Schedule) (string, error) {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	onFailure, err := json.Marshal(sc.OnFailure)
	if err != nil {
		return "", fmt.Errorf("schedule: marshal on_failure: %w", err)
	}
	onRecovery, err := json.Marshal(sc.OnRecovery)
	if err != nil {
		return "", fmt.Errorf("schedule: marshal on_recovery: %w", err)
	}
	args := sc.Args
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule (
			id, workspace_id, path, cron_spec, timezone, enabled,
			target_kind, target_path, args, on_failure, on_recovery,
			paused_until, next_run
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sc.ID, sc.WorkspaceID, sc.Path, sc.CronSpec, sc.Timezone, sc.Enabled,
		string(sc.TargetKind), sc.TargetPath, []byte(args), nullableJSON(onFailure), nullableJSON(onRecovery),
		sc.PausedUntil, sc.NextRun,
	)
	if err != nil {
		return "", fmt.Errorf("schedule: insert %s/%s: %w", sc.WorkspaceID, sc.Path, err)
	}
	return sc.ID, nil
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return []byte(b)
}

const selectScheduleSQL = `
	SELECT id, workspace_id, path, cron_spec, timezone, enabled,
		target_kind, target_path, args, on_failure, on_recovery,
		last_error, paused_until, consecutive_failures, consecutive_successes,
		next_run, last_job_id
	FROM schedule`

func scanSchedule(row *sql.Row) (*Schedule, error) {
	var sc Schedule
	var targetKind string
	var onFailure, onRecovery []byte
	err := row.Scan(
		&sc.ID, &sc.WorkspaceID, &sc.Path, &sc.CronSpec, &sc.Timezone, &sc.Enabled,
		&targetKind, &sc.TargetPath, &sc.Args, &onFailure, &onRecovery,
		&sc.LastError, &sc.PausedUntil, &sc.ConsecutiveFailures, &sc.ConsecutiveSuccesses,
		&sc.NextRun, &sc.LastJobID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("schedule: scan row: %w", err)
	}
	sc.TargetKind = TargetKind(targetKind)
	if len(onFailure) > 0 {
		_ = json.Unmarshal(onFailure, &sc.OnFailure)
	}
	if len(onRecovery) > 0 {
		_ = json.Unmarshal(onRecovery, &sc.OnRecovery)
	}
	return &sc, nil
}

// ErrNotFound is returned by Get when no row matches; GetByJobID reports
// no match as a nil schedule and a nil error.
var ErrNotFound = fmt.Errorf("schedule: not found")

// Get reads a schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, selectScheduleSQL+` WHERE id = $1`, id)
	return scanSchedule(row)
}

// GetByJobID finds the schedule whose most recent dispatch produced jobID,
// the lookup the Completion Pipeline needs on every job's outcome.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, selectScheduleSQL+` WHERE last_job_id = $1`, jobID)
	sc, err := scanSchedule(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return sc, err
}

// ListDue returns enabled, unpaused schedules whose next_run has arrived.
func (s *Store) ListDue(ctx context.Context, asOf time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM schedule
		WHERE enabled AND next_run <= $1 AND (paused_until IS NULL OR paused_until <= $1)`, asOf)
	if err != nil {
		return nil, fmt.Errorf("schedule: list due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("schedule: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// RecordDispatch advances a schedule past the occurrence it just fired and
// remembers the dispatched job's id for the eventual RecordOutcome lookup.
func (s *Store) RecordDispatch(ctx context.Context, id, jobID string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET next_run = $2, last_job_id = $3 WHERE id = $1`,
		id, nextRun, jobID)
	if err != nil {
		return fmt.Errorf("schedule: record dispatch %s: %w", id, err)
	}
	return nil
}

// RecordStreak updates the consecutive failure/success counters and, on
// failure, the last_error message.
func (s *Store) RecordStreak(ctx context.Context, id string, failures, successes int, lastErr *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET consecutive_failures = $2, consecutive_successes = $3, last_error = $4
		WHERE id = $1`, id, failures, successes, lastErr)
	if err != nil {
		return fmt.Errorf("schedule: record streak %s: %w", id, err)
	}
	return nil
}

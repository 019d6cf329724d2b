// Copyright 2025 James Ross
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, letting Insert join a
// caller's transaction when one is supplied.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the durable table of pending/running jobs plus the companion
// tables, backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open wraps an existing *sql.DB. Callers own the connection pool lifetime.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the tables this store reads and writes. Migrations
// are out of scope (see Non-goals); this is provided so operators and tests
// can stand up a disposable database.
const Schema = `
CREATE TABLE IF NOT EXISTS queue (
	id UUID PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_by TEXT NOT NULL,
	permissioned_as TEXT NOT NULL,
	email TEXT NOT NULL,
	scheduled_for TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	running BOOLEAN NOT NULL DEFAULT false,
	parent_job UUID,
	root_job UUID,
	is_flow_step BOOLEAN NOT NULL DEFAULT false,
	flow_step_id TEXT,
	same_worker BOOLEAN NOT NULL DEFAULT false,
	tag TEXT NOT NULL,
	priority INTEGER,
	args JSONB NOT NULL DEFAULT '{}',
	script_hash TEXT,
	raw_code TEXT,
	raw_lock TEXT,
	raw_flow JSONB,
	flow_status JSONB,
	concurrent_limit INTEGER,
	concurrency_time_window_s INTEGER,
	custom_concurrency_key TEXT,
	cache_ttl INTEGER,
	timeout INTEGER,
	suspend INTEGER NOT NULL DEFAULT 0,
	suspend_until TIMESTAMPTZ,
	last_ping TIMESTAMPTZ,
	mem_peak INTEGER,
	canceled BOOLEAN NOT NULL DEFAULT false,
	canceled_by TEXT,
	canceled_reason TEXT,
	pre_run_error TEXT,
	leaf_jobs JSONB,
	visible_to_owner BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS queue_claim_idx ON queue (tag, running, scheduled_for, priority, created_at);
CREATE INDEX IF NOT EXISTS queue_suspend_idx ON queue (tag, suspend_until) WHERE suspend_until IS NOT NULL;

CREATE TABLE IF NOT EXISTS completed_job (
	id UUID PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	result JSONB,
	logs TEXT NOT NULL DEFAULT '',
	row JSONB NOT NULL,
	concurrency_id TEXT,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS completed_job_concurrency_idx ON completed_job (concurrency_id, started_at);

CREATE TABLE IF NOT EXISTS debounce_key (
	key TEXT PRIMARY KEY,
	job_id UUID NOT NULL
);

CREATE TABLE IF NOT EXISTS debounce_stale_data (
	job_id UUID PRIMARY KEY,
	to_relock TEXT[] NOT NULL DEFAULT '{}',
	other JSONB
);

CREATE TABLE IF NOT EXISTS concurrency_counter (
	concurrency_id TEXT PRIMARY KEY,
	job_uuids TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS resume_job (
	flow_job_id UUID NOT NULL,
	resume_id TEXT NOT NULL,
	approved BOOLEAN NOT NULL,
	payload JSONB,
	approver TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (flow_job_id, resume_id)
);
`

// Insert atomically inserts a queue row. If q is non-nil, the insert runs
// as part of the caller's transaction; otherwise it runs against the pool
// directly. Returns ErrAlreadyCompleted's sibling BadRequest-shaped error if
// the id collides with an existing queued or completed row.
func (s *Store) Insert(ctx context.Context, j *Job, q Querier) (string, error) {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}
	if j.Args == nil {
		j.Args = json.RawMessage(`{}`)
	}

	exec := q
	if exec == nil {
		exec = s.db
	}

	var dup bool
	if err := exec.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM queue WHERE id = $1)
			OR EXISTS(SELECT 1 FROM completed_job WHERE id = $1)`, j.ID).Scan(&dup); err != nil {
		return "", newErr(KindInternal, "check job id", err)
	}
	if dup {
		return "", newErr(KindBadRequest, "duplicate job id", nil)
	}

	leafJobs, err := json.Marshal(j.LeafJobs)
	if err != nil {
		return "", newErr(KindInternal, "marshal leaf_jobs", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO queue (
			id, workspace_id, kind, created_by, permissioned_as, email,
			scheduled_for, created_at, started_at, running, parent_job, root_job,
			is_flow_step, flow_step_id, same_worker, tag, priority, args,
			script_hash, raw_code, raw_lock, raw_flow, flow_status,
			concurrent_limit, concurrency_time_window_s, custom_concurrency_key,
			cache_ttl, timeout, suspend, suspend_until, last_ping, mem_peak,
			canceled, canceled_by, canceled_reason, pre_run_error, leaf_jobs,
			visible_to_owner
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38
		)`,
		j.ID, j.WorkspaceID, string(j.Kind), j.CreatedBy, j.PermissionedAs, j.Email,
		j.ScheduledFor, j.CreatedAt, j.StartedAt, j.Running, j.ParentJob, j.RootJob,
		j.IsFlowStep, j.FlowStepID, j.SameWorker, j.Tag, j.Priority, []byte(j.Args),
		j.ScriptHash, j.RawCode, j.RawLock, nullableJSON(j.RawFlow), nullableJSON(j.FlowStatus),
		j.ConcurrentLimit, j.ConcurrencyTimeWindowS, j.CustomConcurrencyKey,
		j.CacheTTL, j.Timeout, j.Suspend, j.SuspendUntil, j.LastPing, j.MemPeak,
		j.Canceled, j.CanceledBy, j.CanceledReason, j.PreRunError, leafJobs,
		j.VisibleToOwner,
	)
	if err != nil {
		return "", newErr(KindInternal, "insert queue row", err)
	}
	return j.ID, nil
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// ClaimNext is the Puller's atomic claim. suspendFirst selects from rows
// awaiting resume; otherwise it selects runnable rows for the given tags
// ordered by priority then FIFO.
func (s *Store) ClaimNext(ctx context.Context, tags []string, suspendFirst bool) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newErr(KindInternal, "begin claim tx", err)
	}
	defer tx.Rollback()

	var row *sql.Row
	if suspendFirst {
		row = tx.QueryRowContext(ctx, `
			SELECT id FROM queue
			WHERE tag = ANY($1)
			 AND suspend_until IS NOT NULL
			 AND (suspend <= 0 OR suspend_until <= now())
			ORDER BY priority DESC NULLS LAST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, pq.Array(tags))
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT id FROM queue
			WHERE tag = ANY($1)
			 AND running = false
			 AND scheduled_for <= now()
			ORDER BY priority DESC NULLS LAST, scheduled_for, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, pq.Array(tags))
	}

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, newErr(KindInternal, "select claimable row", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET
			running = true,
			started_at = COALESCE(started_at, now()),
			last_ping = now(),
			suspend_until = NULL
		WHERE id = $1`, id)
	if err != nil {
		return nil, newErr(KindInternal, "flip claimed row", err)
	}

	j, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, newErr(KindInternal, "commit claim tx", err)
	}
	return j, nil
}

// TagDepths counts runnable (not running, due) rows per tag, for the queue
// depth gauge sampled by the observability package.
func (s *Store) TagDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, count(*) FROM queue
		WHERE running = false AND scheduled_for <= now()
		GROUP BY tag`)
	if err != nil {
		return nil, newErr(KindInternal, "query tag depths", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, newErr(KindInternal, "scan tag depth", err)
		}
		out[tag] = n
	}
	return out, rows.Err()
}

// Vacuum reclaims dead tuples left behind by the claim/complete churn on the
// queue table. Run outside any transaction; lib/pq rejects VACUUM inside one.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM (ANALYZE) queue`)
	if err != nil {
		return newErr(KindInternal, "vacuum queue", err)
	}
	return nil
}

// Touch updates last_ping; used for worker heartbeats and for re-parenting a
// job pulled off the same-worker channel.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET last_ping = now() WHERE id = $1`, id)
	if err != nil {
		return newErr(KindInternal, "touch job", err)
	}
	return nil
}

// Cancel soft-cancels unless running+!force, in which case the executor is
// expected to observe the flag; force cancel is handled by the caller
// synthesizing a completion (Complete with Canceled).
func (s *Store) Cancel(ctx context.Context, id, reason, by string, force bool) (softCancel bool, err error) {
	var running bool
	err = s.db.QueryRowContext(ctx, `SELECT running FROM queue WHERE id = $1`, id).Scan(&running)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, newErr(KindInternal, "read job for cancel", err)
	}
	if running && !force {
		_, err = s.db.ExecContext(ctx, `
			UPDATE queue SET canceled = true, canceled_reason = $2, canceled_by = $3
			WHERE id = $1`, id, reason, by)
		if err != nil {
			return false, newErr(KindInternal, "flag running job canceled", err)
		}
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE queue SET
			canceled = true, canceled_reason = $2, canceled_by = $3,
			scheduled_for = now(), suspend = 0
		WHERE id = $1`, id, reason, by)
	if err != nil {
		return false, newErr(KindInternal, "soft cancel job", err)
	}
	return true, nil
}

// CompletionInput is what the completion pipeline hands the store to
// finalize a job.
type CompletionInput struct {
	Success    bool
	Result     json.RawMessage
	Logs       string
	MemPeak    *int
	DurationMs int64
}

// Complete moves a queue row into the completed table, deleting the queue
// row, in a single transaction. Returns ErrAlreadyCompleted if the row is
// already gone (race lost to another worker/force-cancel).
func (s *Store) Complete(ctx context.Context, id string, in CompletionInput) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newErr(KindInternal, "begin complete tx", err)
	}
	defer tx.Rollback()

	j, err := s.getTxForUpdate(ctx, tx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrAlreadyCompleted
		}
		return nil, err
	}

	duration := in.DurationMs
	if duration == 0 && j.StartedAt != nil {
		duration = time.Since(*j.StartedAt).Milliseconds()
	}

	rowJSON, err := json.Marshal(j)
	if err != nil {
		return nil, newErr(KindInternal, "marshal job snapshot", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completed_job (id, workspace_id, kind, success, duration_ms, result, logs, row, concurrency_id, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET logs = completed_job.logs || EXCLUDED.logs`,
		id, j.WorkspaceID, string(j.Kind), in.Success, duration, nullableJSON(in.Result), in.Logs, rowJSON,
		j.ConcurrencyID(), j.StartedAt)
	if err != nil {
		return nil, newErr(KindInternal, "insert completed row", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = $1`, id); err != nil {
		return nil, newErr(KindInternal, "delete queue row", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, newErr(KindInternal, "commit complete tx", err)
	}
	return j, nil
}

// UpdateFlowStatus writes a flow job's updated status document and merges
// any newly-produced leaf_jobs entries onto the row's existing map (a
// forloop/branchall step's list grows one child at a time across several
// Advance calls, so this never replaces the map wholesale). A nil status
// leaves the row's flow_status untouched, which lets the completion
// pipeline merge a nested flow step's leaf_jobs onto the root job's row
// without disturbing the root's own status document.
func (s *Store) UpdateFlowStatus(ctx context.Context, id string, status json.RawMessage, leafJobs map[string]LeafJobRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindInternal, "begin flow status tx", err)
	}
	defer tx.Rollback()

	j, err := s.getTxForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	merged := j.LeafJobs
	if merged == nil {
		merged = map[string]LeafJobRef{}
	}
	for k, v := range leafJobs {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return newErr(KindInternal, "marshal merged leaf_jobs", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue SET flow_status = COALESCE($2, flow_status), leaf_jobs = $3
		WHERE id = $1`, id, nullableJSON(status), mergedJSON)
	if err != nil {
		return newErr(KindInternal, "update flow status", err)
	}
	if err := tx.Commit(); err != nil {
		return newErr(KindInternal, "commit flow status tx", err)
	}
	return nil
}

// SetSuspend persists a flow job's pending-resume window: RequiredEvents
// onto `suspend` and now+Timeout onto `suspend_until` so the Puller's
// suspend-first pull can find it. Zero/nil clears both, which the
// Completion Pipeline does whenever the engine's Advance output carries no
// SuspendSignal (the flow moved past whatever it was last waiting on).
func (s *Store) SetSuspend(ctx context.Context, id string, count int, until *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue SET suspend = $2, suspend_until = $3 WHERE id = $1`, id, count, until)
	if err != nil {
		return newErr(KindInternal, "set suspend window", err)
	}
	return nil
}

// RecordResumeEvent upserts a resume_job row for (flowJobID, resumeID) and,
// on first insert only, decrements the job's `suspend` counter so the
// Puller's suspend-first condition trips as soon as enough events have
// arrived rather than waiting for suspend_until to elapse. A duplicate
// resume call (same resumeID) is a no-op past the first.
func (s *Store) RecordResumeEvent(ctx context.Context, flowJobID, resumeID string, approved bool, payload json.RawMessage, approver string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindInternal, "begin resume tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO resume_job (flow_job_id, resume_id, approved, payload, approver)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (flow_job_id, resume_id) DO NOTHING`,
		flowJobID, resumeID, approved, nullableJSON(payload), approver)
	if err != nil {
		return newErr(KindInternal, "insert resume event", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue SET suspend = GREATEST(suspend - 1, 0) WHERE id = $1`, flowJobID); err != nil {
			return newErr(KindInternal, "decrement suspend counter", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newErr(KindInternal, "commit resume tx", err)
	}
	return nil
}

// ResumeEventRow is one recorded resume/reject call, in arrival order.
type ResumeEventRow struct {
	ResumeID string
	Approved bool
	Payload  json.RawMessage
	Approver string
}

// ListResumeEvents returns every recorded event for flowJobID, oldest first.
func (s *Store) ListResumeEvents(ctx context.Context, flowJobID string) ([]ResumeEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resume_id, approved, payload, approver FROM resume_job
		WHERE flow_job_id = $1 ORDER BY created_at`, flowJobID)
	if err != nil {
		return nil, newErr(KindInternal, "list resume events", err)
	}
	defer rows.Close()

	var out []ResumeEventRow
	for rows.Next() {
		var r ResumeEventRow
		if err := rows.Scan(&r.ResumeID, &r.Approved, &r.Payload, &r.Approver); err != nil {
			return nil, newErr(KindInternal, "scan resume event", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearResumeEvents deletes every recorded event for flowJobID once the
// engine has folded them into the flow's persisted status.
func (s *Store) ClearResumeEvents(ctx context.Context, flowJobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resume_job WHERE flow_job_id = $1`, flowJobID); err != nil {
		return newErr(KindInternal, "clear resume events", err)
	}
	return nil
}

// ReclaimStale unsets running on every row whose last_ping is older than
// olderThan (or unset despite running, a dead worker that crashed before
// its first heartbeat), making the row claimable again. Suspend fields are
// left untouched: a reclaimed flow step waiting on events still waits.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET running = false, started_at = NULL
		WHERE running = true AND (last_ping IS NULL OR last_ping < $1)`, olderThan)
	if err != nil {
		return 0, newErr(KindInternal, "reclaim stale rows", err)
	}
	return res.RowsAffected()
}

// Get reads a queue row by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return s.getTx(ctx, s.db, id)
}

// ExistsCompleted reports whether id has a completed row.
func (s *Store) ExistsCompleted(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM completed_job WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, newErr(KindInternal, "check completed", err)
	}
	return exists, nil
}

// GetCompleted reads a terminal outcome back for the poll endpoint: success,
// duration, result payload and the snapshotted row as of completion.
func (s *Store) GetCompleted(ctx context.Context, id string) (*CompletedJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT row, success, duration_ms, result, logs, completed_at
		FROM completed_job WHERE id = $1`, id)
	var rowJSON []byte
	var cj CompletedJob
	if err := row.Scan(&rowJSON, &cj.Success, &cj.DurationMs, &cj.Result, &cj.Logs, &cj.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, newErr(KindInternal, "get completed job", err)
	}
	if err := json.Unmarshal(rowJSON, &cj.Job); err != nil {
		return nil, newErr(KindInternal, "unmarshal completed job snapshot", err)
	}
	return &cj, nil
}

func (s *Store) getTx(ctx context.Context, q Querier, id string) (*Job, error) {
	return scanJob(q.QueryRowContext(ctx, selectJobSQL+` WHERE id = $1`, id))
}

func (s *Store) getTxForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Job, error) {
	return scanJob(tx.QueryRowContext(ctx, selectJobSQL+` WHERE id = $1 FOR UPDATE`, id))
}

const selectJobSQL = `
	SELECT id, workspace_id, kind, created_by, permissioned_as, email,
		scheduled_for, created_at, started_at, running, parent_job, root_job,
		is_flow_step, flow_step_id, same_worker, tag, priority, args,
		script_hash, raw_code, raw_lock, raw_flow, flow_status,
		concurrent_limit, concurrency_time_window_s, custom_concurrency_key,
		cache_ttl, timeout, suspend, suspend_until, last_ping, mem_peak,
		canceled, canceled_by, canceled_reason, pre_run_error, leaf_jobs,
		visible_to_owner
	FROM queue`

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var kind string
	var leafJobs []byte
	err := row.Scan(
		&j.ID, &j.WorkspaceID, &kind, &j.CreatedBy, &j.PermissionedAs, &j.Email,
		&j.ScheduledFor, &j.CreatedAt, &j.StartedAt, &j.Running, &j.ParentJob, &j.RootJob,
		&j.IsFlowStep, &j.FlowStepID, &j.SameWorker, &j.Tag, &j.Priority, &j.Args,
		&j.ScriptHash, &j.RawCode, &j.RawLock, &j.RawFlow, &j.FlowStatus,
		&j.ConcurrentLimit, &j.ConcurrencyTimeWindowS, &j.CustomConcurrencyKey,
		&j.CacheTTL, &j.Timeout, &j.Suspend, &j.SuspendUntil, &j.LastPing, &j.MemPeak,
		&j.Canceled, &j.CanceledBy, &j.CanceledReason, &j.PreRunError, &leafJobs,
		&j.VisibleToOwner,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newErr(KindInternal, "scan job row", err)
	}
	j.Kind = JobKind(kind)
	if len(leafJobs) > 0 {
		_ = json.Unmarshal(leafJobs, &j.LeafJobs)
	}
	return &j, nil
}

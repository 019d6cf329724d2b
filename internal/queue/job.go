// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind enumerates every payload shape the queue accepts.
type JobKind string

const (
	KindScript JobKind = "script"
	KindPreview JobKind = "preview"
	KindFlow JobKind = "flow"
	KindFlowPreview JobKind = "flow_preview"
	KindDependencies JobKind = "dependencies"
	KindFlowDependencies JobKind = "flow_dependencies"
	KindAppDependencies JobKind = "app_dependencies"
	KindIdentity JobKind = "identity"
	KindNoop JobKind = "noop"
	KindScriptHub JobKind = "script_hub"
	KindDeploymentCallback JobKind = "deployment_callback"
	KindAppScript JobKind = "app_script"
)

// LeafJobRef is the value type stored in a flow's leaf_jobs map: either a
// single child job id (non-list-producing step) or the ordered ids of a
// list-producing step (forloop, branchall).
type LeafJobRef struct {
	Single string `json:"single,omitempty"`
	List []string `json:"list,omitempty"`
}

// NewID generates a fresh job identifier. uuid v4 paired with the monotonic
// created_at column used for every FIFO ordering comparison gives the same
// at-most-once/ordering guarantees without needing lexical sortability.
func NewID() string {
	return uuid.New().String()
}

// Job is a queued row: the durable unit of work before it has terminated.
// Invariant: exactly one of {ScriptHash, RawCode, RawFlow} is meaningful for
// the Kind; checked at Pusher resolution time, not re-validated by the store.
type Job struct {
	ID string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Kind JobKind `json:"kind" db:"kind"`
	CreatedBy string `json:"created_by" db:"created_by"`
	PermissionedAs string `json:"permissioned_as" db:"permissioned_as"`
	Email string `json:"email" db:"email"`
	ScheduledFor time.Time `json:"scheduled_for" db:"scheduled_for"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	Running bool `json:"running" db:"running"`
	ParentJob *string `json:"parent_job,omitempty" db:"parent_job"`
	RootJob *string `json:"root_job,omitempty" db:"root_job"`
	IsFlowStep bool `json:"is_flow_step" db:"is_flow_step"`
	FlowStepID *string `json:"flow_step_id,omitempty" db:"flow_step_id"`
	SameWorker bool `json:"same_worker" db:"same_worker"`
	Tag string `json:"tag" db:"tag"`
	Priority *int `json:"priority,omitempty" db:"priority"`
	Args json.RawMessage `json:"args" db:"args"`

	ScriptHash *string `json:"script_hash,omitempty" db:"script_hash"`
	RawCode *string `json:"raw_code,omitempty" db:"raw_code"`
	RawLock *string `json:"raw_lock,omitempty" db:"raw_lock"`

	RawFlow json.RawMessage `json:"raw_flow,omitempty" db:"raw_flow"`
	FlowStatus json.RawMessage `json:"flow_status,omitempty" db:"flow_status"`

	ConcurrentLimit *int `json:"concurrent_limit,omitempty" db:"concurrent_limit"`
	ConcurrencyTimeWindowS *int `json:"concurrency_time_window_s,omitempty" db:"concurrency_time_window_s"`
	CustomConcurrencyKey *string `json:"custom_concurrency_key,omitempty" db:"custom_concurrency_key"`

	CacheTTL *int `json:"cache_ttl,omitempty" db:"cache_ttl"`
	Timeout *int `json:"timeout,omitempty" db:"timeout"`

	Suspend int `json:"suspend" db:"suspend"`
	SuspendUntil *time.Time `json:"suspend_until,omitempty" db:"suspend_until"`
	LastPing *time.Time `json:"last_ping,omitempty" db:"last_ping"`
	MemPeak *int `json:"mem_peak,omitempty" db:"mem_peak"`

	Canceled bool `json:"canceled" db:"canceled"`
	CanceledBy *string `json:"canceled_by,omitempty" db:"canceled_by"`
	CanceledReason *string `json:"canceled_reason,omitempty" db:"canceled_reason"`
	PreRunError *string `json:"pre_run_error,omitempty" db:"pre_run_error"`

	LeafJobs map[string]LeafJobRef `json:"leaf_jobs,omitempty" db:"leaf_jobs"`

	VisibleToOwner bool `json:"visible_to_owner" db:"visible_to_owner"`

	// DebounceKey and ConcurrencyKey are computed by the Pusher ahead of
	// insert so the Debouncer/Concurrency Limiter can act on them; they are
	// not persisted columns of their own (they live in their own tables).
	DebounceKey string `json:"-" db:"-"`
	ConcurrencyKey string `json:"-" db:"-"`
}

// CompletedJob is immutable once written: it carries the queue row's
// identifying fields plus the outcome.
type CompletedJob struct {
	Job
	Success bool `json:"success" db:"success"`
	DurationMs int64 `json:"duration_ms" db:"duration_ms"`
	Result json.RawMessage `json:"result" db:"result"`
	Logs string `json:"logs" db:"logs"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

// DebounceKeyRow is the (workspace:path:dependency) -> job_id mapping.
type DebounceKeyRow struct {
	Key string `db:"key"`
	JobID string `db:"job_id"`
}

// DebounceStaleDataRow accumulates late-arrival payload merges for the
// in-flight holder of a debounce key.
type DebounceStaleDataRow struct {
	JobID string `db:"job_id"`
	ToRelock []string `db:"to_relock"`
	Other json.RawMessage `db:"other"`
}

// ConcurrencyCounterRow is the (concurrency_id) -> set<job_uuid> mapping used
// by the Concurrency Limiter's sliding-window check.
type ConcurrencyCounterRow struct {
	ConcurrencyID string `db:"concurrency_id"`
	JobUUIDs []string `db:"job_uuids"`
}

// ConcurrencyID is the grouping key the Concurrency Limiter's sliding window
// counts against: the custom key if one was set at push time, falling back
// to the script identity so unrelated scripts never share a window.
func (j *Job) ConcurrencyID() *string {
	if j.CustomConcurrencyKey != nil && *j.CustomConcurrencyKey != "" {
		return j.CustomConcurrencyKey
	}
	if j.ScriptHash != nil && *j.ScriptHash != "" {
		return j.ScriptHash
	}
	return nil
}

// Marshal/Unmarshal round-trip a Job through JSON.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

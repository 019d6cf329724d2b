// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue is the narrow surface the Pusher, Puller, Worker and Completion
// Pipeline need from the Queue Store. *Store satisfies it against Postgres;
// *FakeStore satisfies it in-memory for unit tests (the pack carries no
// sqlmock/testcontainers dependency once those are dropped, see DESIGN.md).
type Queue interface {
	Insert(ctx context.Context, j *Job, q Querier) (string, error)
	ClaimNext(ctx context.Context, tags []string, suspendFirst bool) (*Job, error)
	Touch(ctx context.Context, id string) error
	Cancel(ctx context.Context, id, reason, by string, force bool) (softCancel bool, err error)
	Complete(ctx context.Context, id string, in CompletionInput) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	ExistsCompleted(ctx context.Context, id string) (bool, error)
	// GetCompleted reads a terminal outcome back for the poll endpoint.
	GetCompleted(ctx context.Context, id string) (*CompletedJob, error)
	// UpdateFlowStatus persists a flow job's Advance output: the new
	// FlowStatus document and any leaf_jobs entries the step just produced,
	// merged onto whatever leaf_jobs the row already carries.
	UpdateFlowStatus(ctx context.Context, id string, status json.RawMessage, leafJobs map[string]LeafJobRef) error
	// SetSuspend persists (or clears, when count<=0) a flow job's
	// pending-resume window for the Puller's suspend-first pull.
	SetSuspend(ctx context.Context, id string, count int, until *time.Time) error
	// RecordResumeEvent upserts one resume/reject call for a suspended flow
	// job, decrementing its suspend counter on first insert.
	RecordResumeEvent(ctx context.Context, flowJobID, resumeID string, approved bool, payload json.RawMessage, approver string) error
	// ListResumeEvents returns every event recorded for flowJobID, oldest first.
	ListResumeEvents(ctx context.Context, flowJobID string) ([]ResumeEventRow, error)
	// ClearResumeEvents deletes every recorded event for flowJobID once the
	// engine has folded them into the flow's persisted status.
	ClearResumeEvents(ctx context.Context, flowJobID string) error
}

var (
	_ Queue = (*Store)(nil)
	_ Queue = (*FakeStore)(nil)
)

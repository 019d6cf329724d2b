// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// FakeStore is an in-memory Queue used by every package's unit tests so they
// don't need a live Postgres instance. It reproduces the claim ordering and
// race semantics of Store closely enough to exercise FIFO-within-a-tag,
// at-most-one claim, and idempotent completion.
type FakeStore struct {
	mu sync.Mutex
	rows map[string]*Job
	completed map[string]*CompletedJob
	seq int64
	resumeEvents map[string][]ResumeEventRow
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		rows: make(map[string]*Job),
		completed: make(map[string]*CompletedJob),
		resumeEvents: make(map[string][]ResumeEventRow),
	}
}

func cloneJob(j *Job) *Job {
	cp := *j
	return &cp
}

func (f *FakeStore) Insert(_ context.Context, j *Job, _ Querier) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		j.ID = NewID()
	}
	if _, exists := f.rows[j.ID]; exists {
		return "", newErr(KindBadRequest, "duplicate job id", nil)
	}
	if _, exists := f.completed[j.ID]; exists {
		return "", newErr(KindBadRequest, "duplicate job id", nil)
	}
	if j.CreatedAt.IsZero() {
		f.seq++
		j.CreatedAt = time.Unix(0, f.seq)
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}
	f.rows[j.ID] = cloneJob(j)
	return j.ID, nil
}

func (f *FakeStore) ClaimNext(_ context.Context, tags []string, suspendFirst bool) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wantTag := make(map[string]bool, len(tags))
	for _, t := range tags {
		wantTag[t] = true
	}
	now := time.Now()

	var candidates []*Job
	for _, j := range f.rows {
		if !wantTag[j.Tag] {
			continue
		}
		if suspendFirst {
			if j.SuspendUntil != nil && (j.Suspend <= 0 || !j.SuspendUntil.After(now)) {
				candidates = append(candidates, j)
			}
		} else {
			if !j.Running && !j.ScheduledFor.After(now) {
				candidates = append(candidates, j)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		pa, pb := priorityOf(candidates[a]), priorityOf(candidates[b])
		if pa != pb {
			return pa > pb
		}
		if !suspendFirst && !candidates[a].ScheduledFor.Equal(candidates[b].ScheduledFor) {
			return candidates[a].ScheduledFor.Before(candidates[b].ScheduledFor)
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	winner := candidates[0]
	winner.Running = true
	if winner.StartedAt == nil {
		started := now
		winner.StartedAt = &started
	}
	lastPing := now
	winner.LastPing = &lastPing
	winner.SuspendUntil = nil
	return cloneJob(winner), nil
}

func priorityOf(j *Job) int {
	if j.Priority == nil {
		return 0
	}
	return *j.Priority
}

// ReclaimStale mirrors Store.ReclaimStale.
func (f *FakeStore) ReclaimStale(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.rows {
		if !j.Running {
			continue
		}
		if j.LastPing == nil || j.LastPing.Before(olderThan) {
			j.Running = false
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *FakeStore) Touch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	j.LastPing = &now
	return nil
}

func (f *FakeStore) Cancel(_ context.Context, id, reason, by string, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Running && !force {
		j.Canceled = true
		j.CanceledReason = &reason
		j.CanceledBy = &by
		return false, nil
	}
	j.Canceled = true
	j.CanceledReason = &reason
	j.CanceledBy = &by
	j.ScheduledFor = time.Now()
	j.Suspend = 0
	return true, nil
}

func (f *FakeStore) Complete(_ context.Context, id string, in CompletionInput) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		if _, done := f.completed[id]; done {
			return nil, ErrAlreadyCompleted
		}
		return nil, ErrAlreadyCompleted
	}
	duration := in.DurationMs
	if duration == 0 && j.StartedAt != nil {
		duration = time.Since(*j.StartedAt).Milliseconds()
	}
	cj := &CompletedJob{
		Job: *cloneJob(j),
		Success: in.Success,
		DurationMs: duration,
		Result: in.Result,
		Logs: in.Logs,
		CompletedAt: time.Now(),
	}
	if existing, done := f.completed[id]; done {
		existing.Logs += in.Logs
		delete(f.rows, id)
		return &existing.Job, ErrAlreadyCompleted
	}
	f.completed[id] = cj
	delete(f.rows, id)
	out := cj.Job
	return &out, nil
}

func (f *FakeStore) Get(_ context.Context, id string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.rows[id]; ok {
		return cloneJob(j), nil
	}
	return nil, ErrNotFound
}

func (f *FakeStore) ExistsCompleted(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.completed[id]
	return ok, nil
}

// GetCompleted mirrors Store.GetCompleted over the in-memory rows.
func (f *FakeStore) GetCompleted(_ context.Context, id string) (*CompletedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cj, ok := f.completed[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cj
	out.Job = *cloneJob(&cj.Job)
	return &out, nil
}

// UpdateFlowStatus mirrors Store.UpdateFlowStatus over the in-memory rows.
func (f *FakeStore) UpdateFlowStatus(_ context.Context, id string, status json.RawMessage, leafJobs map[string]LeafJobRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}
	if len(status) > 0 {
		j.FlowStatus = status
	}
	if j.LeafJobs == nil {
		j.LeafJobs = map[string]LeafJobRef{}
	}
	for k, v := range leafJobs {
		j.LeafJobs[k] = v
	}
	return nil
}

// TagDepths mirrors Store.TagDepths over the in-memory rows.
func (f *FakeStore) TagDepths(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	out := map[string]int64{}
	for _, j := range f.rows {
		if !j.Running && !j.ScheduledFor.After(now) {
			out[j.Tag]++
		}
	}
	return out, nil
}

// Vacuum is a no-op: there is no dead-tuple bloat to reclaim in memory.
func (f *FakeStore) Vacuum(_ context.Context) error { return nil }

// SetSuspend mirrors Store.SetSuspend over the in-memory rows.
func (f *FakeStore) SetSuspend(_ context.Context, id string, count int, until *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}
	j.Suspend = count
	j.SuspendUntil = until
	return nil
}

// RecordResumeEvent mirrors Store.RecordResumeEvent: first occurrence of a
// resumeID decrements the job's suspend counter, repeats are ignored.
func (f *FakeStore) RecordResumeEvent(_ context.Context, flowJobID, resumeID string, approved bool, payload json.RawMessage, approver string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.resumeEvents[flowJobID] {
		if ev.ResumeID == resumeID {
			return nil
		}
	}
	f.resumeEvents[flowJobID] = append(f.resumeEvents[flowJobID], ResumeEventRow{
		ResumeID: resumeID,
		Approved: approved,
		Payload:  payload,
		Approver: approver,
	})
	if j, ok := f.rows[flowJobID]; ok && j.Suspend > 0 {
		j.Suspend--
	}
	return nil
}

// ListResumeEvents mirrors Store.ListResumeEvents.
func (f *FakeStore) ListResumeEvents(_ context.Context, flowJobID string) ([]ResumeEventRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ResumeEventRow, len(f.resumeEvents[flowJobID]))
	copy(out, f.resumeEvents[flowJobID])
	return out, nil
}

// ClearResumeEvents mirrors Store.ClearResumeEvents.
func (f *FakeStore) ClearResumeEvents(_ context.Context, flowJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resumeEvents, flowJobID)
	return nil
}

// SetLastPingForTest backdates a claimed row's heartbeat, letting reaper
// tests simulate a crashed worker without a live database's clock.
func (f *FakeStore) SetLastPingForTest(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.rows[id]; ok {
		j.LastPing = &at
	}
}

// Reschedule mimics the concurrency limiter's reject-and-requeue: it flips a
// claimed row back to runnable at a future scheduled_for. Exposed for tests
// that exercise callers of the Queue interface without a live database.
func (f *FakeStore) Reschedule(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}
	j.Running = false
	j.StartedAt = nil
	j.ScheduledFor = at
	return nil
}

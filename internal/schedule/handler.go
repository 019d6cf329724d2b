// Copyright 2025 James Ross
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/pusher"
)

// Handler polls due schedules and re-enqueues their target, and records
// each dispatched job's terminal outcome against the schedule's
// failure/recovery streak, firing the configured handler runnable when a
// streak's threshold is crossed. It implements completion.ScheduleRecorder.
type Handler struct {
	Store  *Store
	Pusher *pusher.Pusher
	Parser cron.Parser
	Log    *zap.Logger
}

// New builds a Handler with the same cron grammar the calendar validator
// uses: optional leading seconds field, standard five-field cron, plus
// the @every/@daily descriptor shorthand.
func New(store *Store, p *pusher.Pusher, log *zap.Logger) *Handler {
	return &Handler{
		Store:  store,
		Pusher: p,
		Parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		Log:    log,
	}
}

// Run polls for due schedules every interval until ctx is canceled.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Tick(ctx); err != nil {
				h.logWarn("schedule tick failed", "", err)
			}
		}
	}
}

// Tick dispatches every schedule whose next_run has arrived and advances
// each past the occurrence it just fired.
func (h *Handler) Tick(ctx context.Context) error {
	due, err := h.Store.ListDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("schedule: tick: %w", err)
	}
	for _, sc := range due {
		if err := h.fire(ctx, sc); err != nil {
			h.logWarn("schedule fire failed", sc.ID, err)
		}
	}
	return nil
}

func (h *Handler) fire(ctx context.Context, sc *Schedule) error {
	loc := time.UTC
	if sc.Timezone != "" {
		if l, err := time.LoadLocation(sc.Timezone); err == nil {
			loc = l
		}
	}
	schedule, err := h.Parser.Parse(sc.CronSpec)
	if err != nil {
		return fmt.Errorf("schedule: parse cron %q: %w", sc.CronSpec, err)
	}
	next := schedule.Next(time.Now().In(loc))

	spec := pusher.JobSpec{
		Workspace: sc.WorkspaceID,
		Args:      sc.Args,
		Caller:    pusher.CallerIdentity{Username: "schedule", PermissionedAs: fmt.Sprintf("schedule:%s", sc.Path)},
	}
	switch sc.TargetKind {
	case TargetScript:
		spec.Payload = pusher.Payload{Kind: pusher.PayloadScriptHash, ScriptHash: sc.TargetPath}
	case TargetFlow:
		spec.Payload = pusher.Payload{Kind: pusher.PayloadFlow, FlowPath: sc.TargetPath}
	default:
		return fmt.Errorf("schedule: unknown target kind %q", sc.TargetKind)
	}

	jobID, _, err := h.Pusher.Push(ctx, spec, debounce.Attach{}, pusher.Config{})
	if err != nil {
		return fmt.Errorf("schedule: push %s: %w", sc.Path, err)
	}
	return h.Store.RecordDispatch(ctx, sc.ID, jobID, next)
}

// RecordOutcome implements completion.ScheduleRecorder: it updates the
// firing schedule's failure/success streak and, when a streak crosses its
// configured threshold, pushes the failure or recovery handler runnable
// with schedule_path, path, is_flow, failed_times (success_times for the
// recovery handler), the failed job's result under error, and the
// handler's extra_args as its args. The job's started_at is not passed.
func (h *Handler) RecordOutcome(ctx context.Context, jobID string, success bool, result json.RawMessage) error {
	sc, err := h.Store.GetByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("schedule: record outcome %s: %w", jobID, err)
	}
	if sc == nil {
		return nil
	}

	failures, successes := sc.ConsecutiveFailures, sc.ConsecutiveSuccesses
	var lastErr *string
	if success {
		failures = 0
		successes++
		if sc.OnRecovery != nil && sc.ConsecutiveFailures > 0 && streakCrossed(sc.OnRecovery, successes) {
			if err := h.dispatchHandler(ctx, sc, sc.OnRecovery, successes, nil); err != nil {
				h.logWarn("recovery handler dispatch failed", sc.ID, err)
			}
		}
	} else {
		successes = 0
		failures++
		msg := string(result)
		lastErr = &msg
		if sc.OnFailure != nil && streakCrossed(sc.OnFailure, failures) {
			if err := h.dispatchHandler(ctx, sc, sc.OnFailure, failures, result); err != nil {
				h.logWarn("failure handler dispatch failed", sc.ID, err)
			}
		}
	}
	return h.Store.RecordStreak(ctx, sc.ID, failures, successes, lastErr)
}

// streakCrossed reports whether count warrants firing h: Exact fires only
// on the precise occurrence count, otherwise every time count is at or past
// the threshold (so a handler path added after failures already accrued
// still fires on the next one rather than waiting for a fresh streak).
func streakCrossed(h *HandlerSpec, count int) bool {
	if h.Times <= 0 {
		return false
	}
	if h.Exact {
		return count == h.Times
	}
	return count >= h.Times
}

func (h *Handler) dispatchHandler(ctx context.Context, sc *Schedule, handler *HandlerSpec, streak int, errResult json.RawMessage) error {
	if handler.Path == "" {
		return nil
	}
	countKey := "success_times"
	if handler == sc.OnFailure {
		countKey = "failed_times"
	}
	ctxFields := map[string]json.RawMessage{
		"schedule_path": mustMarshal(sc.Path),
		"path":          mustMarshal(sc.TargetPath),
		"is_flow":       mustMarshal(sc.TargetKind == TargetFlow),
		countKey:        mustMarshal(streak),
	}
	if errResult != nil {
		ctxFields["error"] = errResult
	}
	if len(handler.ExtraArgs) > 0 {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(handler.ExtraArgs, &extra); err == nil {
			for k, v := range extra {
				ctxFields[k] = v
			}
		}
	}
	args, err := json.Marshal(ctxFields)
	if err != nil {
		return fmt.Errorf("schedule: marshal handler args: %w", err)
	}

	spec := pusher.JobSpec{
		Workspace: sc.WorkspaceID,
		Args:      args,
		Caller:    pusher.CallerIdentity{Username: "schedule", PermissionedAs: fmt.Sprintf("schedule:%s:handler", sc.Path)},
		Payload:   pusher.Payload{Kind: pusher.PayloadScriptHash, ScriptHash: handler.Path},
	}
	_, _, err = h.Pusher.Push(ctx, spec, debounce.Attach{}, pusher.Config{})
	return err
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (h *Handler) logWarn(msg, scheduleID string, err error) {
	if h.Log == nil {
		return
	}
	h.Log.Warn(msg, obs.String("schedule_id", scheduleID), obs.Err(err))
}

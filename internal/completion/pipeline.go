// Copyright 2025 James Ross
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/jobqueue/internal/concurrency"
	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/flow"
	"github.com/flowforge/jobqueue/internal/logstore"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/queue"
	"go.uber.org/zap"
)

// ResultCache is the completion pipeline's cache-replay write surface;
// *cache.Store satisfies it. A nil Cache disables cache-replay entirely.
type ResultCache interface {
	Key(scriptHash string, args json.RawMessage) string
	Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
}

// FlowSource resolves a named flow module's path to its definition; also
// used by the Pusher at push time for the "flow"/"flow_dependencies"
// payload kinds.
type FlowSource interface {
	GetByPath(ctx context.Context, path string) (json.RawMessage, error)
}

// ScheduleRecorder is notified of a job's terminal outcome so a
// cron-triggered job can update its failure/success streak and fire its
// error handler. The schedule package owns the job id -> schedule mapping
// itself, so this needs nothing from Job beyond its id and outcome.
type ScheduleRecorder interface {
	RecordOutcome(ctx context.Context, jobID string, success bool, result json.RawMessage) error
}

// Pipeline is the Completion Pipeline: it persists a finished leaf job,
// releases its concurrency slot and debounce hold, writes a cache-replay
// entry when configured, and feeds the outcome back into the Flow Engine
// for its parent (if any). It also serves as the engine's Dispatcher and
// FlowLookup, since every child a flow step dispatches is a fully-resolved
// ChildSpec inserted straight into the Queue Store, bypassing the Pusher's
// tag/priority resolution table entirely.
type Pipeline struct {
	Store       queue.Queue
	Concurrency *concurrency.Limiter
	Debounce    *debounce.Store
	Cache       ResultCache
	Flows       FlowSource
	Schedule    ScheduleRecorder
	// LogStore ships a job's logs to object storage when they exceed
	// logstore.InlineThreshold once compressed; nil keeps every job's logs
	// inline in the completed_job row regardless of size.
	LogStore logstore.ObjectStore
	Log      *zap.Logger

	engine *flow.Engine
}

// New wires a Pipeline and the flow.Engine that uses it as both Dispatcher
// and FlowLookup. eval is the expression evaluator the engine uses to
// resolve input_transforms and branch/loop conditions; a nil eval falls
// back to flow.JSONPathEvaluator.
func New(store queue.Queue, conc *concurrency.Limiter, deb *debounce.Store, cache ResultCache, flows FlowSource, sched ScheduleRecorder, eval flow.Evaluator, log *zap.Logger) *Pipeline {
	p := &Pipeline{Store: store, Concurrency: conc, Debounce: deb, Cache: cache, Flows: flows, Schedule: sched, Log: log}
	p.engine = flow.NewEngine(p, eval, p)
	return p
}

var (
	_ flow.Dispatcher = (*Pipeline)(nil)
	_ flow.FlowLookup = (*Pipeline)(nil)
)

// sameWorkerSinkKey threads an accumulator through one StartFlow/Resume/
// Complete call tree so Dispatch can hand same_worker children straight
// back to the caller (the Worker) instead of only leaving them for the
// general Puller to pick up later. feedParent reuses its caller's sink
// rather than opening its own, so a chain of nested flow completions all
// collect into the one slice the top-level call returns.
type sameWorkerSinkKey struct{}

func withSameWorkerSink(ctx context.Context, sink *[]*queue.Job) context.Context {
	return context.WithValue(ctx, sameWorkerSinkKey{}, sink)
}

func sameWorkerSinkFrom(ctx context.Context) *[]*queue.Job {
	sink, _ := ctx.Value(sameWorkerSinkKey{}).(*[]*queue.Job)
	return sink
}

// ResolveFlow implements flow.FlowLookup for an explicit "flow" module.
func (p *Pipeline) ResolveFlow(ctx context.Context, path string) (json.RawMessage, error) {
	if p.Flows == nil {
		return nil, fmt.Errorf("completion: no flow source configured for path %q", path)
	}
	return p.Flows.GetByPath(ctx, path)
}

// rootOf resolves the root of j's flow tree: a flow pushed directly by a
// caller has no root_job of its own and is its own root. Every job the
// pipeline dispatches afterwards carries the same root threaded all the
// way down (see Dispatch), so no further walk up the chain is ever needed.
func rootOf(j *queue.Job) string {
	if j.RootJob != nil && *j.RootJob != "" {
		return *j.RootJob
	}
	return j.ID
}

// Dispatch implements flow.Dispatcher: it inserts a resolved child job
// directly, inheriting workspace identity and tag from its parent row.
func (p *Pipeline) Dispatch(ctx context.Context, parentJobID, rootJobID string, spec flow.ChildSpec) (string, error) {
	parent, err := p.Store.Get(ctx, parentJobID)
	if err != nil {
		return "", fmt.Errorf("completion: dispatch: lookup parent %s: %w", parentJobID, err)
	}

	root := rootJobID
	if root == "" {
		root = rootOf(parent)
	}

	child := &queue.Job{
		WorkspaceID:            parent.WorkspaceID,
		CreatedBy:              parent.CreatedBy,
		PermissionedAs:         parent.PermissionedAs,
		Email:                  parent.Email,
		Tag:                    parent.Tag,
		ParentJob:              &parentJobID,
		RootJob:                &root,
		IsFlowStep:             true,
		FlowStepID:             &spec.FlowStepID,
		SameWorker:             spec.SameWorker,
		Args:                   spec.Args,
		ConcurrentLimit:        spec.ConcurrentLimit,
		ConcurrencyTimeWindowS: spec.ConcurrencyTimeWindowS,
		CacheTTL:               spec.CacheTTL,
		Timeout:                spec.Timeout,
		VisibleToOwner:         false,
	}
	if !spec.ScheduledFor.IsZero() {
		child.ScheduledFor = spec.ScheduledFor
	}
	if spec.ScriptHash != "" {
		h := spec.ScriptHash
		child.ScriptHash = &h
	}
	if spec.RawCode != "" {
		c := spec.RawCode
		child.RawCode = &c
	}
	if spec.Language != "" {
		l := spec.Language
		child.RawLock = &l
	}

	switch spec.Kind {
	case flow.ChildScript:
		child.Kind = queue.KindScript
	case flow.ChildFlow:
		child.Kind = queue.KindFlow
		child.RawFlow = spec.RawFlow
		status, err := flow.NewStatus(spec.RawFlow)
		if err != nil {
			return "", fmt.Errorf("completion: dispatch: build nested flow status: %w", err)
		}
		child.FlowStatus = status
	default:
		return "", fmt.Errorf("completion: dispatch: unknown child kind %q", spec.Kind)
	}

	id, err := p.Store.Insert(ctx, child, nil)
	if err != nil {
		return "", err
	}
	if spec.SameWorker {
		if sink := sameWorkerSinkFrom(ctx); sink != nil {
			*sink = append(*sink, child)
		}
	}
	return id, nil
}

// StartFlow runs a freshly-claimed flow job's first Advance, dispatching
// its first module's children (or resolving it immediately if the
// definition is empty/all-synchronous modules). It returns any same_worker
// children it just dispatched, for the Worker to run in-process rather than
// round-tripping them through the general Puller.
func (p *Pipeline) StartFlow(ctx context.Context, job *queue.Job) ([]*queue.Job, error) {
	var same []*queue.Job
	ctx = withSameWorkerSink(ctx, &same)

	def, err := flow.ParseDefinition(job.RawFlow)
	if err != nil {
		return nil, fmt.Errorf("completion: start flow %s: %w", job.ID, err)
	}
	var st flow.Status
	if len(job.FlowStatus) > 0 {
		if err := json.Unmarshal(job.FlowStatus, &st); err != nil {
			return nil, fmt.Errorf("completion: start flow %s: parse status: %w", job.ID, err)
		}
	}
	root := rootOf(job)
	adv, err := p.engine.Advance(ctx, def, job.ID, root, st, job.Args, job.Args, job.SameWorker, nil)
	if err != nil {
		return nil, fmt.Errorf("completion: start flow %s: advance: %w", job.ID, err)
	}
	if err := p.persistAdvance(ctx, job, root, adv); err != nil {
		return same, err
	}
	return same, nil
}

// Resume re-enters a flow job the Puller just claimed off its suspend-first
// path: it folds in whatever resume/reject calls have accumulated in
// resume_job since the module suspended (or, if none arrived before
// suspend_until elapsed, forces the timeout branch) and advances the engine
// from the waiting module.
func (p *Pipeline) Resume(ctx context.Context, job *queue.Job) ([]*queue.Job, error) {
	var same []*queue.Job
	ctx = withSameWorkerSink(ctx, &same)

	def, err := flow.ParseDefinition(job.RawFlow)
	if err != nil {
		return nil, fmt.Errorf("completion: resume flow %s: %w", job.ID, err)
	}
	var st flow.Status
	if err := json.Unmarshal(job.FlowStatus, &st); err != nil {
		return nil, fmt.Errorf("completion: resume flow %s: parse status: %w", job.ID, err)
	}

	rows, err := p.Store.ListResumeEvents(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("completion: resume flow %s: list events: %w", job.ID, err)
	}
	events := make([]flow.ResumeEvent, len(rows))
	for i, r := range rows {
		events[i] = flow.ResumeEvent{Approved: r.Approved, Payload: r.Payload, Approver: r.Approver}
	}
	// Suspend is only ever cleared by ClaimNext's suspend_until reset, never
	// by the claim itself, so job.Suspend<=0 here means enough approvals
	// already arrived to satisfy RequiredEvents; anything else means the
	// window elapsed first.
	forceTimeout := job.Suspend > 0

	root := rootOf(job)
	adv, err := p.engine.Resume(ctx, def, job.ID, root, st, job.Args, job.Args, job.SameWorker, events, forceTimeout)
	if err != nil {
		return nil, fmt.Errorf("completion: resume flow %s: advance: %w", job.ID, err)
	}
	if err := p.Store.ClearResumeEvents(ctx, job.ID); err != nil {
		return same, fmt.Errorf("completion: resume flow %s: clear events: %w", job.ID, err)
	}
	if err := p.persistAdvance(ctx, job, root, adv); err != nil {
		return same, err
	}
	if adv.Done {
		doneRes := executor.Result{Success: adv.Success, Output: adv.Result}
		if !adv.Success {
			doneRes.ErrVal = adv.Result
		}
		// p.Complete reuses this call's sink (ctx already carries &same), so
		// its return value is the same slice already reachable through
		// `same` — no need to merge it in again.
		_, err := p.Complete(ctx, job, doneRes)
		return same, err
	}
	return same, nil
}

// Complete reports a leaf job's outcome: it persists the completed row,
// releases its concurrency slot and debounce hold (both the claim-time
// ClearAndRead in the Worker and this one are idempotent, so a holder is
// guaranteed clear of debounce_key/debounce_stale_data by the time this
// returns even if the claim-time clear was skipped or raced), writes the
// cache-replay entry when configured, notifies the schedule handler, and —
// if this job was a flow step — feeds the outcome back into the parent
// flow's engine. The returned jobs are same_worker children dispatched
// while handling this completion (directly, or transitively through a
// chain of parent flow completions); the Worker runs them in-process
// instead of leaving them for the general Puller.
func (p *Pipeline) Complete(ctx context.Context, job *queue.Job, res executor.Result) ([]*queue.Job, error) {
	sink := sameWorkerSinkFrom(ctx)
	var same []*queue.Job
	if sink == nil {
		ctx = withSameWorkerSink(ctx, &same)
		sink = &same
	}

	in := queue.CompletionInput{
		Success: res.Success,
		Result:  res.Output,
		MemPeak: memPeakPtr(res.MemPeakKB),
	}
	if !res.Success {
		in.Result = res.ErrVal
	}
	if res.Logs != "" {
		buf := logstore.NewBuffer()
		buf.Append(res.Logs)
		logs, lerr := logstore.Flush(ctx, buf, job.ID, p.LogStore)
		if lerr != nil {
			p.logWarn("log flush failed", job.ID, lerr)
			logs = res.Logs
		}
		in.Logs = logs
	}

	_, err := p.Store.Complete(ctx, job.ID, in)
	if err != nil && !queue.IsAlreadyCompleted(err) {
		return *sink, fmt.Errorf("completion: complete %s: %w", job.ID, err)
	}
	lost := queue.IsAlreadyCompleted(err)

	if !lost {
		if cid := job.ConcurrencyID(); cid != nil && p.Concurrency != nil {
			if rerr := p.Concurrency.Release(ctx, *cid, job.ID); rerr != nil {
				p.logWarn("release concurrency slot failed", job.ID, rerr)
			}
		}
		if p.Debounce != nil {
			if _, derr := p.Debounce.ClearAndRead(ctx, job.ID); derr != nil {
				p.logWarn("debounce cleanup failed", job.ID, derr)
			}
		}
		if job.CacheTTL != nil && *job.CacheTTL > 0 && res.Success && p.Cache != nil && job.ScriptHash != nil {
			key := p.Cache.Key(*job.ScriptHash, job.Args)
			if cerr := p.Cache.Put(ctx, key, res.Output, time.Duration(*job.CacheTTL)*time.Second); cerr != nil {
				p.logWarn("cache-replay write failed", job.ID, cerr)
			}
		}
		if p.Schedule != nil {
			if serr := p.Schedule.RecordOutcome(ctx, job.ID, res.Success, res.Output); serr != nil {
				p.logWarn("schedule outcome recording failed", job.ID, serr)
			}
		}
	}

	if job.ParentJob == nil {
		return *sink, nil
	}
	return *sink, p.feedParent(ctx, *job.ParentJob, job, res)
}

// feedParent re-fetches the parent flow job, applies the child's
// completion through the engine, and persists the resulting Advance.
// Losing a completion race (the parent already moved on, e.g. a forloop
// with skip_failures) is not itself an error: AlreadyCompleted-shaped
// losses are swallowed the same way a leaf job's own race loss is. It reads
// its same_worker sink from ctx rather than returning its own, since it's
// always called from within a Complete call that already owns one.
func (p *Pipeline) feedParent(ctx context.Context, parentID string, child *queue.Job, res executor.Result) error {
	parent, err := p.Store.Get(ctx, parentID)
	if err != nil {
		if queue.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("completion: feed parent %s: %w", parentID, err)
	}

	def, err := flow.ParseDefinition(parent.RawFlow)
	if err != nil {
		return fmt.Errorf("completion: feed parent %s: %w", parentID, err)
	}
	var st flow.Status
	if err := json.Unmarshal(parent.FlowStatus, &st); err != nil {
		return fmt.Errorf("completion: feed parent %s: parse status: %w", parentID, err)
	}

	stepID := ""
	if child.FlowStepID != nil {
		stepID = *child.FlowStepID
	}
	comp := &flow.Completion{
		StepID:         stepID,
		ChildJobID:     child.ID,
		Success:        res.Success,
		Result:         res.Output,
		ErrorVal:       res.ErrVal,
		IterationIndex: -1,
	}

	root := rootOf(parent)
	adv, err := p.engine.Advance(ctx, def, parent.ID, root, st, parent.Args, parent.Args, parent.SameWorker, comp)
	if err != nil {
		return fmt.Errorf("completion: feed parent %s: advance: %w", parentID, err)
	}
	if err := p.persistAdvance(ctx, parent, root, adv); err != nil {
		return err
	}

	if adv.Done {
		doneRes := executor.Result{Success: adv.Success, Output: adv.Result}
		if !adv.Success {
			doneRes.ErrVal = adv.Result
		}
		_, err := p.Complete(ctx, parent, doneRes)
		return err
	}
	return nil
}

// persistAdvance writes an Advance's status back onto the flow job's own
// row and merges its leaf_jobs contribution onto the root job's row (per
// spec.md §9 Open Question (a): leaf_jobs is attributed to the root, not
// the immediate parent, so a nested subflow's children are still reachable
// from the top-level job a caller actually polls).
func (p *Pipeline) persistAdvance(ctx context.Context, job *queue.Job, rootJobID string, adv flow.Advance) error {
	statusJSON, err := json.Marshal(adv.Status)
	if err != nil {
		return fmt.Errorf("completion: marshal flow status: %w", err)
	}

	leaf := make(map[string]queue.LeafJobRef, len(adv.LeafJobs))
	for k, v := range adv.LeafJobs {
		leaf[k] = queue.LeafJobRef{Single: v.Single, List: v.List}
	}

	if err := p.Store.UpdateFlowStatus(ctx, job.ID, statusJSON, nil); err != nil {
		return fmt.Errorf("completion: persist flow status %s: %w", job.ID, err)
	}
	if adv.Suspend != nil {
		until := time.Now().Add(adv.Suspend.Timeout)
		if err := p.Store.SetSuspend(ctx, job.ID, adv.Suspend.RequiredEvents, &until); err != nil {
			return fmt.Errorf("completion: set suspend window %s: %w", job.ID, err)
		}
	} else {
		if err := p.Store.SetSuspend(ctx, job.ID, 0, nil); err != nil {
			return fmt.Errorf("completion: clear suspend window %s: %w", job.ID, err)
		}
	}
	if len(leaf) > 0 {
		if rootJobID == job.ID {
			if err := p.Store.UpdateFlowStatus(ctx, job.ID, nil, leaf); err != nil {
				return fmt.Errorf("completion: merge leaf_jobs %s: %w", job.ID, err)
			}
		} else if err := p.Store.UpdateFlowStatus(ctx, rootJobID, nil, leaf); err != nil {
			return fmt.Errorf("completion: merge leaf_jobs onto root %s: %w", rootJobID, err)
		}
	}
	return nil
}

func memPeakPtr(kb int) *int {
	if kb <= 0 {
		return nil
	}
	v := kb
	return &v
}

func (p *Pipeline) logWarn(msg, jobID string, err error) {
	if p.Log == nil {
		return
	}
	p.Log.Warn(msg, obs.String("job_id", jobID), obs.Err(err))
}

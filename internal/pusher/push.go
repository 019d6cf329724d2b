// Copyright 2025 James Ross
package pusher

import (
	"context"
	"strings"
	"time"

	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/queue"
)

// QuotaEnforcer implements cloud-mode quota enforcement: monthly
// execution counter per workspace/email, in-queue count, concurrent-run
// count. Self-hosted deployments pass a nil enforcer.
type QuotaEnforcer interface {
	Reserve(ctx context.Context, workspace, email string) error
}

// Debouncer implements push-side algorithm: create-or-attach
// against a debounce key. *debounce.Store satisfies this.
type Debouncer interface {
	OnPush(ctx context.Context, key string, candidate *queue.Job, attach debounce.Attach) (holderID string, created bool, err error)
}

// Config carries the parts of Push's behavior that depend on target
// resolution/config rather than the per-call JobSpec: whether a dedicated
// worker owns this path, the target's configured priority and language
// default tag, and whether this deployment is cloud-hosted.
type Config struct {
	DedicatedPath string
	TargetConfiguredPriority *int
	LanguageDefaultTag string
	CloudHosted bool
}

// Pusher validates a JobSpec, resolves its target, computes
// tag/priority/debounce/concurrency fields, and inserts the queue row.
type Pusher struct {
	Store    queue.Queue
	Resolver *Resolver
	Quota    QuotaEnforcer
	Debounce Debouncer
}

func isDependencyClass(k queueKindHint) bool {
	switch k {
	case hintDependencies, hintFlowDependencies, hintAppDependencies:
		return true
	}
	return false
}

func isFlowContainer(k queueKindHint) bool {
	return k == hintFlow || k == hintFlowDependencies
}

// Push validates, resolves, and enqueues a JobSpec end to end.
func (p *Pusher) Push(ctx context.Context, spec JobSpec, attach debounce.Attach, cfg Config) (jobID string, alreadyExisted bool, err error) {
	if err := ValidatePayload(spec.Payload); err != nil {
		return "", false, queueErr(queue.KindBadRequest, err)
	}

	target, err := p.Resolver.Resolve(ctx, spec.Payload)
	if err != nil {
		return "", false, queueErr(queue.KindBadRequest, err)
	}

	if p.Quota != nil && cfg.CloudHosted && !isDependencyClass(target.Kind) && !isFlowContainer(target.Kind) {
		if err := p.Quota.Reserve(ctx, spec.Workspace, spec.Caller.Email); err != nil {
			return "", false, queueErr(queue.KindQuotaExceeded, err)
		}
	}

	j := &queue.Job{
		WorkspaceID: spec.Workspace,
		CreatedBy: spec.Caller.Username,
		PermissionedAs: spec.Caller.PermissionedAs,
		Email: spec.Caller.Email,
		Args: spec.Args,
		ParentJob: spec.ParentJob,
		RootJob: spec.RootJob,
		IsFlowStep: spec.IsFlowStep,
		SameWorker: spec.SameWorker,
		VisibleToOwner: spec.VisibleToOwner,
		ScriptHash: target.ScriptHash,
		RawCode: target.RawCode,
		RawLock: target.RawLock,
		RawFlow: target.RawFlow,
		FlowStatus: target.FlowStatus,
		ConcurrentLimit: spec.ConcurrentLimit,
		ConcurrencyTimeWindowS: spec.ConcurrencyWindowS,
		CustomConcurrencyKey: spec.ConcurrencyKey,
		CacheTTL: spec.CacheTTL,
		Timeout: spec.TimeoutOverride,
	}
	if spec.JobID != nil {
		j.ID = *spec.JobID
	}
	j.Kind = queueKindFor(target.Kind)
	j.Tag = resolveTag(spec, target, cfg.DedicatedPath, cfg.LanguageDefaultTag)
	j.Priority = resolvePriority(spec, cfg.TargetConfiguredPriority, cfg.CloudHosted)
	if spec.ScheduledFor != nil {
		j.ScheduledFor = *spec.ScheduledFor
	} else {
		j.ScheduledFor = time.Now().UTC()
	}

	if spec.DebounceDelay > 0 && spec.DebounceKeyTemplate != nil && p.Debounce != nil {
		key := resolveDebounceKey(*spec.DebounceKeyTemplate, spec.Workspace)
		j.ScheduledFor = time.Now().UTC().Add(spec.DebounceDelay)
		holderID, created, err := p.Debounce.OnPush(ctx, key, j, attach)
		if err != nil {
			return "", false, queueErr(queue.KindInternal, err)
		}
		if !created {
			return holderID, true, nil
		}
		return holderID, false, nil
	}

	id, err := p.Store.Insert(ctx, j, nil)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func resolveDebounceKey(template, workspace string) string {
	return strings.ReplaceAll(template, "$workspace", workspace)
}

func queueKindFor(h queueKindHint) queue.JobKind {
	switch h {
	case hintScript:
		return queue.KindScript
	case hintFlow:
		return queue.KindFlow
	case hintDependencies:
		return queue.KindDependencies
	case hintFlowDependencies:
		return queue.KindFlowDependencies
	case hintAppDependencies:
		return queue.KindAppDependencies
	case hintIdentity:
		return queue.KindIdentity
	case hintNoop:
		return queue.KindNoop
	default:
		return queue.KindScript
	}
}

func queueErr(k queue.Kind, err error) error {
	return queue.Wrap(k, err)
}

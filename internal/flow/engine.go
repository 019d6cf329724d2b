// Copyright 2025 James Ross
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChildKind distinguishes the two shapes of child job the engine ever
// dispatches: a single script execution, or a nested flow (used both for an
// explicit "flow" module and for a forloop/branch body wrapped inline).
type ChildKind string

const (
	ChildScript ChildKind = "script"
	ChildFlow   ChildKind = "flow"
)

// ChildSpec is everything the engine resolves about a child before handing
// it to the Dispatcher; the dispatcher turns it into a queued row.
type ChildSpec struct {
	Kind ChildKind

	ScriptHash string
	Language   string
	RawCode    string

	RawFlow json.RawMessage

	Args json.RawMessage

	FlowStepID   string
	SameWorker   bool
	ScheduledFor time.Time

	ConcurrentLimit        *int
	ConcurrencyTimeWindowS *int
	CacheTTL               *int
	Timeout                *int
}

// Dispatcher pushes a resolved child job, returning its id. Implemented by
// the completion pipeline directly against the queue store: flow children
// bypass the Pusher's tag/priority resolution table because every field is
// already concrete by the time the engine builds a ChildSpec.
type Dispatcher interface {
	Dispatch(ctx context.Context, parentJobID, rootJobID string, spec ChildSpec) (jobID string, err error)
}

// FlowLookup resolves a named flow module's `path` to its definition, for
// the (rare) case of an explicit "flow" module kind rather than an inline
// forloop/branch body.
type FlowLookup interface {
	ResolveFlow(ctx context.Context, path string) (json.RawMessage, error)
}

// Completion is what the Completion Pipeline feeds back into the engine
// when a dispatched child job finishes.
type Completion struct {
	StepID         string
	ChildJobID     string
	Success        bool
	Result         json.RawMessage
	ErrorVal       json.RawMessage
	IterationIndex int // -1 when the module isn't iteration-indexed
}

// LeafRef is a leaf_jobs[step_id] entry: either the lone child job id for a
// scalar step, or the ordered child ids of a list-producing step.
type LeafRef struct {
	Single string
	List   []string
}

// Advance is one call's worth of engine output: the updated status, any
// children to dispatch now, leaf_jobs updates to merge onto the root job,
// and whether the whole flow has terminated.
type Advance struct {
	Status    Status
	Dispatch  []ChildSpec
	LeafJobs  map[string]LeafRef
	Done      bool
	Success   bool
	Result    json.RawMessage

	// Suspend is set whenever the module Advance/Resume just processed is
	// now sitting in WaitingForEvents: the caller persists RequiredEvents
	// onto the job row's `suspend` column and now+Timeout onto
	// `suspend_until` so the Puller's suspend-first pull can find it. Nil
	// means the caller should clear both fields (the flow isn't waiting on
	// anything right now).
	Suspend *SuspendSignal
}

// SuspendSignal is the engine's request to the caller to park a flow job
// pending external resume/reject events.
type SuspendSignal struct {
	RequiredEvents int
	Timeout        time.Duration
}

// ResumeEvent is one accepted resume or reject call folded into a
// WaitingForEvents module by Resume.
type ResumeEvent struct {
	Approved bool
	Payload  json.RawMessage
	Approver string
}

// resumeContext carries the previous module's accumulated resume payloads
// into the very next module's expression env (`resume`, `resumes`,
// `approvers`); it is consumed once and never propagates past that module.
type resumeContext struct {
	Resume    json.RawMessage
	Resumes   []json.RawMessage
	Approvers []string
}

// Engine runs the flow state machine described by Definition/Status. Each
// call to Advance is a single fresh invocation: no suspended call stack
// lives anywhere but in the Status value the caller persists.
type Engine struct {
	Dispatcher Dispatcher
	Eval       Evaluator
	FlowLookup FlowLookup
}

func NewEngine(d Dispatcher, ev Evaluator, fl FlowLookup) *Engine {
	if ev == nil {
		ev = JSONPathEvaluator{}
	}
	return &Engine{Dispatcher: d, Eval: ev, FlowLookup: fl}
}

// Advance drives the flow forward. comp is nil for the very first call
// (right after the flow job is pushed); on every subsequent call it carries
// the result of whichever child the Completion Pipeline just observed
// finish.
func (e *Engine) Advance(ctx context.Context, def Definition, flowJobID, rootJobID string, st Status, flowInput, flowEnv json.RawMessage, sameWorker bool, comp *Completion) (Advance, error) {
	def = appendVirtualTrailingModule(def)

	out := Advance{Status: st, LeafJobs: map[string]LeafRef{}}
	carry := flowInput

	if comp != nil {
		resolved, newCarry, err := e.applyCompletion(ctx, def, &st, flowJobID, rootJobID, flowInput, flowEnv, sameWorker, comp, &out)
		if err != nil {
			return out, err
		}
		carry = newCarry
		if out.Done {
			out.Status = st
			return out, nil
		}
		if !resolved {
			// still waiting on more children for this module (partial
			// forloop/branchall aggregation, a retry redispatch, or a
			// fresh transition into WaitingForEvents).
			out.Status = st
			return out, nil
		}
		if advanced, err := e.checkStopAfterIf(ctx, def, &st, carry, flowInput, flowEnv); err != nil {
			return out, err
		} else if advanced {
			out.Done = true
			out.Success = true
			out.Result = carry
			out.Status = st
			return out, nil
		}
		advanceStep(def, &st)
	}

	return e.runLoop(ctx, def, flowJobID, rootJobID, &st, carry, flowInput, flowEnv, sameWorker, out, nil)
}

// Resume folds a batch of resume/reject events into the module currently
// sitting in WaitingForEvents. forceTimeout releases the module even if
// RequiredEvents hasn't reached zero yet (the Puller's suspend_until path
// woke it on a timeout rather than on a satisfied count). A no-op (status
// unchanged) if the current module isn't actually waiting — the caller
// raced a stale wake-up.
func (e *Engine) Resume(ctx context.Context, def Definition, flowJobID, rootJobID string, st Status, flowInput, flowEnv json.RawMessage, sameWorker bool, events []ResumeEvent, forceTimeout bool) (Advance, error) {
	def = appendVirtualTrailingModule(def)
	out := Advance{Status: st, LeafJobs: map[string]LeafRef{}}

	ms := moduleStatusFor(&st, st.Step)
	if ms.State != StateWaitingForEvents {
		out.Status = st
		return out, nil
	}

	for _, ev := range events {
		if !ev.Approved {
			ms.State = StateFailure
			errPayload, _ := json.Marshal(map[string]string{
				"name":    "SuspendRejected",
				"message": "flow step rejected by " + ev.Approver,
			})
			resolved, carry, err := e.handleFailure(&st, &Completion{Success: false, ErrorVal: errPayload}, &out)
			if err != nil {
				return out, err
			}
			if out.Done {
				out.Status = st
				return out, nil
			}
			if !resolved {
				out.Status = st
				return out, nil
			}
			advanceStep(def, &st)
			return e.runLoop(ctx, def, flowJobID, rootJobID, &st, carry, flowInput, flowEnv, sameWorker, out, nil)
		}

		ms.ResumePayloads = append(ms.ResumePayloads, ev.Payload)
		if ev.Approver != "" {
			ms.ResumeApprovers = append(ms.ResumeApprovers, ev.Approver)
		}
		if ms.WaitingForEventsCount > 0 {
			ms.WaitingForEventsCount--
		}
	}

	if ms.WaitingForEventsCount > 0 && !forceTimeout {
		out.Status = st
		return out, nil
	}

	ms.State = StateSuccess
	carry := ms.Result
	rc := &resumeContext{Resumes: ms.ResumePayloads, Approvers: ms.ResumeApprovers}
	if len(ms.ResumePayloads) > 0 {
		rc.Resume = ms.ResumePayloads[len(ms.ResumePayloads)-1]
	}

	if advanced, err := e.checkStopAfterIf(ctx, def, &st, carry, flowInput, flowEnv); err != nil {
		return out, err
	} else if advanced {
		out.Done = true
		out.Success = true
		out.Result = carry
		out.Status = st
		return out, nil
	}
	advanceStep(def, &st)
	return e.runLoop(ctx, def, flowJobID, rootJobID, &st, carry, flowInput, flowEnv, sameWorker, out, rc)
}

// runLoop is the module-dispatch loop shared by Advance and Resume: it
// starts (or re-checks) modules one at a time until one of them is still
// pending (a dispatched child, or a fresh WaitingForEvents transition) or
// the flow has run out of modules. resume, when non-nil, is injected into
// only the very first module this call starts — exactly the module
// immediately following a just-released suspend point.
func (e *Engine) runLoop(ctx context.Context, def Definition, flowJobID, rootJobID string, st *Status, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out Advance, resume *resumeContext) (Advance, error) {
	for {
		mod, ok := moduleAt(def, st.Step)
		if !ok {
			out.Done = true
			out.Success = true
			out.Result = carry
			out.Status = *st
			return out, nil
		}

		ms := moduleStatusFor(st, st.Step)

		// The failure module never advances to a next step (there is none):
		// once it reaches a terminal state the whole flow is done, carrying
		// whatever it last resolved to.
		if st.Step.Failure && (ms.State == StateSuccess || ms.State == StateFailure) {
			out.Done = true
			out.Success = false
			out.Result = carry
			out.Status = *st
			return out, nil
		}

		if ms.State == StateWaitingForEvents || ms.State == StateInProgress {
			out.Status = *st
			return out, nil
		}

		resolvedInline, nextCarry, err := e.startModule(ctx, def, flowJobID, rootJobID, st, mod, carry, flowInput, flowEnv, sameWorker, &out, resume)
		resume = nil
		if err != nil {
			return out, err
		}
		if !resolvedInline {
			out.Status = *st
			return out, nil
		}
		carry = nextCarry
		advanceStep(def, st)
	}
}

// appendVirtualTrailingModule implements the rule that a flow whose last
// module declares sleep/suspend gets a synthetic Identity module appended,
// so the sleep/suspend has a subsequent step to gate.
func appendVirtualTrailingModule(def Definition) Definition {
	if len(def.Modules) == 0 {
		return def
	}
	last := def.Modules[len(def.Modules)-1]
	if last.Suspend == nil && last.SleepS == nil {
		return def
	}
	def.Modules = append(append([]Module{}, def.Modules...), Module{
		ID:   last.ID + "__virtual_trailing",
		Kind: ModIdentity,
	})
	return def
}

func moduleAt(def Definition, step Step) (Module, bool) {
	if step.Preprocessor {
		if def.Preprocessor == nil {
			return Module{}, false
		}
		return *def.Preprocessor, true
	}
	if step.Failure {
		if def.FailureModule == nil {
			return Module{}, false
		}
		return *def.FailureModule, true
	}
	if step.Index < 0 || step.Index >= len(def.Modules) {
		return Module{}, false
	}
	return def.Modules[step.Index], true
}

func moduleStatusFor(st *Status, step Step) *ModuleStatus {
	if step.Preprocessor {
		return st.Preprocessor
	}
	if step.Failure {
		return st.FailureModule
	}
	return &st.Modules[step.Index]
}

// advanceStep moves to the next step: Preprocessor -> 0, i -> i+1. Failure
// steps never advance (the failure module's own completion terminates the
// flow in applyCompletion).
func advanceStep(def Definition, st *Status) {
	if st.Step.Preprocessor {
		st.Step = Step{Index: 0}
		return
	}
	if st.Step.Failure {
		return
	}
	st.Step = Step{Index: st.Step.Index + 1}
	st.Retry = RetryStatus{}
}

func (e *Engine) buildEnv(carry, flowInput, flowEnv json.RawMessage, errVal json.RawMessage, results map[string]json.RawMessage, resume *resumeContext) map[string]json.RawMessage {
	env := map[string]json.RawMessage{
		"previous_result": carry,
		"flow_input":      flowInput,
		"flow_env":        flowEnv,
		"last":            carry,
	}
	if errVal != nil {
		env["error"] = errVal
	}
	if len(results) > 0 {
		b, _ := json.Marshal(results)
		env["results"] = b
	}
	if resume != nil {
		if resume.Resume != nil {
			env["resume"] = resume.Resume
		}
		if b, err := json.Marshal(resume.Resumes); err == nil {
			env["resumes"] = b
		}
		if b, err := json.Marshal(resume.Approvers); err == nil {
			env["approvers"] = b
		}
	}
	return env
}

func (e *Engine) resolveArgs(ctx context.Context, mod Module, env map[string]json.RawMessage) (json.RawMessage, error) {
	if len(mod.InputTransforms) == 0 {
		return json.RawMessage(`{}`), nil
	}
	resolved := make(map[string]json.RawMessage, len(mod.InputTransforms))
	for k, t := range mod.InputTransforms {
		if t.Expr != "" {
			v, err := e.Eval.Eval(ctx, t.Expr, env)
			if err != nil {
				return nil, fmt.Errorf("flow: resolve input %q: %w", k, err)
			}
			resolved[k] = v
			continue
		}
		resolved[k] = t.Static
	}
	return json.Marshal(resolved)
}

// maybeSuspend checks mod.Suspend and, if set, parks ms in
// WaitingForEvents instead of letting the caller mark it Success,
// recording the RequiredEvents/Timeout the caller must persist onto the
// job row. Returns true when the module is now suspended.
func (e *Engine) maybeSuspend(mod Module, ms *ModuleStatus, result json.RawMessage, out *Advance) bool {
	if mod.Suspend == nil || mod.Suspend.RequiredEvents <= 0 {
		return false
	}
	ms.WaitingForEventsCount = mod.Suspend.RequiredEvents
	ms.Result = result
	ms.State = StateWaitingForEvents
	out.Suspend = &SuspendSignal{
		RequiredEvents: mod.Suspend.RequiredEvents,
		Timeout:        time.Duration(mod.Suspend.TimeoutS) * time.Second,
	}
	return true
}

// errValFor binds `error` in a module's expression env only when that
// module is the failure module (carry is its triggering error payload);
// every other module runs with no `error` binding.
func errValFor(st *Status, carry json.RawMessage) json.RawMessage {
	if st.Step.Failure {
		return carry
	}
	return nil
}

// startModule attempts to resolve the current module. Leaf kinds (script,
// flow, forloop, branchone, branchall, while_loop) dispatch a child and
// return resolvedInline=false; identity/noop resolve synchronously unless
// the module itself declares suspend, in which case they park exactly like
// a leaf module would after its child completes.
func (e *Engine) startModule(ctx context.Context, def Definition, flowJobID, rootJobID string, st *Status, mod Module, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out *Advance, resume *resumeContext) (resolvedInline bool, nextCarry json.RawMessage, err error) {
	ms := moduleStatusFor(st, st.Step)
	ms.State = StateInProgress
	env := e.buildEnv(carry, flowInput, flowEnv, errValFor(st, carry), nil, resume)

	switch mod.Kind {
	case ModIdentity:
		if e.maybeSuspend(mod, ms, carry, out) {
			return false, nil, nil
		}
		ms.State = StateSuccess
		ms.Result = carry
		return true, carry, nil

	case ModNoop:
		result := json.RawMessage(`{}`)
		if e.maybeSuspend(mod, ms, result, out) {
			return false, nil, nil
		}
		ms.State = StateSuccess
		ms.Result = result
		return true, ms.Result, nil

	case ModRawScript, ModScript:
		args, err := e.resolveArgs(ctx, mod, env)
		if err != nil {
			return false, nil, err
		}
		ms.LastArgs = args
		spec := ChildSpec{
			Kind:       ChildScript,
			ScriptHash: mod.ScriptHash,
			Language:   mod.Language,
			RawCode:    mod.Content,
			Args:       args,
			FlowStepID: mod.ID,
			SameWorker: sameWorker,
		}
		id, err := e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, spec)
		if err != nil {
			return false, nil, err
		}
		ms.JobID = &id
		out.LeafJobs[mod.ID] = LeafRef{Single: id}
		return false, nil, nil

	case ModFlow:
		if e.FlowLookup == nil {
			return false, nil, fmt.Errorf("flow: module %q references a flow path but no FlowLookup is configured", mod.ID)
		}
		raw, err := e.FlowLookup.ResolveFlow(ctx, mod.FlowPath)
		if err != nil {
			return false, nil, fmt.Errorf("flow: resolve flow path %q: %w", mod.FlowPath, err)
		}
		args, err := e.resolveArgs(ctx, mod, env)
		if err != nil {
			return false, nil, err
		}
		ms.LastArgs, ms.LastRawFlow = args, raw
		spec := ChildSpec{Kind: ChildFlow, RawFlow: raw, Args: args, FlowStepID: mod.ID, SameWorker: sameWorker}
		id, err := e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, spec)
		if err != nil {
			return false, nil, err
		}
		ms.JobID = &id
		out.LeafJobs[mod.ID] = LeafRef{Single: id}
		return false, nil, nil

	case ModForloop:
		return e.startForloop(ctx, flowJobID, rootJobID, mod, ms, carry, flowInput, flowEnv, sameWorker, out)

	case ModBranchOne:
		return e.startBranchOne(ctx, flowJobID, rootJobID, mod, ms, carry, flowInput, flowEnv, sameWorker, out)

	case ModBranchAll:
		return e.startBranchAll(ctx, flowJobID, rootJobID, mod, ms, carry, flowInput, flowEnv, sameWorker, out)

	case ModWhileLoop:
		return e.startWhileLoop(ctx, flowJobID, rootJobID, mod, ms, carry, flowInput, flowEnv, sameWorker, out)

	default:
		return false, nil, fmt.Errorf("flow: module %q: unknown kind %q", mod.ID, mod.Kind)
	}
}

func inlineFlowRaw(modules []Module) (json.RawMessage, error) {
	return json.Marshal(Definition{Modules: modules})
}

func (e *Engine) dispatchIteration(ctx context.Context, flowJobID, rootJobID string, mod Module, iterInput json.RawMessage, sameWorker bool) (string, error) {
	raw, err := inlineFlowRaw(mod.Modules)
	if err != nil {
		return "", err
	}
	args, err := json.Marshal(map[string]json.RawMessage{"iter": iterInput})
	if err != nil {
		return "", err
	}
	return e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, ChildSpec{Kind: ChildFlow, RawFlow: raw, Args: args, FlowStepID: mod.ID, SameWorker: sameWorker})
}

func (e *Engine) startForloop(ctx context.Context, flowJobID, rootJobID string, mod Module, ms *ModuleStatus, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out *Advance) (bool, json.RawMessage, error) {
	env := e.buildEnv(carry, flowInput, flowEnv, nil, nil, nil)
	raw, err := e.Eval.Eval(ctx, mod.IteratorExpr, env)
	if err != nil {
		return false, nil, fmt.Errorf("flow: forloop %q iterator: %w", mod.ID, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false, nil, fmt.Errorf("flow: forloop %q iterator did not evaluate to a list: %w", mod.ID, err)
	}
	ms.IterationTotal = len(items)
	ms.Items = items
	if ms.IterationTotal == 0 {
		ms.State = StateSuccess
		ms.Result = json.RawMessage(`[]`)
		return true, ms.Result, nil
	}

	parallelism := ms.IterationTotal
	if !mod.Parallel {
		parallelism = 1
	} else if mod.Parallelism != nil && *mod.Parallelism > 0 && *mod.Parallelism < parallelism {
		parallelism = *mod.Parallelism
	}
	for ms.IterationIndex < parallelism {
		id, err := e.dispatchIteration(ctx, flowJobID, rootJobID, mod, items[ms.IterationIndex], sameWorker)
		if err != nil {
			return false, nil, err
		}
		ms.FlowJobs = append(ms.FlowJobs, id)
		ms.IterationIndex++
	}
	out.LeafJobs[mod.ID] = LeafRef{List: append([]string{}, ms.FlowJobs...)}
	return false, nil, nil
}

func (e *Engine) startBranchOne(ctx context.Context, flowJobID, rootJobID string, mod Module, ms *ModuleStatus, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out *Advance) (bool, json.RawMessage, error) {
	env := e.buildEnv(carry, flowInput, flowEnv, nil, nil, nil)
	chosen := -1
	for i, b := range mod.Branches {
		if b.Expr == "" {
			continue
		}
		ok, err := e.Eval.Truthy(ctx, b.Expr, env)
		if err != nil {
			return false, nil, fmt.Errorf("flow: branchone %q branch %d: %w", mod.ID, i, err)
		}
		if ok {
			chosen = i
			break
		}
	}
	var bodyModules []Module
	if chosen >= 0 {
		bodyModules = mod.Branches[chosen].Modules
	} else {
		bodyModules = mod.DefaultModules
	}
	ms.BranchChosen = chosen
	raw, err := inlineFlowRaw(bodyModules)
	if err != nil {
		return false, nil, err
	}
	ms.LastArgs, ms.LastRawFlow = carry, raw
	id, err := e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, ChildSpec{Kind: ChildFlow, RawFlow: raw, Args: carry, FlowStepID: mod.ID, SameWorker: sameWorker})
	if err != nil {
		return false, nil, err
	}
	ms.JobID = &id
	out.LeafJobs[mod.ID] = LeafRef{Single: id}
	return false, nil, nil
}

func (e *Engine) startBranchAll(ctx context.Context, flowJobID, rootJobID string, mod Module, ms *ModuleStatus, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out *Advance) (bool, json.RawMessage, error) {
	ms.IterationTotal = len(mod.Branches)
	if ms.IterationTotal == 0 {
		ms.State = StateSuccess
		ms.Result = json.RawMessage(`[]`)
		return true, ms.Result, nil
	}
	for _, b := range mod.Branches {
		raw, err := inlineFlowRaw(b.Modules)
		if err != nil {
			return false, nil, err
		}
		id, err := e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, ChildSpec{Kind: ChildFlow, RawFlow: raw, Args: carry, FlowStepID: mod.ID, SameWorker: sameWorker})
		if err != nil {
			return false, nil, err
		}
		ms.FlowJobs = append(ms.FlowJobs, id)
	}
	out.LeafJobs[mod.ID] = LeafRef{List: append([]string{}, ms.FlowJobs...)}
	return false, nil, nil
}

// startWhileLoop dispatches one iteration of the loop body, re-evaluating
// while_cond_expr against the carried result before each new iteration;
// aggregation mirrors the sequential forloop path.
func (e *Engine) startWhileLoop(ctx context.Context, flowJobID, rootJobID string, mod Module, ms *ModuleStatus, carry, flowInput, flowEnv json.RawMessage, sameWorker bool, out *Advance) (bool, json.RawMessage, error) {
	env := e.buildEnv(carry, flowInput, flowEnv, nil, nil, nil)
	cont, err := e.Eval.Truthy(ctx, mod.WhileCondExpr, env)
	if err != nil {
		return false, nil, fmt.Errorf("flow: while_loop %q condition: %w", mod.ID, err)
	}
	if !cont {
		ms.State = StateSuccess
		ms.Result = carry
		return true, carry, nil
	}
	id, err := e.dispatchIteration(ctx, flowJobID, rootJobID, mod, carry, sameWorker)
	if err != nil {
		return false, nil, err
	}
	ms.FlowJobs = append(ms.FlowJobs, id)
	ms.IterationIndex++
	out.LeafJobs[mod.ID] = LeafRef{List: append([]string{}, ms.FlowJobs...)}
	return false, nil, nil
}

// checkStopAfterIf implements the "after a module succeeds, if
// stop_after_if.expr evaluates truthy the flow completes" rule.
func (e *Engine) checkStopAfterIf(ctx context.Context, def Definition, st *Status, carry, flowInput, flowEnv json.RawMessage) (bool, error) {
	mod, ok := moduleAt(def, st.Step)
	if !ok || mod.StopAfterIf == nil {
		return false, nil
	}
	env := e.buildEnv(carry, flowInput, flowEnv, nil, nil, nil)
	return e.Eval.Truthy(ctx, mod.StopAfterIf.Expr, env)
}

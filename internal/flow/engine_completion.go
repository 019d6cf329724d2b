// Copyright 2025 James Ross
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// applyCompletion folds a just-finished child's outcome into the module
// currently in progress. It returns resolved=true once that module has
// reached a terminal state (Success, or Failure handed off to the failure
// module / the whole flow) and is ready for advanceStep; resolved=false
// means the module is still in progress (a retry was redispatched, or an
// aggregate module is still waiting on further iterations/branches).
func (e *Engine) applyCompletion(ctx context.Context, def Definition, st *Status, flowJobID, rootJobID string, flowInput, flowEnv json.RawMessage, sameWorker bool, comp *Completion, out *Advance) (resolved bool, carry json.RawMessage, err error) {
	mod, ok := moduleAt(def, st.Step)
	if !ok {
		return false, nil, fmt.Errorf("flow: completion for step %+v with no matching module", st.Step)
	}
	ms := moduleStatusFor(st, st.Step)

	switch mod.Kind {
	case ModForloop, ModBranchAll:
		return e.applyAggregateCompletion(ctx, flowJobID, rootJobID, mod, st, ms, flowInput, flowEnv, sameWorker, comp, out)
	case ModWhileLoop:
		return e.applyWhileLoopCompletion(ctx, flowJobID, rootJobID, mod, st, ms, flowInput, flowEnv, sameWorker, comp, out)
	default:
		return e.applySingleCompletion(ctx, st, mod, ms, flowJobID, rootJobID, comp, out)
	}
}

// retryLimits resolves a module's retry policy into (max attempts, delay
// function), clamped to the global MaxRetryAttempts/MaxRetryInterval. A nil
// policy means no retries.
func retryLimits(p *RetryPolicy) (attempts int, delay func(attempt int) time.Duration) {
	switch {
	case p == nil:
		return 0, nil
	case p.Constant != nil:
		secs := p.Constant.Seconds
		return clampAttempts(p.Constant.Attempts), func(int) time.Duration {
			return clampInterval(secs)
		}
	case p.Exponential != nil:
		secs, mult := p.Exponential.Seconds, p.Exponential.Multiplier
		if mult <= 0 {
			mult = 2
		}
		return clampAttempts(p.Exponential.Attempts), func(attempt int) time.Duration {
			s := secs
			for i := 0; i < attempt; i++ {
				s *= mult
			}
			return clampInterval(s)
		}
	default:
		return 0, nil
	}
}

func clampAttempts(n int) int {
	if n > MaxRetryAttempts {
		return MaxRetryAttempts
	}
	return n
}

func clampInterval(seconds int) time.Duration {
	if seconds > MaxRetryInterval {
		seconds = MaxRetryInterval
	}
	return time.Duration(seconds) * time.Second
}

// applySingleCompletion handles the leaf module kinds that ever have
// exactly one in-flight child at a time: script, raw_script, flow, and
// branchone (whose chosen branch body is itself one child flow job).
func (e *Engine) applySingleCompletion(ctx context.Context, st *Status, mod Module, ms *ModuleStatus, flowJobID, rootJobID string, comp *Completion, out *Advance) (bool, json.RawMessage, error) {
	if comp.Success {
		if e.maybeSuspend(mod, ms, comp.Result, out) {
			return false, nil, nil
		}
		ms.State = StateSuccess
		ms.Result = comp.Result
		return true, comp.Result, nil
	}

	attempts, delay := retryLimits(mod.Retry)
	if st.Retry.FailCount < attempts {
		st.Retry.FailCount++
		if comp.ChildJobID != "" {
			st.Retry.FailedJobs = append(st.Retry.FailedJobs, comp.ChildJobID)
		}
		scheduledFor := time.Now().Add(delay(st.Retry.FailCount))
		spec := ChildSpec{FlowStepID: mod.ID, ScheduledFor: scheduledFor}
		switch mod.Kind {
		case ModRawScript, ModScript:
			spec.Kind = ChildScript
			spec.ScriptHash, spec.Language, spec.RawCode = mod.ScriptHash, mod.Language, mod.Content
			spec.Args = ms.LastArgs
		default:
			spec.Kind = ChildFlow
			spec.RawFlow = ms.LastRawFlow
			spec.Args = ms.LastArgs
		}
		id, err := e.Dispatcher.Dispatch(ctx, flowJobID, rootJobID, spec)
		if err != nil {
			return false, nil, err
		}
		ms.JobID = &id
		out.LeafJobs[mod.ID] = LeafRef{Single: id}
		return false, nil, nil
	}

	ms.State = StateFailure
	return e.handleFailure(st, comp, out)
}

// applyAggregateCompletion handles forloop and branchall: both dispatch N
// children up front (or in waves, for a bounded-parallelism forloop) and
// collect results indexed the same way as FlowJobs.
func (e *Engine) applyAggregateCompletion(ctx context.Context, flowJobID, rootJobID string, mod Module, st *Status, ms *ModuleStatus, flowInput, flowEnv json.RawMessage, sameWorker bool, comp *Completion, out *Advance) (bool, json.RawMessage, error) {
	idx := comp.IterationIndex
	if idx < 0 {
		idx = indexOfChild(ms.FlowJobs, comp.ChildJobID)
	}
	for len(ms.Results) <= idx {
		ms.Results = append(ms.Results, nil)
	}

	skip := mod.SkipFailures
	if mod.Kind == ModBranchAll && idx >= 0 && idx < len(mod.Branches) {
		skip = mod.Branches[idx].SkipFailure
	}

	if !comp.Success && !skip {
		ms.State = StateFailure
		return e.handleFailure(st, comp, out)
	}
	if !comp.Success {
		ms.Results[idx] = comp.ErrorVal
	} else {
		ms.Results[idx] = comp.Result
	}

	// Bounded-parallelism forloop: one slot just freed up, so dispatch the
	// next pending iteration (if any) from the persisted item list.
	if mod.Kind == ModForloop && ms.IterationIndex < ms.IterationTotal {
		id, err := e.dispatchIteration(ctx, flowJobID, rootJobID, mod, ms.Items[ms.IterationIndex], sameWorker)
		if err != nil {
			return false, nil, err
		}
		ms.FlowJobs = append(ms.FlowJobs, id)
		ms.IterationIndex++
		out.LeafJobs[mod.ID] = LeafRef{List: append([]string{}, ms.FlowJobs...)}
	}

	total := ms.IterationTotal
	if mod.Kind == ModBranchAll {
		total = len(mod.Branches)
	}
	done := true
	for _, r := range ms.Results {
		if r == nil {
			done = false
			break
		}
	}
	if !done || len(ms.Results) < total {
		return false, nil, nil
	}

	result, err := json.Marshal(ms.Results)
	if err != nil {
		return false, nil, err
	}
	if e.maybeSuspend(mod, ms, result, out) {
		return false, nil, nil
	}
	ms.State = StateSuccess
	ms.Result = result
	return true, result, nil
}

func indexOfChild(jobs []string, id string) int {
	for i, j := range jobs {
		if j == id {
			return i
		}
	}
	return -1
}

// applyWhileLoopCompletion collects one iteration's result and re-evaluates
// the loop condition for the next.
func (e *Engine) applyWhileLoopCompletion(ctx context.Context, flowJobID, rootJobID string, mod Module, st *Status, ms *ModuleStatus, flowInput, flowEnv json.RawMessage, sameWorker bool, comp *Completion, out *Advance) (bool, json.RawMessage, error) {
	if !comp.Success {
		ms.State = StateFailure
		return e.handleFailure(st, comp, out)
	}
	ms.Results = append(ms.Results, comp.Result)

	resolved, _, err := e.startWhileLoop(ctx, flowJobID, rootJobID, mod, ms, comp.Result, flowInput, flowEnv, sameWorker, out)
	if err != nil {
		return false, nil, err
	}
	if !resolved {
		return false, nil, nil
	}
	result, err := json.Marshal(ms.Results)
	if err != nil {
		return false, nil, err
	}
	if e.maybeSuspend(mod, ms, result, out) {
		return false, nil, nil
	}
	ms.Result = result
	return true, result, nil
}

// handleFailure implements the retry-exhausted path: hand off to the
// failure module if one is declared and we aren't already running it,
// otherwise terminate the flow with the error.
func (e *Engine) handleFailure(st *Status, comp *Completion, out *Advance) (bool, json.RawMessage, error) {
	if st.FailureModule != nil && !st.Step.Failure {
		st.Step = Step{Failure: true}
		st.FailureModule.State = StateWaitingForPriorSteps
		return true, comp.ErrorVal, nil
	}
	out.Done = true
	out.Success = false
	out.Result = comp.ErrorVal
	return false, nil, nil
}

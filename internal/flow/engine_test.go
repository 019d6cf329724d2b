// Copyright 2025 James Ross
package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDispatcher hands out sequential ids and records every ChildSpec it
// was asked to dispatch, so tests can assert on what the engine resolved.
type fakeDispatcher struct {
	specs []ChildSpec
	next  int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _, _ string, spec ChildSpec) (string, error) {
	d.specs = append(d.specs, spec)
	d.next++
	return idFor(d.next), nil
}

func idFor(n int) string {
	return "child-" + string(rune('0'+n))
}

type fakeFlowLookup struct {
	byPath map[string]json.RawMessage
}

func (f *fakeFlowLookup) ResolveFlow(_ context.Context, path string) (json.RawMessage, error) {
	return f.byPath[path], nil
}

func mustDef(t *testing.T, def Definition) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return raw
}

func newStatus(t *testing.T, raw json.RawMessage) Status {
	t.Helper()
	s, err := NewStatus(raw)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(s, &st))
	return st
}

func TestAdvanceDispatchesFirstScriptModule(t *testing.T) {
	def := Definition{Modules: []Module{
		{ID: "step1", Kind: ModScript, ScriptHash: "h1"},
	}}
	raw := mustDef(t, def)
	st := newStatus(t, raw)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)

	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, disp.specs, 1)
	require.Equal(t, ChildScript, disp.specs[0].Kind)
	require.Equal(t, "h1", disp.specs[0].ScriptHash)
	require.Equal(t, StateInProgress, out.Status.Modules[0].State)
}

func TestAdvanceCompletesSingleModuleFlow(t *testing.T) {
	def := Definition{Modules: []Module{
		{ID: "step1", Kind: ModScript, ScriptHash: "h1"},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)
	require.Len(t, disp.specs, 1)

	comp := &Completion{StepID: "step1", ChildJobID: "child-1", Success: true, Result: json.RawMessage(`{"x":1}`), IterationIndex: -1}
	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, json.RawMessage(`{}`), nil, false, comp)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.True(t, out.Success)
	require.JSONEq(t, `{"x":1}`, string(out.Result))
}

func TestAdvanceRetriesOnFailureThenGivesUp(t *testing.T) {
	attempts := 1
	def := Definition{Modules: []Module{
		{ID: "step1", Kind: ModScript, ScriptHash: "h1", Retry: &RetryPolicy{
			Constant: &struct {
				Attempts int `json:"attempts"`
				Seconds  int `json:"seconds"`
			}{Attempts: attempts, Seconds: 0},
		}},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)

	failComp := &Completion{StepID: "step1", ChildJobID: "child-1", Success: false, ErrorVal: json.RawMessage(`"boom"`), IterationIndex: -1}
	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, json.RawMessage(`{}`), nil, false, failComp)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, disp.specs, 2, "one retry dispatch expected")

	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, json.RawMessage(`{}`), nil, false, failComp)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.False(t, out.Success)
}

func TestAdvanceRunsFailureModuleOnExhaustedRetries(t *testing.T) {
	def := Definition{
		Modules:       []Module{{ID: "step1", Kind: ModScript, ScriptHash: "h1"}},
		FailureModule: &Module{ID: "onfail", Kind: ModIdentity},
	}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)

	failComp := &Completion{StepID: "step1", ChildJobID: "child-1", Success: false, ErrorVal: json.RawMessage(`"boom"`), IterationIndex: -1}
	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, json.RawMessage(`{}`), nil, false, failComp)
	require.NoError(t, err)
	require.Equal(t, StateFailure, out.Status.Modules[0].State)
	require.True(t, out.Status.Step.Failure)
	require.NotNil(t, out.Status.FailureModule)
	require.Equal(t, StateSuccess, out.Status.FailureModule.State, "identity failure module resolves inline in the same Advance call")

	// The flow terminates as failed even though the failure module itself
	// ran to completion successfully.
	require.True(t, out.Done)
	require.False(t, out.Success)
	require.JSONEq(t, `"boom"`, string(out.Result))
}

func TestAdvanceForloopSequential(t *testing.T) {
	def := Definition{Modules: []Module{
		{
			ID:           "loop",
			Kind:         ModForloop,
			IteratorExpr: "$.previous_result.items",
			Parallel:     false,
			Modules:      []Module{{ID: "body", Kind: ModIdentity}},
		},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	flowInput := json.RawMessage(`{"items":["a","b","c"]}`)
	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, flowInput, nil, false, nil)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, disp.specs, 1, "sequential forloop dispatches one iteration at a time")

	for i := 0; i < 2; i++ {
		comp := &Completion{StepID: "loop", ChildJobID: idFor(i + 1), Success: true, Result: json.RawMessage(`"done"`), IterationIndex: i}
		out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, flowInput, nil, false, comp)
		require.NoError(t, err)
		require.False(t, out.Done)
	}
	require.Len(t, disp.specs, 3, "third iteration dispatched once slot 1 and 2 freed up")

	comp := &Completion{StepID: "loop", ChildJobID: idFor(3), Success: true, Result: json.RawMessage(`"done"`), IterationIndex: 2}
	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, flowInput, nil, false, comp)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.True(t, out.Success)

	var results []string
	require.NoError(t, json.Unmarshal(out.Result, &results))
	require.Equal(t, []string{"done", "done", "done"}, results)
}

func TestAdvanceBranchOneChoosesMatchingBranch(t *testing.T) {
	def := Definition{Modules: []Module{
		{
			ID:   "decide",
			Kind: ModBranchOne,
			Branches: []Branch{
				{Expr: "$.previous_result.n > 10", Modules: []Module{{ID: "big", Kind: ModIdentity}}},
			},
			DefaultModules: []Module{{ID: "small", Kind: ModIdentity}},
		},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{"n":20}`), nil, false, nil)
	require.NoError(t, err)
	require.Len(t, disp.specs, 1)
	require.Equal(t, 0, out.Status.Modules[0].BranchChosen)
}

func TestAdvanceStopAfterIfTerminatesFlow(t *testing.T) {
	def := Definition{Modules: []Module{
		{ID: "step1", Kind: ModScript, ScriptHash: "h1", StopAfterIf: &StopAfterIf{Expr: "$.previous_result.stop == true"}},
		{ID: "step2", Kind: ModIdentity},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	eng := NewEngine(disp, nil, nil)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)

	comp := &Completion{StepID: "step1", ChildJobID: "child-1", Success: true, Result: json.RawMessage(`{"stop":true}`), IterationIndex: -1}
	out, err = eng.Advance(context.Background(), d, "flow1", "flow1", out.Status, json.RawMessage(`{}`), nil, false, comp)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.True(t, out.Success)
	require.Equal(t, StateWaitingForPriorSteps, out.Status.Modules[1].State, "step2 never starts once stop_after_if fires")
}

func TestAdvanceFlowModuleUsesFlowLookup(t *testing.T) {
	childDef := Definition{Modules: []Module{{ID: "inner", Kind: ModIdentity}}}
	rawChild, err := json.Marshal(childDef)
	require.NoError(t, err)

	def := Definition{Modules: []Module{
		{ID: "step1", Kind: ModFlow, FlowPath: "f/shared"},
	}}
	raw := mustDef(t, def)
	d, err := ParseDefinition(raw)
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	lookup := &fakeFlowLookup{byPath: map[string]json.RawMessage{"f/shared": rawChild}}
	eng := NewEngine(disp, nil, lookup)
	st := newStatus(t, raw)

	out, err := eng.Advance(context.Background(), d, "flow1", "flow1", st, json.RawMessage(`{}`), nil, false, nil)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, disp.specs, 1)
	require.Equal(t, ChildFlow, disp.specs[0].Kind)
	require.JSONEq(t, string(rawChild), string(disp.specs[0].RawFlow))
}

// Copyright 2025 James Ross
package completion

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/flow"
	"github.com/flowforge/jobqueue/internal/queue"
)

func rawScriptFlow(stepID string) json.RawMessage {
	def := flow.Definition{
		Modules: []flow.Module{
			{ID: stepID, Kind: flow.ModRawScript, Content: "return 1"},
		},
	}
	b, err := json.Marshal(def)
	if err != nil {
		panic(err)
	}
	return b
}

func pushFlowJob(t *testing.T, store queue.Queue, raw json.RawMessage) *queue.Job {
	t.Helper()
	ctx := context.Background()
	status, err := flow.NewStatus(raw)
	require.NoError(t, err)
	j := &queue.Job{
		WorkspaceID: "ws1",
		Kind:        queue.KindFlow,
		Tag:         "default",
		RawFlow:     raw,
		FlowStatus:  status,
	}
	id, err := store.Insert(ctx, j, nil)
	require.NoError(t, err)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	return got
}

func TestStartFlowDispatchesFirstStep(t *testing.T) {
	ctx := context.Background()
	store := queue.NewFakeStore()
	p := New(store, nil, nil, nil, nil, nil, nil, nil)

	flowJob := pushFlowJob(t, store, rawScriptFlow("step1"))

	_, err := p.StartFlow(ctx, flowJob)
	require.NoError(t, err)

	updated, err := store.Get(ctx, flowJob.ID)
	require.NoError(t, err)
	require.Len(t, updated.LeafJobs, 1)
	ref, ok := updated.LeafJobs["step1"]
	require.True(t, ok)
	require.NotEmpty(t, ref.Single)

	child, err := store.Get(ctx, ref.Single)
	require.NoError(t, err)
	require.Equal(t, flowJob.ID, *child.ParentJob)
	require.Equal(t, flowJob.ID, *child.RootJob)
	require.Equal(t, "ws1", child.WorkspaceID)
}

func TestCompleteCascadesToParentAndResolvesFlow(t *testing.T) {
	ctx := context.Background()
	store := queue.NewFakeStore()
	p := New(store, nil, nil, nil, nil, nil, nil, nil)

	flowJob := pushFlowJob(t, store, rawScriptFlow("step1"))
	_, err := p.StartFlow(ctx, flowJob)
	require.NoError(t, err)

	updated, err := store.Get(ctx, flowJob.ID)
	require.NoError(t, err)
	childID := updated.LeafJobs["step1"].Single

	child, err := store.Get(ctx, childID)
	require.NoError(t, err)

	_, err = p.Complete(ctx, child, executor.Result{Success: true, Output: json.RawMessage(`1`)})
	require.NoError(t, err)

	done, err := store.ExistsCompleted(ctx, flowJob.ID)
	require.NoError(t, err)
	require.True(t, done, "flow job should have completed once its only step resolved")

	_, err = store.Get(ctx, childID)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

// TestCompleteAttributesLeafJobsToRoot exercises a nested subflow: the
// top-level flow's single module is itself a "flow" kind pointing at a
// one-step child flow. The child flow's leaf job must show up in the
// root's own leaf_jobs, not just the nested flow job's.
func TestCompleteAttributesLeafJobsToRoot(t *testing.T) {
	ctx := context.Background()
	store := queue.NewFakeStore()

	nestedRaw := rawScriptFlow("inner")
	flows := fakeFlowSource{paths: map[string]json.RawMessage{"child.flow": nestedRaw}}
	p := New(store, nil, nil, nil, flows, nil, nil, nil)

	outerDef := flow.Definition{
		Modules: []flow.Module{
			{ID: "outer", Kind: flow.ModFlow, FlowPath: "child.flow"},
		},
	}
	outerRaw, err := json.Marshal(outerDef)
	require.NoError(t, err)

	root := pushFlowJob(t, store, outerRaw)
	_, err = p.StartFlow(ctx, root)
	require.NoError(t, err)

	rootRow, err := store.Get(ctx, root.ID)
	require.NoError(t, err)
	nestedID := rootRow.LeafJobs["outer"].Single
	require.NotEmpty(t, nestedID)

	nestedJob, err := store.Get(ctx, nestedID)
	require.NoError(t, err)
	require.Equal(t, root.ID, *nestedJob.RootJob)

	_, err = p.StartFlow(ctx, nestedJob)
	require.NoError(t, err)

	rootRow, err = store.Get(ctx, root.ID)
	require.NoError(t, err)
	innerRef, ok := rootRow.LeafJobs["inner"]
	require.True(t, ok, "nested subflow's leaf job must be attributed to the root, not just the nested flow job")
	require.NotEmpty(t, innerRef.Single)

	innerJob, err := store.Get(ctx, innerRef.Single)
	require.NoError(t, err)
	require.Equal(t, root.ID, *innerJob.RootJob)

	_, err = p.Complete(ctx, innerJob, executor.Result{Success: true, Output: json.RawMessage(`1`)})
	require.NoError(t, err)

	done, err := store.ExistsCompleted(ctx, root.ID)
	require.NoError(t, err)
	require.True(t, done, "completing the nested flow's only step should cascade all the way to the root")
}

func TestCompleteSwallowsAlreadyCompletedRace(t *testing.T) {
	ctx := context.Background()
	store := queue.NewFakeStore()
	p := New(store, nil, nil, nil, nil, nil, nil, nil)

	j := &queue.Job{WorkspaceID: "ws1", Kind: queue.KindScript, Tag: "default"}
	id, err := store.Insert(ctx, j, nil)
	require.NoError(t, err)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)

	_, err = p.Complete(ctx, got, executor.Result{Success: true, Output: json.RawMessage(`1`)})
	require.NoError(t, err)

	// A second completion of the same job id is a race loss, not an error:
	// another worker (or, here, a redundant callback) already finished it.
	_, err = p.Complete(ctx, got, executor.Result{Success: true, Output: json.RawMessage(`1`)})
	require.NoError(t, err)
}

type fakeFlowSource struct {
	paths map[string]json.RawMessage
}

func (f fakeFlowSource) GetByPath(_ context.Context, path string) (json.RawMessage, error) {
	return f.paths[path], nil
}

// Copyright 2025 James Ross
package pusher

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestPushInlineCodeResolvesScriptTag(t *testing.T) {
	store := queue.NewFakeStore()
	p := &Pusher{Store: store, Resolver: &Resolver{}}

	spec := JobSpec{
		Workspace: "ws1",
		Payload: Payload{
			Kind:          PayloadInlineCode,
			InlineContent: "print('hi')",
			Language:      "python3",
		},
		Caller: CallerIdentity{Username: "alice", Email: "alice@example.com"},
	}

	id, existed, err := p.Push(context.Background(), spec, debounce.Attach{}, Config{LanguageDefaultTag: "native"})
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEmpty(t, id)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.KindScript, job.Kind)
	require.Equal(t, "python3", job.Tag)
}

func TestPushTagOverrideSubstitutesWorkspace(t *testing.T) {
	store := queue.NewFakeStore()
	p := &Pusher{Store: store, Resolver: &Resolver{}}
	override := "$workspace:custom"

	spec := JobSpec{
		Workspace:   "ws1",
		Payload:     Payload{Kind: PayloadNoop},
		TagOverride: &override,
		Caller:      CallerIdentity{Username: "bob"},
	}

	id, _, err := p.Push(context.Background(), spec, debounce.Attach{}, Config{})
	require.NoError(t, err)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "ws1:custom", job.Tag)
	require.Equal(t, queue.KindNoop, job.Kind)
}

func TestPushRejectsUnknownKind(t *testing.T) {
	store := queue.NewFakeStore()
	p := &Pusher{Store: store, Resolver: &Resolver{}}

	spec := JobSpec{Workspace: "ws1", Payload: Payload{Kind: "not_a_real_kind"}}
	_, _, err := p.Push(context.Background(), spec, debounce.Attach{}, Config{})
	require.Error(t, err)
}

type fakeDebouncer struct {
	holders map[string]string
}

func (d *fakeDebouncer) OnPush(_ context.Context, key string, candidate *queue.Job, _ debounce.Attach) (string, bool, error) {
	if id, ok := d.holders[key]; ok {
		return id, false, nil
	}
	if candidate.ID == "" {
		candidate.ID = queue.NewID()
	}
	d.holders[key] = candidate.ID
	return candidate.ID, true, nil
}

func TestPushDebounceCreatesThenAttaches(t *testing.T) {
	store := queue.NewFakeStore()
	deb := &fakeDebouncer{holders: map[string]string{}}
	p := &Pusher{Store: store, Resolver: &Resolver{}, Debounce: deb}
	tmpl := "$workspace:path:dep"

	spec := JobSpec{
		Workspace:           "ws1",
		Payload:             Payload{Kind: PayloadNoop},
		DebounceKeyTemplate: &tmpl,
		DebounceDelay:       time.Minute,
	}

	firstID, existed, err := p.Push(context.Background(), spec, debounce.Attach{}, Config{})
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEmpty(t, firstID)

	secondID, existed, err := p.Push(context.Background(), spec, debounce.Attach{ToRelock: []string{"a"}}, Config{})
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, firstID, secondID)
}

type quotaAlwaysDenies struct{}

func (quotaAlwaysDenies) Reserve(context.Context, string, string) error {
	return queue.Wrap(queue.KindQuotaExceeded, errQuota)
}

var errQuota = &quotaError{}

type quotaError struct{}

func (*quotaError) Error() string { return "monthly execution quota exceeded" }

func TestPushEnforcesQuotaOnCloud(t *testing.T) {
	store := queue.NewFakeStore()
	p := &Pusher{Store: store, Resolver: &Resolver{}, Quota: quotaAlwaysDenies{}}

	spec := JobSpec{
		Workspace: "ws1",
		Payload:   Payload{Kind: PayloadInlineCode, InlineContent: "x"},
		Caller:    CallerIdentity{Email: "a@b.com"},
	}
	_, _, err := p.Push(context.Background(), spec, debounce.Attach{}, Config{CloudHosted: true})
	require.Error(t, err)

	// dependency-class kinds skip quota enforcement even on cloud
	spec2 := JobSpec{Workspace: "ws1", Payload: Payload{Kind: PayloadDependencies, DependencyPath: "p"}}
	_, _, err = p.Push(context.Background(), spec2, debounce.Attach{}, Config{CloudHosted: true})
	require.NoError(t, err)
}

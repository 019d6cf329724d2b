// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/puller"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type alwaysAllow struct{}

func (alwaysAllow) Check(_ context.Context, _, _ string, _, _ int) (bool, error) { return true, nil }

type fakeCompleter struct {
	mu        sync.Mutex
	completed []*queue.Job
	started   []*queue.Job
	resumed   []*queue.Job
	err       error
}

func (f *fakeCompleter) StartFlow(_ context.Context, job *queue.Job) ([]*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job)
	return nil, f.err
}

func (f *fakeCompleter) Resume(_ context.Context, job *queue.Job) ([]*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, job)
	return nil, f.err
}

func (f *fakeCompleter) Complete(_ context.Context, job *queue.Job, _ executor.Result) ([]*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job)
	return nil, nil
}

func (f *fakeCompleter) count() (started, completed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), len(f.completed)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Worker.Count = 2
	cfg.Worker.Tags = []string{"default"}
	cfg.Worker.PingInterval = time.Second
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.VacuumInterval = time.Hour
	cfg.Worker.SameWorkerChannelSize = 4
	cfg.Worker.JobDirBase = t.TempDir()
	cfg.Worker.TokenSecret = "test-secret"
	cfg.Worker.TokenTTL = time.Minute
	cfg.CircuitBreaker = config.CircuitBreaker{
		FailureThreshold: 0.9,
		Window:           time.Minute,
		CooldownPeriod:   time.Second,
		MinSamples:       1000,
	}
	return cfg
}

func newTestWorker(t *testing.T, store queue.Queue, completer Completer) *Worker {
	t.Helper()
	cfg := testConfig(t)
	log := zap.NewNop()
	p := puller.New(store, alwaysAllow{}, log, cfg.Worker.Tags)
	reg := executor.NewRegistry(executor.NewSimulated(), nil)
	return New(cfg, store, p, reg, completer, nil, log)
}

func TestRunJobDispatchesScriptToCompleter(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{Kind: queue.KindIdentity, Tag: "default", Args: json.RawMessage(`{}`)}
	_, err := store.Insert(context.Background(), job, nil)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(context.Background(), []string{"default"}, false)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	sameWorker := make(chan *queue.Job, 4)
	err = w.runJob(context.Background(), "test-worker", claimed, sameWorker)
	require.NoError(t, err)

	started, completed := completer.count()
	require.Equal(t, 0, started)
	require.Equal(t, 1, completed)
}

func TestRunJobDispatchesFlowToStartFlow(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{Kind: queue.KindFlow, Tag: "default", Args: json.RawMessage(`{}`)}

	sameWorker := make(chan *queue.Job, 4)
	err := w.runJob(context.Background(), "test-worker", job, sameWorker)
	require.NoError(t, err)

	started, completed := completer.count()
	require.Equal(t, 1, started)
	require.Equal(t, 0, completed)
}

func TestRunJobDispatchesSuspendedFlowToResume(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{Kind: queue.KindFlow, Tag: "default", Suspend: 1, Args: json.RawMessage(`{}`)}

	sameWorker := make(chan *queue.Job, 4)
	err := w.runJob(context.Background(), "test-worker", job, sameWorker)
	require.NoError(t, err)

	require.Len(t, completer.resumed, 1)
	require.Empty(t, completer.started)
}

func TestRunJobSurfacesSimulatedFailureThroughComplete(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{Kind: queue.KindIdentity, Tag: InitScriptTag, Args: json.RawMessage(`{"mode":"fail"}`)}
	sameWorker := make(chan *queue.Job, 4)
	err := w.runJob(context.Background(), "test-worker", job, sameWorker)
	require.NoError(t, err)

	_, completed := completer.count()
	require.Equal(t, 1, completed)
}

func TestPrepareJobDirSymlinksSharedForSameWorkerChild(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	parentID := "parent-1"
	w.registerSharedDir(parentID, t.TempDir())

	child := &queue.Job{ID: "child-1", ParentJob: &parentID, SameWorker: true}
	dir, cleanup, err := w.prepareJobDir(child)
	require.NoError(t, err)
	defer cleanup()

	_, err = os.Lstat(dir + "/shared")
	require.NoError(t, err)
}

func TestIssueJobTokenEmptyWithoutSecret(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)
	w.cfg.Worker.TokenSecret = ""

	job := &queue.Job{ID: "j1", WorkspaceID: "ws1", PermissionedAs: "u/alice"}
	require.Empty(t, w.issueJobToken(job))
}

func TestIssueJobTokenIncludesScopeFields(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	job := &queue.Job{ID: "j1", WorkspaceID: "ws1", PermissionedAs: "u/alice"}
	tok := w.issueJobToken(job)
	require.Contains(t, tok, "ws1")
	require.Contains(t, tok, "u/alice")
	require.Contains(t, tok, "j1")
}

func TestDedicatedChannelForMatchesScriptHash(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	cfg := testConfig(t)
	cfg.Worker.DedicatedWorkers = map[string]int{"hash-abc": 2}
	log := zap.NewNop()
	p := puller.New(store, alwaysAllow{}, log, cfg.Worker.Tags)
	reg := executor.NewRegistry(executor.NewSimulated(), nil)
	w := New(cfg, store, p, reg, completer, nil, log)

	hash := "hash-abc"
	job := &queue.Job{ID: "j1", ScriptHash: &hash}
	ch, ok := w.dedicatedChannelFor(job)
	require.True(t, ok)
	require.NotNil(t, ch)

	other := "hash-xyz"
	job2 := &queue.Job{ID: "j2", ScriptHash: &other}
	_, ok = w.dedicatedChannelFor(job2)
	require.False(t, ok)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := queue.NewFakeStore()
	completer := &fakeCompleter{}
	w := newTestWorker(t, store, completer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

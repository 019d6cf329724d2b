// Copyright 2025 James Ross
package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowforge/jobqueue/internal/breaker"
	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/puller"
	"github.com/flowforge/jobqueue/internal/queue"
	"go.uber.org/zap"
)

// Completer is the Completion Pipeline's inbound surface. The worker never
// blocks on bookkeeping: it hands a finished job off and moves straight to
// the next pull. StartFlow performs a freshly-claimed flow job's first
// Advance (dispatching its first module's children); Complete reports a
// leaf job's outcome for persistence, cache write, debounce/concurrency
// release, schedule dispatch and flow-engine feedback. All three return any
// same_worker children dispatched while handling the call, which the
// worker feeds straight into its local channel instead of leaving them for
// the general Puller.
type Completer interface {
	StartFlow(ctx context.Context, job *queue.Job) ([]*queue.Job, error)
	// Resume re-enters a previously-claimed flow job that was already
	// waiting_for_events: it folds in whatever resume/reject calls arrived
	// (or a timeout) and advances the engine from there.
	Resume(ctx context.Context, job *queue.Job) ([]*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job, res executor.Result) ([]*queue.Job, error)
}

// Debouncer is the claim-time half of the Debouncer lifecycle (spec's
// debounce finalize ordering): it clears a dependency-class job's
// debounce_key (and merges in whatever stale data arrived after it
// attached) the moment the job is claimed, before the lock recompute it
// triggers runs. *debounce.Store satisfies it.
type Debouncer interface {
	ClearAndRead(ctx context.Context, holderJobID string) (*debounce.StaleData, error)
}

// Worker is the per-process supervisor: it spawns Count goroutines that
// each pull, execute, and report, plus a liveness-ping ticker per goroutine
// and a background vacuum sweep.
type Worker struct {
	cfg       *config.Config
	puller    *puller.Puller
	store     queue.Queue
	executors *executor.Registry
	completer Completer
	debounce  Debouncer
	cb        *breaker.CircuitBreaker
	log       *zap.Logger
	baseID    string

	// dedicated holds a bounded channel per configured script hash, fed by
	// the main claim loop and drained by its own goroutine, bypassing the
	// shared pool entirely once a job lands there.
	dedicated map[string]chan *queue.Job

	mu sync.Mutex
	// sameDirs and sameDirRefs key a flow job's shared/ directory by that
	// flow job's own id (the id its same_worker children carry as
	// parent_job), not any single child's id: the directory must outlive
	// every individual leaf job's own job_dir, since distinct same_worker
	// steps run in distinct job_dirs that only symlink into it.
	// sameDirRefs counts outstanding same_worker steps still to run for
	// that flow; the directory is removed once the count drops to zero.
	sameDirs    map[string]string
	sameDirRefs map[string]int
	fatal       error
}

// Vacuumer is the narrow periodic-maintenance surface; *queue.Store
// satisfies it, *queue.FakeStore does not need to (tests never vacuum).
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

func New(cfg *config.Config, store queue.Queue, p *puller.Puller, reg *executor.Registry, completer Completer, deb Debouncer, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())

	dedicated := make(map[string]chan *queue.Job, len(cfg.Worker.DedicatedWorkers))
	for path, size := range cfg.Worker.DedicatedWorkers {
		if size <= 0 {
			size = 1
		}
		dedicated[path] = make(chan *queue.Job, size)
	}

	return &Worker{
		cfg:         cfg,
		puller:      p,
		store:       store,
		executors:   reg,
		completer:   completer,
		debounce:    deb,
		cb:          cb,
		log:         log,
		baseID:      base,
		dedicated:   dedicated,
		sameDirs:    make(map[string]string),
		sameDirRefs: make(map[string]int),
	}
}

// Run spawns the worker pool and blocks until ctx is done or a fatal error
// (an init-script failure) is observed, draining in-flight same-worker work
// before returning either way.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for path, ch := range w.dedicated {
		wg.Add(1)
		go func(path string, ch chan *queue.Job) {
			defer wg.Done()
			w.drainDedicated(ctx, path, ch)
		}(path, ch)
	}

	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		sameWorker := make(chan *queue.Job, w.cfg.Worker.SameWorkerChannelSize)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID, sameWorker)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(w.cfg.Worker.VacuumInterval)
		defer ticker.Stop()
		vac, ok := w.store.(Vacuumer)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !ok {
					continue
				}
				if err := vac.Vacuum(ctx); err != nil {
					w.log.Warn("vacuum queue failed", obs.Err(err))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// runOne is one worker goroutine's steady loop: drain the same-worker
// channel first, then fall back to the shared Puller, pinging liveness
// on a fixed interval regardless of which source yielded a job.
func (w *Worker) runOne(ctx context.Context, workerID string, sameWorker chan *queue.Job) {
	pingTicker := time.NewTicker(w.cfg.Worker.PingInterval)
	defer pingTicker.Stop()

	var lastJobID string
	for ctx.Err() == nil {
		select {
		case <-pingTicker.C:
			if lastJobID != "" {
				_ = w.store.Touch(ctx, lastJobID)
			}
		default:
		}

		job := w.nextJob(ctx, sameWorker)
		if job == nil {
			continue
		}
		lastJobID = job.ID

		if job.Tag == InitScriptTag {
			if err := w.runJob(ctx, workerID, job, sameWorker); err != nil {
				w.fail(fmt.Errorf("init script failed: %w", err))
				return
			}
			continue
		}

		if dest, ok := w.dedicatedChannelFor(job); ok {
			select {
			case dest <- job:
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := w.runJob(ctx, workerID, job, sameWorker); err != nil {
			w.log.Error("job processing error", obs.String("job_id", job.ID), obs.Err(err))
		}
	}
}

// nextJob prefers a same-worker job (local, no network round trip, keeps a
// flow's shared/ directory colocated) over the general Puller.
func (w *Worker) nextJob(ctx context.Context, sameWorker chan *queue.Job) *queue.Job {
	select {
	case j := <-sameWorker:
		return j
	default:
	}

	if !w.cb.Allow() {
		time.Sleep(w.cfg.Worker.PollInterval)
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	j, err := w.puller.Pull(pullCtx)
	if err != nil {
		return nil
	}
	return j
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal == nil {
		w.fatal = err
	}
}

// dedicatedChannelFor routes a job whose script hash matches a configured
// dedicated-worker path straight to that sub-worker's channel, bypassing
// the shared pool and the executor dispatch entirely (the sub-worker does
// its own dispatch once it reads from the channel).
func (w *Worker) dedicatedChannelFor(job *queue.Job) (chan *queue.Job, bool) {
	if job.ScriptHash == nil {
		return nil, false
	}
	ch, ok := w.dedicated[*job.ScriptHash]
	return ch, ok
}

// drainDedicated runs its own steady loop, same shape as runOne's: a
// same_worker job (one of this dedicated path's own flow steps) gets
// priority, falling back to whatever the main claim loop routed here.
func (w *Worker) drainDedicated(ctx context.Context, path string, ch chan *queue.Job) {
	sameWorker := make(chan *queue.Job, w.cfg.Worker.SameWorkerChannelSize)
	for {
		var job *queue.Job
		select {
		case job = <-sameWorker:
		default:
			select {
			case <-ctx.Done():
				return
			case job = <-sameWorker:
			case job = <-ch:
			}
		}
		if err := w.runJob(ctx, "dedicated:"+path, job, sameWorker); err != nil {
			w.log.Error("dedicated job processing error", obs.String("job_id", job.ID), obs.Err(err))
		}
	}
}

// runJob dispatches a claimed job: flow jobs get their first Advance via
// the Completer, everything else gets an isolated job_dir, an ephemeral
// bearer token, and a run through the language executor registry. sameWorker
// is this goroutine's local same_worker channel: any same_worker children
// the Completer dispatches while handling this job are fed straight into it
// instead of left for the general Puller.
func (w *Worker) runJob(ctx context.Context, workerID string, job *queue.Job, sameWorker chan *queue.Job) error {
	start := time.Now()
	obs.JobsClaimed.Inc()
	ctx, span := obs.ContextWithJobSpan(ctx, *job)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	// A same_worker job is itself one flow's step; its own shared/
	// directory reference is released once this step finishes running,
	// regardless of outcome, whether or not it goes on to dispatch the
	// flow's next step.
	if job.SameWorker && job.ParentJob != nil {
		defer w.releaseSharedDir(*job.ParentJob)
	}

	if job.Kind == queue.KindFlow {
		var (
			children []*queue.Job
			err      error
		)
		if job.Suspend > 0 {
			children, err = w.completer.Resume(ctx, job)
		} else {
			children, err = w.completer.StartFlow(ctx, job)
		}
		if err != nil {
			obs.RecordError(ctx, err)
			return err
		}
		obs.SetSpanSuccess(ctx)
		w.dispatchSameWorker(ctx, sameWorker, children)
		return nil
	}

	if isDebounceHolderKind(job.Kind) && w.debounce != nil {
		if sd, derr := w.debounce.ClearAndRead(ctx, job.ID); derr != nil {
			w.log.Warn("debounce clear on claim failed", obs.String("job_id", job.ID), obs.Err(derr))
		} else {
			job.Args = mergeDebounceStaleData(job.Args, sd)
		}
	}

	jobDir, cleanup, err := w.prepareJobDir(job)
	if err != nil {
		return fmt.Errorf("prepare job_dir: %w", err)
	}
	defer cleanup()

	token := w.issueJobToken(job)

	language := ""
	if job.RawLock != nil {
		language = *job.RawLock
	}
	ex := w.executors.Resolve(language)

	res, err := ex.Execute(ctx, job, jobDir, token)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	ok := err == nil && res.Success
	prev := w.cb.State()
	w.cb.Record(ok)
	if curr := w.cb.State(); prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}
	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}

	if res.Success {
		obs.JobsCompleted.Inc()
		obs.SetSpanSuccess(ctx)
	} else {
		obs.JobsFailed.Inc()
		obs.RecordError(ctx, fmt.Errorf("job failed"))
	}

	children, err := w.completer.Complete(ctx, job, res)
	if err != nil {
		return err
	}
	w.dispatchSameWorker(ctx, sameWorker, children)
	return nil
}

// dispatchSameWorker hands each same_worker child straight to this worker
// goroutine's own channel, acquiring its parent flow's shared/ directory
// first. A full channel isn't an error: the child job row is already
// persisted, so the general Puller picks it up instead, just without the
// in-process handoff.
func (w *Worker) dispatchSameWorker(ctx context.Context, sameWorker chan *queue.Job, children []*queue.Job) {
	for _, child := range children {
		if child.ParentJob != nil {
			w.acquireSharedDir(*child.ParentJob)
		}
		select {
		case sameWorker <- child:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// isDebounceHolderKind reports whether kind is one of the dependency-class
// modules the Debouncer ever attaches a holder job for.
func isDebounceHolderKind(kind queue.JobKind) bool {
	switch kind {
	case queue.KindDependencies, queue.KindFlowDependencies, queue.KindAppDependencies:
		return true
	}
	return false
}

// mergeDebounceStaleData folds a cleared holder's merged stale data (the
// union of every push that attached before the claim-time clear ran) into
// the job's args so the finalize execution recomputes locks for the whole
// set, not just what the job carried when it first attached.
func mergeDebounceStaleData(args json.RawMessage, sd *debounce.StaleData) json.RawMessage {
	if sd == nil || (len(sd.ToRelock) == 0 && len(sd.Other) == 0) {
		return args
	}
	merged := map[string]json.RawMessage{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &merged)
	}
	if len(sd.ToRelock) > 0 {
		if b, err := json.Marshal(sd.ToRelock); err == nil {
			merged["to_relock"] = b
		}
	}
	if len(sd.Other) > 0 && string(sd.Other) != "null" {
		merged["debounce_other"] = sd.Other
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return args
	}
	return b
}

// InitScriptTag marks the one-shot bootstrap job a fresh deployment's first
// worker may enqueue; its failure is fatal and terminates the worker.
const InitScriptTag = "init_script"

// prepareJobDir builds an isolated working directory for one job's script
// execution, symlinking the parent flow's shared/ directory in when the job
// was dispatched with same_worker=true (it only ever reaches this worker's
// same-worker channel in that case, so the parent's dir is guaranteed to
// still be registered).
func (w *Worker) prepareJobDir(job *queue.Job) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp(w.cfg.Worker.JobDirBase, "job-"+job.ID+"-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if job.SameWorker && job.ParentJob != nil {
		if shared, ok := w.sharedDirFor(*job.ParentJob); ok {
			_ = os.Symlink(shared, filepath.Join(dir, "shared"))
		}
	}
	return dir, cleanup, nil
}

func (w *Worker) registerSharedDir(jobID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sameDirs[jobID] = path
}

func (w *Worker) sharedDirFor(jobID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.sameDirs[jobID]
	return p, ok
}

// acquireSharedDir marks one more outstanding same_worker step for
// flowJobID, creating its shared/ directory the first time (a no-op on
// every later call for the same flow while steps are still outstanding).
func (w *Worker) acquireSharedDir(flowJobID string) {
	w.mu.Lock()
	_, exists := w.sameDirs[flowJobID]
	w.sameDirRefs[flowJobID]++
	w.mu.Unlock()
	if exists {
		return
	}

	dir, err := os.MkdirTemp(w.cfg.Worker.JobDirBase, "flow-"+flowJobID+"-shared-")
	if err != nil {
		w.log.Warn("create shared dir failed", obs.String("flow_job_id", flowJobID), obs.Err(err))
		return
	}
	w.registerSharedDir(flowJobID, dir)
}

// releaseSharedDir drops one outstanding same_worker step for flowJobID,
// removing its shared/ directory once none are left.
func (w *Worker) releaseSharedDir(flowJobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sameDirRefs[flowJobID] == 0 {
		return
	}
	w.sameDirRefs[flowJobID]--
	if w.sameDirRefs[flowJobID] > 0 {
		return
	}
	delete(w.sameDirRefs, flowJobID)
	if dir, ok := w.sameDirs[flowJobID]; ok {
		delete(w.sameDirs, flowJobID)
		_ = os.RemoveAll(dir)
	}
}

// issueJobToken mints an ephemeral bearer token scoped to (workspace,
// permissioned_as, job_id), HMAC-signed so the language executor's caller
// can verify it without a round trip back to the worker. Expiry is encoded
// in the signed payload so a stolen token from a long-finished job cannot
// be replayed.
func (w *Worker) issueJobToken(job *queue.Job) string {
	if w.cfg.Worker.TokenSecret == "" {
		return ""
	}
	exp := time.Now().Add(w.cfg.Worker.TokenTTL).Unix()
	payload := fmt.Sprintf("%s:%s:%s:%d", job.WorkspaceID, job.PermissionedAs, job.ID, exp)
	mac := hmac.New(sha256.New, []byte(w.cfg.Worker.TokenSecret))
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payload + ":" + sig
}

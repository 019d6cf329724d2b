// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/pusher"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Resumer is the Completion Pipeline's resume-event write surface: it
// records an accepted/rejected resume call and decrements the flow job's
// suspend counter so the Puller's suspend-first path wakes it once enough
// events (or the window's timeout) arrive.
type Resumer interface {
	RecordResumeEvent(ctx context.Context, flowJobID, resumeID string, approved bool, payload json.RawMessage, approver string) error
}

// Server is the HTTP surface described by spec.md §6: push, cancel, poll,
// and the signed job_signature/resume pair a suspended flow step uses to
// let an external approver release it. Every handler is a thin adapter
// onto the Pusher/Queue/Resumer the rest of the system already exposes —
// the API package owns no business logic of its own.
type Server struct {
	cfg     *config.Config
	pusher  *pusher.Pusher
	store   queue.Queue
	resumer Resumer
	log     *zap.Logger
	router  *mux.Router
	tokens  *tokenSigner
	schema  *overridesSchema
	pushCfg pusher.Config
}

// NewServer wires the router; pushCfg carries the deployment-wide Pusher
// knobs (dedicated path, configured priority, language default tag,
// cloud-hosted quota flag) that don't vary per request.
func NewServer(cfg *config.Config, p *pusher.Pusher, store queue.Queue, resumer Resumer, pushCfg pusher.Config, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		pusher:  p,
		store:   store,
		resumer: resumer,
		log:     log,
		tokens:  newTokenSigner(cfg.API.ResumeTokenSecret),
		schema:  newOverridesSchema(),
		pushCfg: pushCfg,
	}
	s.router = mux.NewRouter()
	s.registerRoutes()
	return s
}

// registerRoutes lays out the push surface the way Windmill's own job-run
// API does: the path segment right after /jobs/run picks the target kind,
// the rest of the path is that kind's locator (hash, hub/flow/dependency
// path, or restart pointer). The body is pure args (see decodeArgs); every
// other JobSpec knob rides the query string (see parseOverrides).
func (s *Server) registerRoutes() {
	run := s.router.PathPrefix("/jobs/run").Subrouter()
	run.HandleFunc("/h/{hash}", s.handlePush(pusher.PayloadScriptHash)).Methods(http.MethodPost)
	run.HandleFunc("/p/{path:.*}", s.handlePush(pusher.PayloadScriptHub)).Methods(http.MethodPost)
	run.HandleFunc("/f/{path:.*}", s.handlePush(pusher.PayloadFlow)).Methods(http.MethodPost)
	run.HandleFunc("/dependencies/{path:.*}", s.handlePush(pusher.PayloadDependencies)).Methods(http.MethodPost)
	run.HandleFunc("/flow_dependencies/{path:.*}", s.handlePush(pusher.PayloadFlowDependencies)).Methods(http.MethodPost)
	run.HandleFunc("/app_dependencies/{path:.*}", s.handlePush(pusher.PayloadAppDependencies)).Methods(http.MethodPost)
	run.HandleFunc("/restart/{flow_job_id}/{step_id}", s.handlePushRestart).Methods(http.MethodPost)
	run.HandleFunc("/preview", s.handlePushInline).Methods(http.MethodPost)
	run.HandleFunc("/identity", s.handlePush(pusher.PayloadIdentity)).Methods(http.MethodPost)
	run.HandleFunc("/noop", s.handlePush(pusher.PayloadNoop)).Methods(http.MethodPost)

	s.router.HandleFunc("/jobs/cancel/{id}", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.handlePoll).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/job_signature/{id}/{resume_id}", s.handleJobSignature).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs_u/{action}/{id}/{resume_id}/{secret}", s.handleResume).Methods(http.MethodPost)
}

// Handler exposes the configured router for embedding into a larger mux or
// for http.Server.Handler directly.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts a dedicated HTTP server on cfg.API.Addr and blocks until ctx
// is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.API.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

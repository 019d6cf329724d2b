// Copyright 2025 James Ross
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/pusher"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/gorilla/mux"
)

// handlePush returns the handler for a fixed-kind push route (script hash,
// script hub, flow, the dependency-class kinds, identity, noop): the path
// variable named "path" or "hash" (whichever the route declares) fills the
// matching Payload field, the body is pure args (decodeArgs), and every
// other JobSpec knob rides the query string (parseOverrides).
func (s *Server) handlePush(kind pusher.PayloadKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		t := target{kind: kind}
		switch kind {
		case pusher.PayloadScriptHash:
			t.scriptHash = vars["hash"]
		case pusher.PayloadScriptHub:
			t.hubPath = vars["path"]
		case pusher.PayloadFlow:
			t.flowPath = vars["path"]
		case pusher.PayloadDependencies, pusher.PayloadFlowDependencies:
			t.dependencyPath = vars["path"]
		case pusher.PayloadAppDependencies:
			t.appPath = vars["path"]
		}
		s.push(w, r, t)
	}
}

// handlePushInline implements `POST /jobs/run/preview`: the body itself is
// `{content, lock?, language, args}` rather than bare args, so it is
// decoded separately from the args-only routes.
func (s *Server) handlePushInline(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body", err)
		return
	}
	var preview struct {
		Content  string          `json:"content"`
		Lock     *string         `json:"lock,omitempty"`
		Language string          `json:"language"`
		Args     json.RawMessage `json:"args"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &preview); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid preview body", err)
			return
		}
	}
	args := preview.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	o, err := parseOverrides(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid query overrides", err)
		return
	}
	if err := s.schema.Validate(o); err != nil {
		s.writeError(w, http.StatusBadRequest, "schema validation failed", err)
		return
	}
	args, err = mergeExtra(args, extraHeaders(r, s.cfg.API.IncludeHeaders))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "merge extra headers", err)
		return
	}

	payload := pusher.Payload{
		Kind:          pusher.PayloadInlineCode,
		InlineContent: preview.Content,
		InlineLock:    preview.Lock,
		Language:      preview.Language,
	}
	spec := toJobSpec(args, target{}, o, callerFromHeaders(r), r.Header.Get("X-Workspace-Id"))
	spec.Payload = payload
	s.runPush(w, r, spec)
}

// handlePushRestart implements `POST /jobs/run/restart/{flow_job_id}/{step_id}`.
func (s *Server) handlePushRestart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t := target{
		kind:             pusher.PayloadRestartedFlow,
		restartFlowJobID: vars["flow_job_id"],
		restartStepID:    vars["step_id"],
	}
	s.push(w, r, t)
}

// push is the shared body for every args-only push route: decode args,
// validate the query overrides, hoist whitelisted headers, and hand the
// resolved JobSpec to the Pusher.
func (s *Server) push(w http.ResponseWriter, r *http.Request, t target) {
	args, err := decodeArgs(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	o, err := parseOverrides(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid query overrides", err)
		return
	}
	if err := s.schema.Validate(o); err != nil {
		s.writeError(w, http.StatusBadRequest, "schema validation failed", err)
		return
	}
	args, err = mergeExtra(args, extraHeaders(r, s.cfg.API.IncludeHeaders))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "merge extra headers", err)
		return
	}

	caller := callerFromHeaders(r)
	workspace := r.Header.Get("X-Workspace-Id")
	spec := toJobSpec(args, t, o, caller, workspace)
	s.runPush(w, r, spec)
}

func (s *Server) runPush(w http.ResponseWriter, r *http.Request, spec pusher.JobSpec) {
	id, alreadyExisted, err := s.pusher.Push(r.Context(), spec, debounce.Attach{}, s.pushCfg)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              id,
		"already_existed": alreadyExisted,
	})
}

// handleCancel implements `POST /jobs/cancel/{id}?force=bool`.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	by := callerFromHeaders(r).Username
	softCancel, err := s.store.Cancel(r.Context(), id, body.Reason, by, force)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"soft_cancel": softCancel})
}

// handlePoll implements `GET /jobs/{id}`: running jobs report their queue
// state, terminated ones return the completed record.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if j, err := s.store.Get(r.Context(), id); err == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      j.ID,
			"status":  "running",
			"running": j.Running,
		})
		return
	} else if !queue.IsNotFound(err) {
		s.handleError(w, err)
		return
	}

	cj, err := s.store.GetCompleted(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          cj.ID,
		"status":      "completed",
		"success":     cj.Success,
		"result":      cj.Result,
		"duration_ms": cj.DurationMs,
	})
}

// handleJobSignature implements `GET /jobs/job_signature/{id}/{resume_id}`:
// mints the signed token an external approver echoes back as {secret} on
// the resume/cancel call.
func (s *Server) handleJobSignature(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, resumeID := vars["id"], vars["resume_id"]
	s.writeJSON(w, http.StatusOK, map[string]string{
		"signature": s.tokens.Sign(id, resumeID),
	})
}

// handleResume implements `POST /jobs_u/{resume|cancel}/{id}/{resume_id}/{secret}`:
// verifies the signed token, decodes the base64 payload, and records the
// event for the flow engine's next Resume call to fold in.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, id, resumeID, secret := vars["action"], vars["id"], vars["resume_id"], vars["secret"]

	if action != "resume" && action != "cancel" {
		s.writeError(w, http.StatusBadRequest, "action must be resume or cancel", nil)
		return
	}
	if !s.tokens.Verify(id, resumeID, secret) {
		s.writeError(w, http.StatusForbidden, "invalid job signature", s.tokens.errInvalid())
		return
	}

	var payload json.RawMessage
	if raw := r.URL.Query().Get("payload"); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid payload encoding", err)
			return
		}
		payload = decoded
	}
	approver := r.URL.Query().Get("approver")

	if err := s.resumer.RecordResumeEvent(r.Context(), id, resumeID, action == "resume", payload, approver); err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": true})
}

func callerFromHeaders(r *http.Request) pusher.CallerIdentity {
	return pusher.CallerIdentity{
		Username:       r.Header.Get("X-Created-By"),
		PermissionedAs: r.Header.Get("X-Permissioned-As"),
		Email:          r.Header.Get("X-Email"),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	if s.log != nil {
		s.log.Warn("api error", obs.String("message", message), obs.Err(err))
	}
	resp := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleError maps a queue.Error's Kind to the HTTP status it implies.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var qerr *queue.Error
	if !errors.As(err, &qerr) {
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}
	switch qerr.Kind {
	case queue.KindBadRequest:
		s.writeError(w, http.StatusBadRequest, "bad request", err)
	case queue.KindNotAuthorized:
		s.writeError(w, http.StatusForbidden, "not authorized", err)
	case queue.KindNotFound:
		s.writeError(w, http.StatusNotFound, "not found", err)
	case queue.KindQuotaExceeded:
		s.writeError(w, http.StatusTooManyRequests, "quota exceeded", err)
	case queue.KindAlreadyCompleted:
		s.writeError(w, http.StatusConflict, "already completed", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

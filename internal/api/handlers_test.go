// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/pusher"
	"github.com/flowforge/jobqueue/internal/queue"
)

func newTestServer(t *testing.T) (*Server, queue.Queue) {
	t.Helper()
	store := queue.NewFakeStore()
	cfg := &config.Config{}
	cfg.API.IncludeHeaders = []string{"X-Request-Id"}
	p := &pusher.Pusher{Store: store, Resolver: &pusher.Resolver{}}
	return NewServer(cfg, p, store, store, pusher.Config{}, nil), store
}

func TestHandlePushNoopInsertsRow(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop", strings.NewReader(`{"x":1}`))
	req.Header.Set("X-Workspace-Id", "ws1")
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
	require.Equal(t, false, resp["already_existed"])
}

func TestHandlePushEmptyBodyDefaultsToEmptyObject(t *testing.T) {
	srv, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop", nil)
	req.Header.Set("X-Workspace-Id", "ws1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := store.Get(req.Context(), resp["id"].(string))
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(job.Args))
}

func TestHandlePushNonObjectBodyWrapped(t *testing.T) {
	srv, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop", strings.NewReader(`"hello"`))
	req.Header.Set("X-Workspace-Id", "ws1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := store.Get(req.Context(), resp["id"].(string))
	require.NoError(t, err)
	require.JSONEq(t, `{"body":"hello"}`, string(job.Args))
}

func TestHandlePushRawInjectsRawString(t *testing.T) {
	srv, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop?raw=1", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Workspace-Id", "ws1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := store.Get(req.Context(), resp["id"].(string))
	require.NoError(t, err)
	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Args, &args))
	require.Equal(t, `{"a":1}`, args["raw_string"])
}

func TestHandlePushOverridesSetTag(t *testing.T) {
	srv, store := newTestServer(t)

	q := url.Values{"tag": {"custom-tag"}}
	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop?"+q.Encode(), strings.NewReader(`{}`))
	req.Header.Set("X-Workspace-Id", "ws1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := store.Get(req.Context(), resp["id"].(string))
	require.NoError(t, err)
	require.Equal(t, "custom-tag", job.Tag)
}

func TestHandlePushRejectsBadOverride(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run/noop?timeout=not-a-number", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancel(t *testing.T) {
	srv, store := newTestServer(t)
	j := &queue.Job{WorkspaceID: "ws1", Kind: queue.KindNoop, Tag: "default", Args: json.RawMessage(`{}`)}
	id, err := store.Insert(nil, j, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs/cancel/"+id, strings.NewReader(`{"reason":"no longer needed"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get(req.Context(), id)
	require.NoError(t, err)
	require.True(t, got.Canceled)
}

func TestHandlePollRunningJob(t *testing.T) {
	srv, store := newTestServer(t)
	j := &queue.Job{WorkspaceID: "ws1", Kind: queue.KindNoop, Tag: "default", Args: json.RawMessage(`{}`)}
	id, err := store.Insert(nil, j, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "running", resp["status"])
}

func TestHandleJobSignatureAndResumeRoundTrip(t *testing.T) {
	srv, store := newTestServer(t)

	sigReq := httptest.NewRequest(http.MethodGet, "/jobs/job_signature/flow-1/evt-1", nil)
	sigRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sigRec, sigReq)
	require.Equal(t, http.StatusOK, sigRec.Code)
	var sigResp map[string]string
	require.NoError(t, json.Unmarshal(sigRec.Body.Bytes(), &sigResp))
	require.NotEmpty(t, sigResp["signature"])

	resumeURL := "/jobs_u/resume/flow-1/evt-1/" + sigResp["signature"] + "?approver=alice"
	resumeReq := httptest.NewRequest(http.MethodPost, resumeURL, nil)
	resumeRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resumeRec, resumeReq)
	require.Equal(t, http.StatusOK, resumeRec.Code)

	events, err := store.ListResumeEvents(resumeReq.Context(), "flow-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Approved)
	require.Equal(t, "alice", events[0].Approver)
}

func TestHandleResumeRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	cfg := srv.cfg
	cfg.API.ResumeTokenSecret = "shh"
	srv.tokens = newTokenSigner("shh")

	req := httptest.NewRequest(http.MethodPost, "/jobs_u/resume/flow-1/evt-1/bogus", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

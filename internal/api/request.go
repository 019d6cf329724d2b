// Copyright 2025 James Ross
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowforge/jobqueue/internal/pusher"
)

// decodeArgs implements spec.md §6's body-ingestion rule: a JSON or form
// body becomes the job's args map. An empty body becomes `{}`; a
// non-object JSON body is wrapped under `{"body": <value>}`; `?raw=1`
// additionally injects the raw request bytes as `raw_string`.
func decodeArgs(r *http.Request) (json.RawMessage, error) {
	ct := r.Header.Get("Content-Type")
	raw, err := readAll(r)
	if err != nil {
		return nil, err
	}
	var args json.RawMessage
	if strings.HasPrefix(ct, "application/json") || ct == "" {
		args, err = normalizeJSONArgs(raw)
		if err != nil {
			return nil, err
		}
	} else {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		formJSON, err := json.Marshal(formToArgs(r.Form))
		if err != nil {
			return nil, err
		}
		args = formJSON
	}

	if r.URL.Query().Get("raw") == "1" {
		args, err = withRawString(args, string(raw))
		if err != nil {
			return nil, err
		}
	}
	return args, nil
}

// normalizeJSONArgs applies the empty-body and non-object-body rules to a
// raw JSON push body.
func normalizeJSONArgs(raw []byte) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return json.Marshal(map[string]json.RawMessage{"body": json.RawMessage(raw)})
	}
	return json.RawMessage(raw), nil
}

func withRawString(args json.RawMessage, raw string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &m); err != nil {
			m = map[string]json.RawMessage{"body": args}
		}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	m["raw_string"] = rawJSON
	return json.Marshal(m)
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func formToArgs(form url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(form))
	for k, vs := range form {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out
}

// extraHeaders hoists every whitelisted header into the reserved `extra`
// args key, per spec.md §6's include_header whitelist.
func extraHeaders(r *http.Request, whitelist []string) map[string]string {
	if len(whitelist) == 0 {
		return nil
	}
	extra := make(map[string]string)
	for _, h := range whitelist {
		if v := r.Header.Get(h); v != "" {
			extra[h] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// mergeExtra folds extra headers into the args payload under a reserved
// "extra" key without disturbing the rest of the body.
func mergeExtra(args json.RawMessage, extra map[string]string) (json.RawMessage, error) {
	if extra == nil {
		return args, nil
	}
	var m map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &m); err != nil {
			m = map[string]json.RawMessage{"body": args}
		}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	m["extra"] = extraJSON
	return json.Marshal(m)
}

// pushOverrides carries the query-string knobs a push call layers onto the
// resolved target: tag/priority/timeout overrides, debounce and
// concurrency parameters, scheduling, and lineage pointers. The body
// stays pure args (decodeArgs); these live on the query string the way a
// job-push URL's `?tag=...&concurrent_limit=4` knobs do.
type pushOverrides struct {
	TagOverride         *string    `json:"tag,omitempty"`
	TimeoutOverride     *int       `json:"timeout,omitempty"`
	PriorityOverride    *int       `json:"priority,omitempty"`
	SameWorker          bool       `json:"same_worker,omitempty"`
	VisibleToOwner      bool       `json:"visible_to_owner,omitempty"`
	DebounceKeyTemplate *string    `json:"debounce_key_template,omitempty"`
	DebounceDelayS      int        `json:"debounce_delay_s,omitempty"`
	ConcurrencyKey      *string    `json:"concurrency_key,omitempty"`
	ConcurrentLimit     *int       `json:"concurrent_limit,omitempty"`
	ConcurrencyWindowS  *int       `json:"concurrency_window_s,omitempty"`
	CacheTTL            *int       `json:"cache_ttl,omitempty"`
	ParentJob           *string    `json:"parent_job,omitempty"`
	RootJob             *string    `json:"root_job,omitempty"`
	JobID               *string    `json:"job_id,omitempty"`
	ScheduledFor        *time.Time `json:"-"`
}

func parseOverrides(q url.Values) (pushOverrides, error) {
	var o pushOverrides
	o.TagOverride = optString(q, "tag")
	o.DebounceKeyTemplate = optString(q, "debounce_key_template")
	o.ConcurrencyKey = optString(q, "concurrency_key")
	o.ParentJob = optString(q, "parent_job")
	o.RootJob = optString(q, "root_job")
	o.JobID = optString(q, "job_id")
	o.SameWorker = q.Get("same_worker") == "true" || q.Get("same_worker") == "1"
	o.VisibleToOwner = q.Get("visible_to_owner") == "true" || q.Get("visible_to_owner") == "1"

	var err error
	if o.TimeoutOverride, err = optInt(q, "timeout"); err != nil {
		return o, err
	}
	if o.PriorityOverride, err = optInt(q, "priority"); err != nil {
		return o, err
	}
	if o.ConcurrentLimit, err = optInt(q, "concurrent_limit"); err != nil {
		return o, err
	}
	if o.ConcurrencyWindowS, err = optInt(q, "concurrency_window_s"); err != nil {
		return o, err
	}
	if o.CacheTTL, err = optInt(q, "cache_ttl"); err != nil {
		return o, err
	}
	if delay, err := optInt(q, "debounce_delay_s"); err != nil {
		return o, err
	} else if delay != nil {
		o.DebounceDelayS = *delay
	}
	if sched := q.Get("scheduled_for"); sched != "" {
		t, err := time.Parse(time.RFC3339, sched)
		if err != nil {
			return o, err
		}
		o.ScheduledFor = &t
	}
	return o, nil
}

func optString(q url.Values, key string) *string {
	if v := q.Get(key); v != "" {
		return &v
	}
	return nil
}

func optInt(q url.Values, key string) (*int, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// target describes what the push URL's path resolved to: which Payload
// kind and which of its target fields the trailing path variable fills.
type target struct {
	kind             pusher.PayloadKind
	scriptHash       string
	hubPath          string
	flowPath         string
	dependencyPath   string
	appPath          string
	restartFlowJobID string
	restartStepID    string
}

// toJobSpec resolves a decoded args payload, a path-derived target, query
// overrides, and caller identity into the Pusher's typed JobSpec union.
func toJobSpec(args json.RawMessage, t target, o pushOverrides, caller pusher.CallerIdentity, workspace string) pusher.JobSpec {
	payload := pusher.Payload{
		Kind:                 t.kind,
		ScriptHash:           t.scriptHash,
		HubPath:              t.hubPath,
		FlowPath:             t.flowPath,
		DependencyPath:       t.dependencyPath,
		AppPath:              t.appPath,
		RestartFromFlowJobID: t.restartFlowJobID,
		RestartFromStepID:    t.restartStepID,
	}

	spec := pusher.JobSpec{
		Workspace:           workspace,
		Payload:             payload,
		Args:                args,
		Caller:              caller,
		ScheduledFor:        o.ScheduledFor,
		ParentJob:           o.ParentJob,
		RootJob:             o.RootJob,
		JobID:               o.JobID,
		TagOverride:         o.TagOverride,
		TimeoutOverride:     o.TimeoutOverride,
		SameWorker:          o.SameWorker,
		VisibleToOwner:      o.VisibleToOwner,
		PriorityOverride:    o.PriorityOverride,
		DebounceKeyTemplate: o.DebounceKeyTemplate,
		ConcurrencyKey:      o.ConcurrencyKey,
		ConcurrentLimit:     o.ConcurrentLimit,
		ConcurrencyWindowS:  o.ConcurrencyWindowS,
		CacheTTL:            o.CacheTTL,
	}
	if o.DebounceDelayS > 0 {
		spec.DebounceDelay = time.Duration(o.DebounceDelayS) * time.Second
	}
	return spec
}

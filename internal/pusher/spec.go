// Copyright 2025 James Ross
package pusher

import (
	"encoding/json"
	"time"
)

// PayloadKind is the typed union tag for JobSpec.Payload, driving which
// field group Resolve reads.
type PayloadKind string

const (
	PayloadScriptHash PayloadKind = "script_hash"
	PayloadScriptHub PayloadKind = "script_hub"
	PayloadInlineCode PayloadKind = "inline_code"
	PayloadDependencies PayloadKind = "dependencies"
	PayloadFlowDependencies PayloadKind = "flow_dependencies"
	PayloadAppDependencies PayloadKind = "app_dependencies"
	PayloadRawFlow PayloadKind = "raw_flow"
	PayloadFlow PayloadKind = "flow"
	PayloadRestartedFlow PayloadKind = "restarted_flow"
	PayloadIdentity PayloadKind = "identity"
	PayloadNoop PayloadKind = "noop"
)

// Payload is the typed-union input to Push. Exactly one field group is
// meaningful per Kind; ValidatePayload checks only that Kind is a known
// value, and Resolve reads that Kind's field group and ignores the rest.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	ScriptHash string `json:"script_hash,omitempty"`

	HubPath string `json:"hub_path,omitempty"`

	InlineContent string `json:"inline_content,omitempty"`
	InlineLock *string `json:"inline_lock,omitempty"`
	Language string `json:"language,omitempty"`

	DependencyPath string `json:"dependency_path,omitempty"`

	FlowPath string `json:"flow_path,omitempty"`

	RawFlowDefinition json.RawMessage `json:"raw_flow_definition,omitempty"`

	AppPath string `json:"app_path,omitempty"`
	AppVersion string `json:"app_version,omitempty"`

	RestartFromFlowJobID string `json:"restart_from_flow_job_id,omitempty"`
	RestartFromStepID string `json:"restart_from_step_id,omitempty"`
}

// CallerIdentity identifies who pushed a job.
type CallerIdentity struct {
	Username string
	PermissionedAs string
	Email string
}

// JobSpec is the full Push input.
type JobSpec struct {
	Workspace string
	Payload Payload
	Args json.RawMessage
	Caller CallerIdentity
	ScheduledFor *time.Time

	ParentJob *string
	RootJob *string
	JobID *string
	IsFlowStep bool

	TagOverride *string
	TimeoutOverride *int
	SameWorker bool
	VisibleToOwner bool

	PriorityOverride *int

	DebounceKeyTemplate *string
	DebounceDelay time.Duration

	ConcurrencyKey *string
	ConcurrentLimit *int
	ConcurrencyWindowS *int
	CacheTTL *int
}

// Target is what Resolve derives from a Payload: everything the Queue Store
// row needs beyond what JobSpec already carries directly.
type Target struct {
	Kind queueKindHint
	RawCode *string
	RawLock *string
	ScriptHash *string
	RawFlow json.RawMessage
	FlowStatus json.RawMessage
	Language string
	Dedicated bool
}

// queueKindHint avoids an import cycle with internal/queue; Push maps it to
// queue.JobKind at insert time.
type queueKindHint string

const (
	hintScript queueKindHint = "script"
	hintFlow queueKindHint = "flow"
	hintDependencies queueKindHint = "dependencies"
	hintFlowDependencies queueKindHint = "flow_dependencies"
	hintAppDependencies queueKindHint = "app_dependencies"
	hintIdentity queueKindHint = "identity"
	hintNoop queueKindHint = "noop"
)

// Copyright 2025 James Ross
package flow

import (
	"encoding/json"
	"fmt"
)

// Retry policy constants mirror the MAX_RETRY_ATTEMPTS/MAX_RETRY_INTERVAL
// guards used to clamp a module's retry policy before scheduling a redispatch.
const (
	MaxRetryAttempts = 1000
	MaxRetryInterval = 24 * 60 * 60 // seconds
)

// ModuleState is the tagged-union state of a single flow module, persisted
// as part of FlowStatus rather than kept as an in-memory stack frame: every
// step is a fresh engine invocation that reads this back from the row.
type ModuleState string

const (
	StateWaitingForPriorSteps ModuleState = "waiting_for_prior_steps"
	StateInProgress           ModuleState = "in_progress"
	StateWaitingForEvents     ModuleState = "waiting_for_events"
	StateSuccess              ModuleState = "success"
	StateFailure              ModuleState = "failure"
)

// ModuleStatus is one entry of FlowStatus.Modules, identified by the
// definition's module id.
type ModuleStatus struct {
	ID    string      `json:"id"`
	State ModuleState `json:"state"`

	JobID    *string  `json:"job_id,omitempty"`
	FlowJobs []string `json:"flow_jobs,omitempty"` // forloop/branchall children, in order

	// Result is this module's own resolved output once State reaches
	// Success, kept on the status itself (rather than re-read from
	// completed_job) so `results.<step_id>` lookups for later modules in
	// the same flow never need an extra round-trip.
	Result json.RawMessage `json:"result,omitempty"`

	WaitingForEventsCount int `json:"waiting_for_events_count,omitempty"`

	IterationTotal int `json:"iteration_total,omitempty"`
	IterationIndex int `json:"iteration_index,omitempty"`
	BranchChosen   int `json:"branch_chosen,omitempty"`

	// LastArgs/LastRawFlow are the resolved dispatch inputs for this
	// module's most recent child, kept so a retry can redispatch an
	// identical child without re-evaluating input transforms against a
	// previous_result that is no longer otherwise available.
	LastArgs    json.RawMessage `json:"last_args,omitempty"`
	LastRawFlow json.RawMessage `json:"last_raw_flow,omitempty"`

	// Results accumulates per-iteration/per-branch outcomes for forloop and
	// branchall modules, indexed the same as FlowJobs.
	Results []json.RawMessage `json:"results,omitempty"`

	// Items is the forloop's evaluated iterator list, persisted so a
	// bounded-parallelism loop can dispatch the next pending iteration as
	// earlier ones complete without re-evaluating iterator_expr.
	Items []json.RawMessage `json:"items,omitempty"`

	// ResumePayloads/ResumeApprovers accumulate every resume event folded
	// in while this module sits in WaitingForEvents, in arrival order; they
	// become the next module's `resume`/`resumes`/`approvers` env bindings
	// once the module releases to Success.
	ResumePayloads  []json.RawMessage `json:"resume_payloads,omitempty"`
	ResumeApprovers []string          `json:"resume_approvers,omitempty"`
}

// RetryStatus tracks the currently-executing module's fail count and the
// job ids of its failed attempts.
type RetryStatus struct {
	FailCount  int      `json:"fail_count"`
	FailedJobs []string `json:"failed_jobs"`
}

// RestartedFrom records the provenance of a flow restarted from a given step.
type RestartedFrom struct {
	FlowJobID string `json:"flow_job_id"`
	StepID    string `json:"step_id"`
}

// Step identifies where the engine is: the preprocessor, a numbered module,
// or the failure module.
type Step struct {
	Preprocessor bool `json:"preprocessor,omitempty"`
	Index        int  `json:"index,omitempty"`
	Failure      bool `json:"failure,omitempty"`
}

func StepAt(i int) Step           { return Step{Index: i} }
func (s Step) IsFailure() bool     { return s.Failure }
func (s Step) IsPreprocessor() bool { return s.Preprocessor }

// Status is the persisted FlowStatus. It is the entirety of the engine's
// working state: there is no suspended call stack anywhere but in this
// struct, since every advance re-reads it from the job row.
type Status struct {
	Step          Step            `json:"step"`
	Preprocessor  *ModuleStatus   `json:"preprocessor,omitempty"`
	Modules       []ModuleStatus  `json:"modules"`
	FailureModule *ModuleStatus   `json:"failure_module,omitempty"`
	Retry         RetryStatus     `json:"retry"`
	RestartedFrom *RestartedFrom  `json:"restarted_from,omitempty"`
	UserStates    json.RawMessage `json:"user_states,omitempty"`
}

// Definition is the parsed shape of a flow's raw_flow column.
type Definition struct {
	Modules       []Module `json:"modules"`
	FailureModule *Module  `json:"failure_module,omitempty"`
	Preprocessor  *Module  `json:"preprocessor,omitempty"`
}

// ModuleKind is the per-module value union.
type ModuleKind string

const (
	ModRawScript ModuleKind = "raw_script"
	ModScript    ModuleKind = "script"
	ModFlow      ModuleKind = "flow"
	ModIdentity  ModuleKind = "identity"
	ModNoop      ModuleKind = "noop"
	ModForloop   ModuleKind = "forloop"
	ModBranchOne ModuleKind = "branch_one"
	ModBranchAll ModuleKind = "branch_all"
	ModWhileLoop ModuleKind = "while_loop"
)

// RetryPolicy is a module's retry configuration.
type RetryPolicy struct {
	Constant *struct {
		Attempts int `json:"attempts"`
		Seconds  int `json:"seconds"`
	} `json:"constant,omitempty"`
	Exponential *struct {
		Attempts    int `json:"attempts"`
		Multiplier  int `json:"multiplier"`
		Seconds     int `json:"seconds"`
	} `json:"exponential,omitempty"`
}

// StopAfterIf halts the flow after the module completes when Expr is truthy.
type StopAfterIf struct {
	Expr          string `json:"expr"`
	SkipIfStopped bool   `json:"skip_if_stopped"`
}

// Suspend parks a module waiting on external events until RequiredEvents
// arrive or TimeoutS elapses.
type Suspend struct {
	RequiredEvents int `json:"required_events"`
	TimeoutS       int `json:"timeout_s"`
}

// Branch is one arm of BranchOne/BranchAll.
type Branch struct {
	Expr        string   `json:"expr,omitempty"` // BranchOne only; empty means default
	Modules     []Module `json:"modules"`
	SkipFailure bool     `json:"skip_failure,omitempty"` // BranchAll only
}

// Module is a single flow step definition.
type Module struct {
	ID   string     `json:"id"`
	Kind ModuleKind `json:"kind"`

	Path       string `json:"path,omitempty"`
	ScriptHash string `json:"script_hash,omitempty"`
	Language   string `json:"language,omitempty"`
	Content    string `json:"content,omitempty"`

	FlowPath string `json:"flow_path,omitempty"`

	IteratorExpr string   `json:"iterator_expr,omitempty"`
	Modules      []Module `json:"modules,omitempty"` // ForloopFlow/WhileLoop body
	Parallel     bool     `json:"parallel,omitempty"`
	Parallelism  *int     `json:"parallelism,omitempty"`
	SkipFailures bool     `json:"skip_failures,omitempty"`

	Branches       []Branch `json:"branches,omitempty"`
	DefaultModules []Module `json:"default_modules,omitempty"` // BranchOne

	WhileCondExpr string `json:"while_cond_expr,omitempty"` // WhileLoop

	Retry       *RetryPolicy `json:"retry,omitempty"`
	StopAfterIf *StopAfterIf `json:"stop_after_if,omitempty"`
	Suspend     *Suspend     `json:"suspend,omitempty"`
	SleepS      *int         `json:"sleep_s,omitempty"`

	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
}

// InputTransform is either a static value or an expression evaluated in the
// flow's expression context.
type InputTransform struct {
	Static json.RawMessage `json:"static,omitempty"`
	Expr   string          `json:"expr,omitempty"`
}

// ParseDefinition decodes a flow's raw_flow column.
func ParseDefinition(raw json.RawMessage) (Definition, error) {
	var d Definition
	if len(raw) == 0 {
		return d, fmt.Errorf("flow: empty definition")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("flow: parse definition: %w", err)
	}
	return d, nil
}

// NewStatus builds the initial FlowStatus for a freshly-pushed flow job.
func NewStatus(raw json.RawMessage) (json.RawMessage, error) {
	def, err := ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	st := Status{
		Step:    startStep(def),
		Modules: initialModules(def.Modules),
	}
	if def.Preprocessor != nil {
		st.Preprocessor = &ModuleStatus{ID: def.Preprocessor.ID, State: StateWaitingForPriorSteps}
	}
	if def.FailureModule != nil {
		st.FailureModule = &ModuleStatus{ID: def.FailureModule.ID, State: StateWaitingForPriorSteps}
	}
	return json.Marshal(st)
}

func startStep(def Definition) Step {
	if def.Preprocessor != nil {
		return Step{Preprocessor: true}
	}
	return Step{Index: 0}
}

func initialModules(mods []Module) []ModuleStatus {
	out := make([]ModuleStatus, len(mods))
	for i, m := range mods {
		out[i] = ModuleStatus{ID: m.ID, State: StateWaitingForPriorSteps}
	}
	return out
}

// RestartStatus clones the original flow definition, keeps modules
// [0..step) with their statuses (which must all be Success), and resets
// from step onwards.
func RestartStatus(def json.RawMessage, origStatus json.RawMessage, stepID string) (json.RawMessage, error) {
	d, err := ParseDefinition(def)
	if err != nil {
		return nil, err
	}
	var orig Status
	if err := json.Unmarshal(origStatus, &orig); err != nil {
		return nil, fmt.Errorf("flow: parse original status: %w", err)
	}

	cut := -1
	for i, m := range d.Modules {
		if m.ID == stepID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("flow: restart step %q not found in definition", stepID)
	}

	modules := initialModules(d.Modules)
	for i := 0; i < cut; i++ {
		if i >= len(orig.Modules) || orig.Modules[i].State != StateSuccess {
			return nil, fmt.Errorf("flow: restart: module %d (%s) was not a success in the original run", i, d.Modules[i].ID)
		}
		modules[i] = orig.Modules[i]
	}

	st := Status{
		Step:    Step{Index: cut},
		Modules: modules,
		RestartedFrom: &RestartedFrom{
			StepID: stepID,
		},
	}
	if d.Preprocessor != nil {
		if orig.Preprocessor == nil || orig.Preprocessor.State != StateSuccess {
			return nil, fmt.Errorf("flow: restart: preprocessor was not a success in the original run")
		}
		st.Preprocessor = orig.Preprocessor
	}
	if d.FailureModule != nil {
		st.FailureModule = &ModuleStatus{ID: d.FailureModule.ID, State: StateWaitingForPriorSteps}
	}
	return json.Marshal(st)
}

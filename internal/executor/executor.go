// Copyright 2025 James Ross
package executor

import (
	"context"
	"encoding/json"

	"github.com/flowforge/jobqueue/internal/queue"
)

// Result is what a LanguageExecutor hands back to the worker once a job's
// script body has run to completion.
type Result struct {
	Success bool
	Output  json.RawMessage
	ErrVal  json.RawMessage
	MemPeakKB int
	// Logs is the executor's captured stdout/stderr for the run. Empty for
	// executors that ship logs some other way (e.g. straight to an
	// ObjectStore); the Completion Pipeline only inlines what's here.
	Logs string
}

// LanguageExecutor runs one job's script body inside jobDir (an isolated,
// per-job working directory the worker created) and returns its outcome.
// Implementations own the sandboxing/process-management details; none are
// provided here since the runtime for any one language is out of scope.
type LanguageExecutor interface {
	Execute(ctx context.Context, job *queue.Job, jobDir, authToken string) (Result, error)
}

// Registry resolves a job to the LanguageExecutor that should run it, keyed
// by RawCode's Language field, falling back to a default for kinds (identity,
// noop) that never carry one.
type Registry struct {
	byLanguage map[string]LanguageExecutor
	def        LanguageExecutor
}

// NewRegistry builds a Registry with def as the fallback for any language
// not present in byLanguage (and for the languageless identity/noop kinds).
func NewRegistry(def LanguageExecutor, byLanguage map[string]LanguageExecutor) *Registry {
	if byLanguage == nil {
		byLanguage = map[string]LanguageExecutor{}
	}
	return &Registry{byLanguage: byLanguage, def: def}
}

// Register adds or replaces the executor for a language tag.
func (r *Registry) Register(language string, ex LanguageExecutor) {
	r.byLanguage[language] = ex
}

// Resolve picks the executor for a job's language, the pattern the teacher
// uses to look up a Redis key by priority in Worker.Queues, generalized to a
// string->LanguageExecutor map.
func (r *Registry) Resolve(language string) LanguageExecutor {
	if ex, ok := r.byLanguage[language]; ok {
		return ex
	}
	return r.def
}

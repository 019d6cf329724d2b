// Copyright 2025 James Ross
package pusher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/jobqueue/internal/flow"
)

// ScriptRegistry fetches script source by hash. Implementations live outside
// this package (database-backed, or a hub client); the engine only needs the
// narrow read.
type ScriptRegistry interface {
	GetByHash(ctx context.Context, hash string) (content string, lock *string, language string, err error)
}

// ScriptHub fetches a script's latest deployed content by its hub path.
type ScriptHub interface {
	GetByPath(ctx context.Context, path string) (content string, lock *string, language string, err error)
}

// FlowRegistry reads flow definitions by path, and resolves completed flows
// for restart.
type FlowRegistry interface {
	GetByPath(ctx context.Context, path string) (definition json.RawMessage, err error)
	GetCompletedFlow(ctx context.Context, flowJobID string) (definition json.RawMessage, status json.RawMessage, err error)
}

// AppRegistry resolves an app's language dependency set by path and version.
type AppRegistry interface {
	GetByPathVersion(ctx context.Context, path, version string) (language string, err error)
}

// Resolver bundles every external lookup Resolve needs. A nil field is only
// an error if a Payload.Kind that needs it is actually pushed.
type Resolver struct {
	Scripts ScriptRegistry
	Hub ScriptHub
	Flows FlowRegistry
	Apps AppRegistry
}

// Resolve implements resolution table: given a typed-union
// Payload, produce the Target the Queue Store row is built from.
func (r *Resolver) Resolve(ctx context.Context, p Payload) (Target, error) {
	switch p.Kind {
	case PayloadScriptHash:
		if r.Scripts == nil {
			return Target{}, fmt.Errorf("pusher: no script registry configured")
		}
		content, lock, lang, err := r.Scripts.GetByHash(ctx, p.ScriptHash)
		if err != nil {
			return Target{}, fmt.Errorf("resolve script_hash %q: %w", p.ScriptHash, err)
		}
		hash := p.ScriptHash
		return Target{Kind: hintScript, RawCode: &content, RawLock: lock, ScriptHash: &hash, Language: lang}, nil

	case PayloadScriptHub:
		if r.Hub == nil {
			return Target{}, fmt.Errorf("pusher: no script hub configured")
		}
		content, lock, lang, err := r.Hub.GetByPath(ctx, p.HubPath)
		if err != nil {
			return Target{}, fmt.Errorf("resolve script_hub %q: %w", p.HubPath, err)
		}
		return Target{Kind: hintScript, RawCode: &content, RawLock: lock, Language: lang}, nil

	case PayloadInlineCode:
		content := p.InlineContent
		return Target{Kind: hintScript, RawCode: &content, RawLock: p.InlineLock, Language: p.Language}, nil

	case PayloadDependencies:
		content := p.DependencyPath
		return Target{Kind: hintDependencies, RawCode: &content, Language: p.Language}, nil

	case PayloadFlowDependencies:
		if r.Flows == nil {
			return Target{}, fmt.Errorf("pusher: no flow registry configured")
		}
		def, err := r.Flows.GetByPath(ctx, p.FlowPath)
		if err != nil {
			return Target{}, fmt.Errorf("resolve flow_dependencies %q: %w", p.FlowPath, err)
		}
		status, err := flow.NewStatus(def)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: hintFlowDependencies, RawFlow: def, FlowStatus: status}, nil

	case PayloadAppDependencies:
		if r.Apps == nil {
			return Target{}, fmt.Errorf("pusher: no app registry configured")
		}
		lang, err := r.Apps.GetByPathVersion(ctx, p.AppPath, p.AppVersion)
		if err != nil {
			return Target{}, fmt.Errorf("resolve app_dependencies %q@%q: %w", p.AppPath, p.AppVersion, err)
		}
		return Target{Kind: hintAppDependencies, Language: lang}, nil

	case PayloadRawFlow:
		status, err := flow.NewStatus(p.RawFlowDefinition)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: hintFlow, RawFlow: p.RawFlowDefinition, FlowStatus: status}, nil

	case PayloadFlow:
		if r.Flows == nil {
			return Target{}, fmt.Errorf("pusher: no flow registry configured")
		}
		def, err := r.Flows.GetByPath(ctx, p.FlowPath)
		if err != nil {
			return Target{}, fmt.Errorf("resolve flow %q: %w", p.FlowPath, err)
		}
		status, err := flow.NewStatus(def)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: hintFlow, RawFlow: def, FlowStatus: status}, nil

	case PayloadRestartedFlow:
		if r.Flows == nil {
			return Target{}, fmt.Errorf("pusher: no flow registry configured")
		}
		def, origStatus, err := r.Flows.GetCompletedFlow(ctx, p.RestartFromFlowJobID)
		if err != nil {
			return Target{}, fmt.Errorf("resolve restarted_flow %q: %w", p.RestartFromFlowJobID, err)
		}
		status, err := flow.RestartStatus(def, origStatus, p.RestartFromStepID)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: hintFlow, RawFlow: def, FlowStatus: status}, nil

	case PayloadIdentity:
		return Target{Kind: hintIdentity}, nil

	case PayloadNoop:
		return Target{Kind: hintNoop}, nil

	default:
		return Target{}, fmt.Errorf("pusher: unknown payload kind %q", p.Kind)
	}
}

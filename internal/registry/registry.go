// Copyright 2025 James Ross
// Package registry backs the narrow lookup interfaces internal/pusher and
// internal/completion declare (ScriptRegistry, ScriptHub, FlowRegistry,
// AppRegistry) with the same Postgres database the Queue Store uses. The
// HTTP CRUD surface for authoring scripts/flows/apps is out of scope (see
// spec.md §1's Non-goals), but the Pusher still needs somewhere real to
// resolve a hash/path to content, so this is the minimal system-of-record
// table set that makes those lookups concrete instead of stubbed.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/flowforge/jobqueue/internal/queue"
)

// Schema is the DDL for the script/flow/app catalogs. Like queue.Schema,
// migrations are out of scope; this stands up a disposable database for
// tests and single-node deployments.
const Schema = `
CREATE TABLE IF NOT EXISTS scripts (
	hash TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	lock TEXT,
	language TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS script_hub (
	path TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	lock TEXT,
	language TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flows (
	path TEXT PRIMARY KEY,
	definition JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS apps (
	path TEXT NOT NULL,
	version TEXT NOT NULL,
	language TEXT NOT NULL,
	PRIMARY KEY (path, version)
);
`

// ScriptStore backs pusher.ScriptRegistry (by hash) and pusher.ScriptHub (by
// path) against the same database.
type ScriptStore struct {
	db *sql.DB
}

func NewScriptStore(db *sql.DB) *ScriptStore { return &ScriptStore{db: db} }

// Put registers a script's content under its hash, for the Pusher's
// ScriptHash resolution path. Callers (deploy pipelines, the out-of-scope
// HTTP CRUD surface) compute the hash; this store never does.
func (s *ScriptStore) Put(ctx context.Context, hash, content string, lock *string, language string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (hash, content, lock, language) VALUES ($1,$2,$3,$4)
		ON CONFLICT (hash) DO UPDATE SET content = EXCLUDED.content, lock = EXCLUDED.lock, language = EXCLUDED.language`,
		hash, content, lock, language)
	return err
}

// GetByHash implements pusher.ScriptRegistry.
func (s *ScriptStore) GetByHash(ctx context.Context, hash string) (content string, lock *string, language string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT content, lock, language FROM scripts WHERE hash = $1`, hash)
	if err = row.Scan(&content, &lock, &language); err == sql.ErrNoRows {
		return "", nil, "", queue.Wrap(queue.KindNotFound, err)
	}
	return content, lock, language, err
}

// PutHub registers a script under its hub-deployed path, for ScriptHub's
// path-based lookup.
func (s *ScriptStore) PutHub(ctx context.Context, path, content string, lock *string, language string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_hub (path, content, lock, language) VALUES ($1,$2,$3,$4)
		ON CONFLICT (path) DO UPDATE SET content = EXCLUDED.content, lock = EXCLUDED.lock, language = EXCLUDED.language`,
		path, content, lock, language)
	return err
}

// GetByPath implements pusher.ScriptHub.
func (s *ScriptStore) GetByPath(ctx context.Context, path string) (content string, lock *string, language string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT content, lock, language FROM script_hub WHERE path = $1`, path)
	if err = row.Scan(&content, &lock, &language); err == sql.ErrNoRows {
		return "", nil, "", queue.Wrap(queue.KindNotFound, err)
	}
	return content, lock, language, err
}

// FlowStore backs pusher.FlowRegistry and completion.FlowSource: the
// definitions-by-path table, plus a GetCompletedFlow read straight off the
// completed_job row for restart-from-step (the original definition a
// completed flow ran with is only ever recoverable from its own snapshot,
// not the mutable "latest deployed" flows table).
type FlowStore struct {
	db *sql.DB
}

func NewFlowStore(db *sql.DB) *FlowStore { return &FlowStore{db: db} }

// Put registers (or replaces) a flow definition under its deploy path.
func (f *FlowStore) Put(ctx context.Context, path string, definition json.RawMessage) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO flows (path, definition) VALUES ($1,$2)
		ON CONFLICT (path) DO UPDATE SET definition = EXCLUDED.definition`,
		path, []byte(definition))
	return err
}

// GetByPath implements pusher.FlowRegistry and completion.FlowSource.
func (f *FlowStore) GetByPath(ctx context.Context, path string) (json.RawMessage, error) {
	var def json.RawMessage
	row := f.db.QueryRowContext(ctx, `SELECT definition FROM flows WHERE path = $1`, path)
	if err := row.Scan(&def); err != nil {
		if err == sql.ErrNoRows {
			return nil, queue.Wrap(queue.KindNotFound, err)
		}
		return nil, err
	}
	return def, nil
}

// GetCompletedFlow implements pusher.FlowRegistry's restart-from-step read:
// the original definition and the flow status it finished with, recovered
// from the completed_job row's immutable snapshot rather than the mutable
// flows catalog.
func (f *FlowStore) GetCompletedFlow(ctx context.Context, flowJobID string) (definition json.RawMessage, status json.RawMessage, err error) {
	var rowJSON []byte
	row := f.db.QueryRowContext(ctx, `SELECT row FROM completed_job WHERE id = $1`, flowJobID)
	if err = row.Scan(&rowJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, queue.Wrap(queue.KindNotFound, err)
		}
		return nil, nil, err
	}
	var snapshot queue.Job
	if err = json.Unmarshal(rowJSON, &snapshot); err != nil {
		return nil, nil, err
	}
	return snapshot.RawFlow, snapshot.FlowStatus, nil
}

// AppStore backs pusher.AppRegistry: an app bundle's resolved language by
// (path, version), the only field AppDependencies jobs need to pick a
// dependency-resolution executor.
type AppStore struct {
	db *sql.DB
}

func NewAppStore(db *sql.DB) *AppStore { return &AppStore{db: db} }

// Put registers an app bundle's language at a given version.
func (a *AppStore) Put(ctx context.Context, path, version, language string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO apps (path, version, language) VALUES ($1,$2,$3)
		ON CONFLICT (path, version) DO UPDATE SET language = EXCLUDED.language`,
		path, version, language)
	return err
}

// GetByPathVersion implements pusher.AppRegistry.
func (a *AppStore) GetByPathVersion(ctx context.Context, path, version string) (language string, err error) {
	row := a.db.QueryRowContext(ctx, `SELECT language FROM apps WHERE path = $1 AND version = $2`, path, version)
	if err = row.Scan(&language); err == sql.ErrNoRows {
		return "", queue.Wrap(queue.KindNotFound, err)
	}
	return language, err
}

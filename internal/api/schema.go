// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// overridesSchemaJSON constrains the query-string push overrides
// (internal/api.pushOverrides) the way the Pusher's JobSpec expects them:
// tag/priority/timeout are the right types, concurrency/debounce windows
// are non-negative. Validating here first means a malformed override never
// reaches the Pusher.
const overridesSchemaJSON = `{
  "type": "object",
  "properties": {
    "tag": {"type": "string"},
    "timeout": {"type": "integer", "minimum": 0},
    "priority": {"type": "integer"},
    "same_worker": {"type": "boolean"},
    "visible_to_owner": {"type": "boolean"},
    "debounce_key_template": {"type": "string"},
    "debounce_delay_s": {"type": "integer", "minimum": 0},
    "concurrency_key": {"type": "string"},
    "concurrent_limit": {"type": "integer", "minimum": 0},
    "concurrency_window_s": {"type": "integer", "minimum": 0},
    "cache_ttl": {"type": "integer", "minimum": 0},
    "parent_job": {"type": "string"},
    "root_job": {"type": "string"},
    "job_id": {"type": "string"}
  }
}`

// overridesSchema wraps the compiled overrides schema so every request
// reuses one parsed gojsonschema.Schema instead of reloading the document
// per call.
type overridesSchema struct {
	schema *gojsonschema.Schema
}

func newOverridesSchema() *overridesSchema {
	loader := gojsonschema.NewStringLoader(overridesSchemaJSON)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(fmt.Sprintf("api: invalid overrides schema: %v", err))
	}
	return &overridesSchema{schema: compiled}
}

// Validate marshals o and checks it against the overrides schema, returning
// a single combined error describing every violation found.
func (s *overridesSchema) Validate(o pushOverrides) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("api: marshal overrides: %w", err)
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("api: validate overrides: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "invalid push overrides:"
	for _, e := range result.Errors() {
		msg += " " + e.String() + ";"
	}
	return fmt.Errorf("%s", msg)
}

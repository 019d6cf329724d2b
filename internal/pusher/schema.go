// Copyright 2025 James Ross
package pusher

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// jobSpecSchema validates a JobSpec's shape before it reaches the Pusher.
// Kept intentionally permissive on the per-kind field groups (Resolve
// enforces which fields matter for a given Kind); this layer only rejects
// structurally malformed input.
const jobSpecSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {
      "type": "string",
      "enum": [
        "script_hash", "script_hub", "inline_code", "dependencies",
        "flow_dependencies", "app_dependencies", "raw_flow", "flow",
        "restarted_flow", "identity", "noop"
      ]
    }
  }
}`

var jobSpecSchemaLoader = gojsonschema.NewStringLoader(jobSpecSchema)

// ValidatePayload checks p against the published JobSpec schema.
func ValidatePayload(p Payload) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pusher: marshal payload for validation: %w", err)
	}
	result, err := gojsonschema.Validate(jobSpecSchemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("pusher: schema validation: %w", err)
	}
	if !result.Valid() {
		msg := "invalid job payload:"
		for _, e := range result.Errors() {
			msg += " " + e.String() + ";"
		}
		return fmt.Errorf("pusher: %s", msg)
	}
	return nil
}

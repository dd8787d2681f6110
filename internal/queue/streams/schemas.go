package streams

import "fmt"

const (
	// EventJobEnqueued announces a newly created job awaiting execution.
	EventJobEnqueued = "job.enqueued"
	// VersionV1 is the current payload version.
	VersionV1 = "v1"
)

// JobEnqueued is the job.enqueued v1 payload.
type JobEnqueued struct {
	JobID  int64  `json:"job_id"`
	Prompt string `json:"prompt"`
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventJobEnqueued,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "prompt"],
  "properties": {
    "job_id": {"type": "integer", "minimum": 1},
    "prompt": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas registers every built-in event schema.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

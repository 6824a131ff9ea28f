package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. Opaque fields (endpoint, config, metadata, result,
// metrics, error_details) are only constrained to be objects; the store
// never inspects them and neither does the gateway.
const (
	schemaCreateSession = `{
		"type": "object",
		"properties": {
			"config":   {"type": "object"},
			"metadata": {"type": "object"}
		},
		"additionalProperties": false
	}`

	schemaUpdateMetadata = `{
		"type": "object",
		"properties": {
			"metadata": {"type": "object"}
		},
		"required": ["metadata"],
		"additionalProperties": false
	}`

	schemaEnqueueTask = `{
		"type": "object",
		"properties": {
			"session_id":          {"type": "string", "minLength": 1},
			"endpoint":            {"type": "object"},
			"priority":            {"type": "integer", "minimum": 1, "maximum": 5},
			"max_retries":         {"type": "integer", "minimum": 0},
			"retry_delay_seconds": {"type": "integer", "minimum": 0},
			"metadata":            {"type": "object"}
		},
		"required": ["session_id", "endpoint"],
		"additionalProperties": false
	}`

	schemaEnqueueBatch = `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"tasks": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"endpoint":            {"type": "object"},
						"priority":            {"type": "integer", "minimum": 1, "maximum": 5},
						"max_retries":         {"type": "integer", "minimum": 0},
						"retry_delay_seconds": {"type": "integer", "minimum": 0},
						"metadata":            {"type": "object"}
					},
					"required": ["endpoint"],
					"additionalProperties": false
				}
			}
		},
		"required": ["session_id", "tasks"],
		"additionalProperties": false
	}`

	schemaRegisterWorker = `{
		"type": "object",
		"properties": {
			"worker_id":            {"type": "string"},
			"name":                 {"type": "string", "minLength": 1},
			"worker_type":          {"type": "string"},
			"capabilities":         {"type": "array"},
			"max_concurrent_tasks": {"type": "integer", "minimum": 1}
		},
		"required": ["name"],
		"additionalProperties": false
	}`

	schemaHeartbeat = `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["idle", "busy", "error"]}
		},
		"additionalProperties": false
	}`

	schemaCompleteReport = `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"result":  {"type": "object"},
			"metrics": {"type": "object"}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`

	schemaFailReport = `{
		"type": "object",
		"properties": {
			"task_id":       {"type": "string", "minLength": 1},
			"error_type":    {"type": "string", "minLength": 1},
			"error_message": {"type": "string"},
			"error_details": {"type": "object"},
			"recoverable":   {"type": "boolean"}
		},
		"required": ["task_id", "error_type"],
		"additionalProperties": false
	}`
)

var requestSchemas = mustCompileSchemas(map[string]string{
	"create_session":  schemaCreateSession,
	"update_metadata": schemaUpdateMetadata,
	"enqueue_task":    schemaEnqueueTask,
	"enqueue_batch":   schemaEnqueueBatch,
	"register_worker": schemaRegisterWorker,
	"heartbeat":       schemaHeartbeat,
	"complete_report": schemaCompleteReport,
	"fail_report":     schemaFailReport,
})

// mustCompileSchemas compiles the embedded schema literals. A failure here
// is a build defect, not a runtime condition.
func mustCompileSchemas(sources map[string]string) map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("gateway: unmarshal schema %s: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("gateway: add schema %s: %v", name, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("gateway: compile schema %s: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

// decodeValidated reads the body, validates it against the named schema and
// unmarshals it into dst. It returns an HTTP status plus message on failure
// so handlers can pass them straight to jsonError.
func decodeValidated(r *http.Request, schemaName string, dst any) (int, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err)
	}
	schema, ok := requestSchemas[schemaName]
	if !ok {
		return http.StatusInternalServerError, fmt.Errorf("unknown request schema %q", schemaName)
	}
	if err := schema.Validate(doc); err != nil {
		return http.StatusBadRequest, fmt.Errorf("request validation failed: %w", err)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return http.StatusBadRequest, fmt.Errorf("decode request: %w", err)
	}
	return http.StatusOK, nil
}

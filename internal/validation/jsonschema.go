package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/quill/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quill.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "goals": { "type": "string" },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/item" }
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/item" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "item": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "artifacts": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "condition": { "type": "string" },
        "done_when": { "type": "string" },
        "status": { "type": "string", "enum": ["completed", "skipped"] },
        "context_for_next": { "$ref": "#/$defs/handoff" }
      },
      "additionalProperties": false
    },
    "handoff": {
      "type": "object",
      "properties": {
        "summary": { "type": "string" },
        "recommendations": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// responseSchemaJSON is the JSON Schema for external API responses. The union
// shape is permissive by design: shape selection happens in Response.Kind, so
// the schema only pins field types and known enum values.
const responseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quill.dev/schemas/response.json",
  "type": "object",
  "properties": {
    "stages": { "type": "array", "items": { "$ref": "https://quill.dev/schemas/template.json#/$defs/item" } },
    "steps": { "type": "array", "items": { "$ref": "https://quill.dev/schemas/template.json#/$defs/item" } },
    "behavior": { "$ref": "https://quill.dev/schemas/template.json#/$defs/item" },
    "goals": { "type": "string" },
    "focus": { "type": "string" },
    "actions": {
      "type": "array",
      "items": { "$ref": "#/$defs/action" }
    },
    "behavior_is_complete": { "type": "boolean" },
    "continue_behaviors": { "type": "boolean" },
    "target_achieved": { "type": "boolean" },
    "next_state": { "type": "string" },
    "variables_produced": { "type": "object" },
    "outputs_tracking": { "$ref": "#/$defs/tracking" },
    "context_for_next": { "$ref": "https://quill.dev/schemas/template.json#/$defs/handoff" },
    "context_update": { "type": "object" },
    "template": { "$ref": "https://quill.dev/schemas/template.json" },
    "_auto_trigger": { "type": "string" },
    "control": { "type": "string", "enum": ["cancel", "fail"] },
    "error": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["add_text", "add_code", "update_cell", "run_code", "mark_thinking"]
        },
        "content": { "type": "string" },
        "cell_id": { "type": "string" },
        "metadata": { "type": "object" }
      },
      "additionalProperties": false
    },
    "tracking": {
      "type": "object",
      "properties": {
        "expected": { "$ref": "#/$defs/output_items" },
        "produced": { "$ref": "#/$defs/output_items" },
        "in_progress": { "$ref": "#/$defs/output_items" }
      },
      "additionalProperties": false
    },
    "output_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema
	responseSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the template and
// response schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, raw := range map[string]string{
		"https://quill.dev/schemas/template.json": templateSchemaJSON,
		"https://quill.dev/schemas/response.json": responseSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	tplSchema, err := c.Compile("https://quill.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	respSchema, err := c.Compile("https://quill.dev/schemas/response.json")
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}

	return &JSONSchemaValidator{
		templateSchema: tplSchema,
		responseSchema: respSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplate validates a WorkflowTemplate against the template JSON Schema.
func (v *JSONSchemaValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow template").WithCause(err)
	}

	if err := v.templateSchema.Validate(doc); err != nil {
		return toQuillError(err)
	}
	return nil
}

// ValidateResponse validates raw external API response bytes against the
// response JSON Schema. Called at the boundary before the bytes are
// unmarshalled into a Response.
func (v *JSONSchemaValidator) ValidateResponse(raw json.RawMessage) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "empty response body")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "response is not valid JSON").WithCause(err)
	}

	if err := v.responseSchema.Validate(doc); err != nil {
		return toQuillError(err)
	}
	return nil
}

// ValidateAgainst validates data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateAgainst(data map[string]any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toQuillError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("quill://dynamic-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toQuillError converts a jsonschema.ValidationError into a QuillError with
// clear, actionable messages for agent consumption.
func toQuillError(err error) *schema.QuillError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations for agent-friendly error reporting.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

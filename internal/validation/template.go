package validation

import (
	"encoding/json"

	"github.com/rendis/quill/pkg/schema"
)

// TemplateValidator orchestrates the two-stage template validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (id uniqueness, artifact names)
type TemplateValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewTemplateValidator creates a TemplateValidator.
func NewTemplateValidator() (*TemplateValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (tv *TemplateValidator) Validate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	if tpl == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow template is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(tv.jsonSchema, tpl)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(tpl))
	return result
}

// ValidateTemplate satisfies the Validator interface.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	return tv.Validate(tpl).ToError()
}

// ValidateResponse delegates to the underlying JSONSchemaValidator.
func (tv *TemplateValidator) ValidateResponse(raw json.RawMessage) error {
	return tv.jsonSchema.ValidateResponse(raw)
}

// validateStructural wraps JSONSchemaValidator.ValidateTemplate, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateTemplate(tpl)
	if err == nil {
		return result
	}

	qerr, ok := err.(*schema.QuillError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if qerr.Details != nil {
		if violations, ok := qerr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, qerr.Message)
	return result
}

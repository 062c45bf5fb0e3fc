package validation

import (
	"encoding/json"

	"github.com/rendis/quill/pkg/schema"
)

// Validator checks workflow templates and external API responses before they
// reach the engine. Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateTemplate(tpl *schema.WorkflowTemplate) error
	ValidateResponse(raw json.RawMessage) error
}

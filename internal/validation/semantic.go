package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/quill/pkg/schema"
)

// validateSemantic runs the checks JSON Schema cannot express: identifier
// uniqueness, artifact naming, and focus token references.
func validateSemantic(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	checkItems(result, "/stages", tpl.Stages)
	checkItems(result, "/steps", tpl.Steps)

	return result
}

func checkItems(result *schema.ValidationResult, path string, items []schema.WorkItem) {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		itemPath := fmt.Sprintf("%s/%d", path, i)

		if _, dup := seen[item.ID]; dup {
			result.AddError(itemPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate item id %q", item.ID))
		}
		seen[item.ID] = struct{}{}

		for name := range item.Artifacts {
			if strings.TrimSpace(name) == "" {
				result.AddError(itemPath+"/artifacts", schema.ErrCodeValidation,
					"artifact name must not be blank")
			}
		}

		if item.Name == "" {
			result.AddWarning(itemPath, schema.ErrCodeValidation,
				fmt.Sprintf("item %q has no display name", item.ID))
		}
	}
}

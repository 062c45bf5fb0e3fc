package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/pkg/schema"
)

func validTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		Name:  "data-analysis",
		Goals: "answer the research question",
		Stages: []schema.WorkItem{
			{ID: "stage-1", Name: "Explore", Artifacts: map[string]string{"summary_stats": "basic stats"}},
			{ID: "stage-2", Name: "Model"},
		},
	}
}

func TestValidateTemplate_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateTemplate(validTemplate()))
}

func TestValidateTemplate_Invalid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*schema.WorkflowTemplate)
	}{
		{"missing name", func(tpl *schema.WorkflowTemplate) { tpl.Name = "" }},
		{"no stages", func(tpl *schema.WorkflowTemplate) { tpl.Stages = nil }},
		{"blank stage id", func(tpl *schema.WorkflowTemplate) { tpl.Stages[0].ID = "" }},
		{"bad status", func(tpl *schema.WorkflowTemplate) { tpl.Stages[0].Status = "in_flight" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(tpl)

			err := v.ValidateTemplate(tpl)
			require.Error(t, err)
			var qerr *schema.QuillError
			require.ErrorAs(t, err, &qerr)
			assert.Equal(t, schema.ErrCodeValidation, qerr.Code)
		})
	}
}

func TestValidateTemplate_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	require.Error(t, v.ValidateTemplate(nil))
}

func TestValidateResponse(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "stages list",
			raw:  `{"stages": [{"id": "stage-1", "name": "Explore"}], "goals": "analyze"}`,
		},
		{
			name: "action batch",
			raw:  `{"actions": [{"type": "add_code", "content": "df.head()"}]}`,
		},
		{
			name: "reflection",
			raw: `{"behavior_is_complete": true, "variables_produced": {"rows": 10},
				"outputs_tracking": {"produced": [{"name": "clean_frame"}]}}`,
		},
		{
			name: "control",
			raw:  `{"control": "cancel"}`,
		},
		{
			name:    "unknown action type",
			raw:     `{"actions": [{"type": "delete_everything"}]}`,
			wantErr: true,
		},
		{
			name:    "unknown top-level field",
			raw:     `{"stagez": []}`,
			wantErr: true,
		},
		{
			name:    "blank output name",
			raw:     `{"outputs_tracking": {"produced": [{"name": ""}]}}`,
			wantErr: true,
		},
		{
			name:    "bad control verb",
			raw:     `{"control": "pause"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `{{{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateResponse(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateResponse_Empty(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	require.Error(t, v.ValidateResponse(nil))
}

func TestValidateAgainst_CachesDynamicSchemas(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	dynSchema := []byte(`{"type": "object", "required": ["run_id"], "properties": {"run_id": {"type": "string"}}}`)

	require.NoError(t, v.ValidateAgainst(map[string]any{"run_id": "r-1"}, dynSchema))
	require.Error(t, v.ValidateAgainst(map[string]any{}, dynSchema))
	assert.Len(t, v.cache, 1)
}

func TestValidationErrorListsViolations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tpl := validTemplate()
	tpl.Name = ""
	tpl.Stages[0].ID = ""

	verr := v.ValidateTemplate(tpl)
	require.Error(t, verr)
	var qerr *schema.QuillError
	require.ErrorAs(t, verr, &qerr)
	violations, ok := qerr.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}

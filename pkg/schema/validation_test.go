package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("stages[0].id", ErrCodeValidation, "duplicate stage id")

	assert.False(t, r.Valid())
	errs := r.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "stages[0].id", errs[0].Path)
	assert.Equal(t, ErrCodeValidation, errs[0].Code)
	assert.Equal(t, "duplicate stage id", errs[0].Message)
	assert.Equal(t, SeverityError, errs[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("stages[1].condition", ErrCodeValidation, "condition references undeclared variable")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	warns := r.Warnings()
	require.Len(t, warns, 1)
	assert.Equal(t, SeverityWarning, warns[0].Severity)
	assert.Empty(t, r.Errors())
}

func TestValidationResult_IssuesKeepReportOrder(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[0]", ErrCodeValidation, "warn first")
	r.AddError("stages[0]", ErrCodeValidation, "err second")
	r.AddWarning("steps[2]", ErrCodeValidation, "warn third")

	require.Len(t, r.Issues, 3)
	assert.Equal(t, "warn first", r.Issues[0].Message)
	assert.Equal(t, "err second", r.Issues[1].Message)
	assert.Equal(t, "warn third", r.Issues[2].Message)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("stages[0]", ErrCodeValidation, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors(), 2)
	assert.Len(t, r1.Warnings(), 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors(), 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("stages[0].id", ErrCodeValidation, "duplicate stage id")

	err := r.ToError()
	require.NotNil(t, err)

	qErr, ok := err.(*QuillError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, qErr.Code)
	assert.Equal(t, "stages[0].id: duplicate stage id", qErr.Message)
	assert.Equal(t, 1, qErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("stages[0]", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	qErr, ok := err.(*QuillError)
	require.True(t, ok)
	assert.Contains(t, qErr.Message, "2 errors")
	assert.Contains(t, qErr.Message, "stages[0]: err1")
	assert.Equal(t, 2, qErr.Details["error_count"])
	assert.Equal(t, 1, qErr.Details["warning_count"])
}

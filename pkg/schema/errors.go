package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNoHandler         = "NO_HANDLER"
	ErrCodeMissingContext    = "MISSING_CONTEXT"
	ErrCodeAPITimeout        = "API_TIMEOUT"
	ErrCodeAPIError          = "API_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeBridge            = "BRIDGE_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// QuillError is the structured error type for all quill operations.
type QuillError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *QuillError) Error() string {
	switch {
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.StageID != "":
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *QuillError) Unwrap() error {
	return e.Cause
}

// NewError creates a new QuillError.
func NewError(code, message string) *QuillError {
	return &QuillError{Code: code, Message: message}
}

// NewErrorf creates a new QuillError with a formatted message.
func NewErrorf(code, format string, args ...any) *QuillError {
	return &QuillError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *QuillError) WithStage(stageID string) *QuillError {
	e.StageID = stageID
	return e
}

// WithStep attaches a step ID to the error.
func (e *QuillError) WithStep(stepID string) *QuillError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *QuillError) WithCause(err error) *QuillError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *QuillError) WithDetails(details map[string]any) *QuillError {
	e.Details = details
	return e
}

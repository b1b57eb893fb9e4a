package pipeline

import (
	"errors"
	"fmt"
)

// Code classifies observable pipeline failures.
type Code string

const (
	// CodeInputInvalid marks a malformed request; the pipeline did not run.
	CodeInputInvalid Code = "INPUT_INVALID"

	// CodeValidationFailed marks a post-condition failure that survived
	// every fallback state. The caller must not forward the prompt.
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

// Error is the typed failure the orchestrator returns. Upstream
// degradations never surface here; they are recorded in stats instead.
type Error struct {
	Code    Code
	TraceID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (trace %s): %v", e.Code, e.Message, e.TraceID, e.Err)
	}
	return fmt.Sprintf("%s: %s (trace %s)", e.Code, e.Message, e.TraceID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a pipeline *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

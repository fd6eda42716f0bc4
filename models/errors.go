package models

import "fmt"

// Error codes used across the pipeline and in operator-facing output.
const (
	ErrCodeExpansionExhausted = "EXPANSION_EXHAUSTED"
	ErrCodeHiddenContent      = "HIDDEN_CONTENT_REMAINS"
	ErrCodeLowDensity         = "LOW_CONTENT_DENSITY"
	ErrCodeNavigation         = "NAVIGATION_FAILED"
	ErrCodeSurfaceClosed      = "SURFACE_CLOSED"
	ErrCodeCaptureFailed      = "CAPTURE_FAILED"
	ErrCodeDuplicateKey       = "DUPLICATE_KEY"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeStoreCorrupt       = "STORE_CORRUPT"
	ErrCodeInvalidInput       = "INVALID_INPUT"
)

// PipelineError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type PipelineError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(code, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the pipeline error code from err, or "" if err carries none.
func CodeOf(err error) string {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			return pe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Retryable reports whether an operator retry can plausibly succeed.
// Usage errors (duplicate keys, missing slugs) and store corruption are not
// retryable; everything the target surface can cause is.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDuplicateKey, ErrCodeNotFound, ErrCodeStoreCorrupt, ErrCodeInvalidInput:
		return false
	default:
		return true
	}
}

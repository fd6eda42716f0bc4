package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	e := NewPipelineError(ErrCodeLowDensity, "too uniform", nil)
	want := "LOW_CONTENT_DENSITY: too uniform"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	wrapped := NewPipelineError(ErrCodeNavigation, "nav failed", errors.New("timeout"))
	if got := wrapped.Error(); got != "NAVIGATION_FAILED: nav failed: timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := NewPipelineError(ErrCodeStoreCorrupt, "boom", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("plain"), ""},
		{"pipeline error", NewPipelineError(ErrCodeHiddenContent, "x", nil), ErrCodeHiddenContent},
		{"wrapped pipeline error", fmt.Errorf("outer: %w",
			NewPipelineError(ErrCodeDuplicateKey, "x", nil)), ErrCodeDuplicateKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(NewPipelineError(ErrCodeDuplicateKey, "x", nil)) {
		t.Error("duplicate key should not be retryable")
	}
	if Retryable(NewPipelineError(ErrCodeNotFound, "x", nil)) {
		t.Error("not found should not be retryable")
	}
	if !Retryable(NewPipelineError(ErrCodeExpansionExhausted, "x", nil)) {
		t.Error("expansion exhaustion should be retryable")
	}
	if !Retryable(errors.New("some transient thing")) {
		t.Error("unclassified errors should be retryable")
	}
}

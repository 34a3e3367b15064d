package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWorkflowError(t *testing.T) {
	tests := []struct {
		name     string
		kind     ErrorKind
		stage    Stage
		message  string
		expected string
	}{
		{
			name:     "Stage error",
			kind:     KindTransportFailure,
			stage:    StageSuggestion,
			message:  "connection refused",
			expected: "suggestion: TRANSPORT_FAILURE: connection refused",
		},
		{
			name:     "Error without stage",
			kind:     KindMissingInput,
			message:  "image is required",
			expected: "MISSING_INPUT: image is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewWorkflowError(tt.kind, tt.stage, tt.message)

			if err.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, err.Kind)
			}

			if err.Stage != tt.stage {
				t.Errorf("Expected stage %s, got %s", tt.stage, err.Stage)
			}

			// Check that timestamp is recent (within last minute)
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			if err.Error() != tt.expected {
				t.Errorf("Expected error string %s, got %s", tt.expected, err.Error())
			}
		})
	}
}

func TestWorkflowErrorSentinels(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewWorkflowError(KindSuperseded, StageReport, "superseded"))

	if !errors.Is(err, ErrSuperseded) {
		t.Error("Expected wrapped error to match ErrSuperseded")
	}
	if errors.Is(err, ErrBackendError) {
		t.Error("Superseded error should not match ErrBackendError")
	}
	if !IsKind(err, KindSuperseded) {
		t.Errorf("Expected kind %s, got %s", KindSuperseded, KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("Foreign errors should have no kind")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "Backend detail is surfaced verbatim",
			err:      NewBackendError(StageUpload, 400, "backend returned status 400", "Invalid PDF file"),
			expected: "Invalid PDF file",
		},
		{
			name:     "Message used when no detail",
			err:      NewTransportError(StageUpload, MsgRequestTimedOut, errors.New("deadline")),
			expected: MsgRequestTimedOut,
		},
		{
			name:     "Fallback for foreign errors",
			err:      errors.New("boom"),
			expected: MsgAnalysisFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err, MsgAnalysisFailed); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestWithStage(t *testing.T) {
	original := NewBackendError("", 502, "bad gateway", "")
	staged := WithStage(original, StageDiagnoses)

	var we *WorkflowError
	if !errors.As(staged, &we) {
		t.Fatal("Expected WorkflowError")
	}
	if we.Stage != StageDiagnoses {
		t.Errorf("Expected stage %s, got %s", StageDiagnoses, we.Stage)
	}
	if original.Stage != "" {
		t.Error("WithStage must not mutate the original error")
	}
	if !we.Retryable() {
		t.Error("Backend errors should be retryable")
	}
}

func TestErrorKindConstants(t *testing.T) {
	expectedValues := map[ErrorKind]string{
		KindMissingInput:      "MISSING_INPUT",
		KindMissingAssessment: "MISSING_ASSESSMENT",
		KindMissingDependency: "MISSING_DEPENDENCY",
		KindTransportFailure:  "TRANSPORT_FAILURE",
		KindBackendError:      "BACKEND_ERROR",
		KindSuperseded:        "SUPERSEDED",
		KindWorkflowComplete:  "WORKFLOW_COMPLETE",
	}

	for kind, expected := range expectedValues {
		if string(kind) != expected {
			t.Errorf("Expected %s, got %s", expected, kind)
		}
	}
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies workflow failures
type ErrorKind string

// Error kinds for the different failure scenarios
const (
	KindMissingInput      ErrorKind = "MISSING_INPUT"
	KindMissingAssessment ErrorKind = "MISSING_ASSESSMENT"
	KindMissingDependency ErrorKind = "MISSING_DEPENDENCY"
	KindTransportFailure  ErrorKind = "TRANSPORT_FAILURE"
	KindBackendError      ErrorKind = "BACKEND_ERROR"
	KindSuperseded        ErrorKind = "SUPERSEDED"
	KindWorkflowComplete  ErrorKind = "WORKFLOW_COMPLETE"
)

// Stage names one of the dependent asynchronous steps
type Stage string

const (
	StageUpload     Stage = "upload"
	StageDiagnoses  Stage = "diagnoses"
	StageSuggestion Stage = "suggestion"
	StageTreatments Stage = "treatments"
	StageReport     Stage = "report"
)

// User-facing fallback messages
const (
	MsgAnalysisFailed    = "Analysis failed. Please check files and try again."
	MsgRequestTimedOut   = "Request timed out. Please try again."
	MsgServiceFailure    = "The analysis service could not be reached. Please try again."
	MsgMissingArtifacts  = "Please upload both required files"
	MsgMissingAssessment = "Please enter your clinical assessment before generating the report"
)

// WorkflowError is the error type returned by every stage of the workflow
type WorkflowError struct {
	Kind       ErrorKind `json:"kind"`
	Stage      Stage     `json:"stage,omitempty"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	Field      string    `json:"field,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Err        error     `json:"-"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is matches another WorkflowError of the same kind, so sentinel-style
// comparisons such as errors.Is(err, ErrSuperseded) work.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// UserMessage returns the text a stage renders inline: the backend detail when
// present, else the message.
func (e *WorkflowError) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}

// Retryable reports whether repeating the same action may succeed
func (e *WorkflowError) Retryable() bool {
	switch e.Kind {
	case KindTransportFailure, KindBackendError:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrMissingInput      = &WorkflowError{Kind: KindMissingInput}
	ErrMissingAssessment = &WorkflowError{Kind: KindMissingAssessment}
	ErrMissingDependency = &WorkflowError{Kind: KindMissingDependency}
	ErrTransportFailure  = &WorkflowError{Kind: KindTransportFailure}
	ErrBackendError      = &WorkflowError{Kind: KindBackendError}
	ErrSuperseded        = &WorkflowError{Kind: KindSuperseded}
	ErrWorkflowComplete  = &WorkflowError{Kind: KindWorkflowComplete}
)

// NewWorkflowError creates a new WorkflowError with timestamp
func NewWorkflowError(kind ErrorKind, stage Stage, message string) *WorkflowError {
	return &WorkflowError{
		Kind:      kind,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NewMissingInputError reports an absent required field
func NewMissingInputError(stage Stage, field, message string) *WorkflowError {
	err := NewWorkflowError(KindMissingInput, stage, message)
	err.Field = field
	return err
}

// NewMissingDependencyError reports a stage started before its precondition
func NewMissingDependencyError(stage Stage, dependency string) *WorkflowError {
	err := NewWorkflowError(KindMissingDependency, stage, fmt.Sprintf("%s is not available", dependency))
	err.Field = dependency
	return err
}

// NewTransportError wraps a network or timeout failure
func NewTransportError(stage Stage, message string, cause error) *WorkflowError {
	err := NewWorkflowError(KindTransportFailure, stage, message)
	err.Err = cause
	return err
}

// NewBackendError carries the service's structured detail verbatim
func NewBackendError(stage Stage, statusCode int, message, detail string) *WorkflowError {
	err := NewWorkflowError(KindBackendError, stage, message)
	err.StatusCode = statusCode
	err.Detail = detail
	return err
}

// KindOf returns the kind of a workflow error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err is a WorkflowError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// UserMessage renders any error for inline display, using fallback for
// errors that are not workflow errors.
func UserMessage(err error, fallback string) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		if msg := we.UserMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}

// WithStage returns a copy of err attributed to stage
func WithStage(err error, stage Stage) error {
	var we *WorkflowError
	if !errors.As(err, &we) {
		return err
	}
	cp := *we
	cp.Stage = stage
	return &cp
}

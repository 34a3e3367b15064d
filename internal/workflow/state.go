package workflow

import (
	"time"

	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/presentation"
)

// Phase is the controller's position in the report-assembly state machine
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseAnalysisReady        Phase = "analysis_ready"
	PhaseRetrievingDiagnoses  Phase = "retrieving_diagnoses"
	PhaseDiagnosesReady       Phase = "diagnoses_ready"
	PhaseDiagnosesFailed      Phase = "diagnoses_failed"
	PhaseAssessmentPanelOpen  Phase = "assessment_panel_open"
	PhaseRetrievingSuggestion Phase = "retrieving_suggestion"
	PhaseSuggestionReady      Phase = "suggestion_ready"
	PhaseSuggestionFailed     Phase = "suggestion_failed"
	PhaseSubmittingReport     Phase = "submitting_report"
	PhaseReportReady          Phase = "report_ready"
	PhaseReportFailed         Phase = "report_failed"
)

// IsTerminal reports whether the workflow instance is finished
func (p Phase) IsTerminal() bool {
	return p == PhaseReportReady
}

// StageStatus is a stage's loading sub-state
type StageStatus string

const (
	StatusIdle    StageStatus = "idle"
	StatusLoading StageStatus = "loading"
	StatusReady   StageStatus = "ready"
	StatusFailed  StageStatus = "failed"
)

func (s StageStatus) inFlight() bool {
	return s == StatusLoading
}

// StageView is the externally visible state of one stage
type StageView struct {
	Status     StageStatus      `json:"status"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
	Generation uint64           `json:"generation"`
}

// Actions tells the view which user actions are currently available. An
// action whose request is in flight is reported unavailable.
type Actions struct {
	CanUpload           bool `json:"can_upload"`
	CanRetryDiagnoses   bool `json:"can_retry_diagnoses"`
	CanOpenPanel        bool `json:"can_open_panel"`
	CanRegenerate       bool `json:"can_regenerate"`
	CanAccept           bool `json:"can_accept"`
	CanEdit             bool `json:"can_edit"`
	CanReviewTreatments bool `json:"can_review_treatments"`
	CanSubmit           bool `json:"can_submit"`
	CanReset            bool `json:"can_reset"`
}

// Snapshot is an immutable copy of one workflow instance. The entity
// pointers it carries are never mutated by the controller and must not be
// mutated by readers.
type Snapshot struct {
	WorkflowID  string                     `json:"workflow_id"`
	Phase       Phase                      `json:"phase"`
	Analysis    *domain.AnalysisResult     `json:"analysis,omitempty"`
	Facts       *presentation.Facts        `json:"facts,omitempty"`
	Diagnoses   *domain.DiagnosisSet       `json:"diagnoses,omitempty"`
	PanelOpen   bool                       `json:"panel_open"`
	Suggestion  string                     `json:"suggestion,omitempty"`
	DoctorInput string                     `json:"doctor_input"`
	Editing     bool                       `json:"editing"`
	Treatments  []domain.TreatmentRecord   `json:"reviewed_treatments,omitempty"`
	Report      *domain.FinalReport        `json:"report,omitempty"`
	Stages      map[domain.Stage]StageView `json:"stages"`
	Actions     Actions                    `json:"actions"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// StageError returns the inline error message of stage, if any
func (s Snapshot) StageError(stage domain.Stage) string {
	return s.Stages[stage].Error
}

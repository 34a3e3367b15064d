package workflow

import (
	"context"

	"github.com/medinsight-report-assembler/internal/domain"
)

// OpenAssessmentPanel opens the assessment panel and requests a suggestion.
// Opening an already open panel re-fires the request. Without a DiagnosisSet
// the call fails with MissingDependency and no request is issued.
func (c *Controller) OpenAssessmentPanel(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requireDiagnosesLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.panelOpen = true
	c.phase = PhaseAssessmentPanelOpen
	return c.requestSuggestion(ctx)
}

// RegenerateSuggestion discards the current suggestion and requests a new
// one. A request still in flight is superseded; only the latest response is
// applied. DoctorInput is left untouched.
func (c *Controller) RegenerateSuggestion(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requireDiagnosesLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.panelOpen {
		err := c.reject(domain.StageSuggestion, domain.NewMissingDependencyError(domain.StageSuggestion, "assessment panel"))
		c.mu.Unlock()
		return err
	}
	return c.requestSuggestion(ctx)
}

// requestSuggestion is entered with the lock held and releases it
func (c *Controller) requestSuggestion(ctx context.Context) error {
	c.suggestion = ""
	reqCtx, cancel, gen := c.begin(ctx, domain.StageSuggestion)
	req := domain.SuggestionRequest{Diagnoses: c.diagnoses, Analysis: c.analysis}
	c.notifyLocked()
	c.mu.Unlock()

	text, err := c.backend.SuggestAssessment(reqCtx, req)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(domain.StageSuggestion, gen) {
		return c.superseded(domain.StageSuggestion)
	}
	if err != nil {
		werr := c.fail(domain.StageSuggestion, PhaseSuggestionFailed, err)
		c.notifyLocked()
		return werr
	}

	c.suggestion = text
	c.succeed(domain.StageSuggestion, PhaseSuggestionReady)
	c.notifyLocked()
	return nil
}

// AcceptSuggestion copies the suggestion verbatim into DoctorInput.
// Accepting twice leaves DoctorInput equal to the suggestion.
func (c *Controller) AcceptSuggestion() error {
	return c.adoptSuggestion(false)
}

// EditSuggestion seeds DoctorInput from the suggestion and marks it as a
// draft being edited.
func (c *Controller) EditSuggestion() error {
	return c.adoptSuggestion(true)
}

func (c *Controller) adoptSuggestion(editing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.complete(domain.StageSuggestion); err != nil {
		return err
	}
	if c.suggestion == "" {
		return c.reject(domain.StageSuggestion, domain.NewMissingDependencyError(domain.StageSuggestion, "suggested assessment"))
	}
	c.doctorInput = c.suggestion
	c.editing = editing
	c.notifyLocked()
	return nil
}

// SetDoctorInput replaces DoctorInput with text typed by the clinician
func (c *Controller) SetDoctorInput(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.complete(domain.StageReport); err != nil {
		return err
	}
	c.doctorInput = text
	c.notifyLocked()
	return nil
}

// CloseAssessmentPanel dismisses the panel. A pending suggestion request is
// superseded and the suggestion is dropped; DoctorInput is kept.
func (c *Controller) CloseAssessmentPanel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.complete(domain.StageSuggestion); err != nil {
		return err
	}
	c.closePanelLocked()
	if c.diagnoses != nil && !c.stages[domain.StageReport].status.inFlight() {
		c.phase = PhaseDiagnosesReady
	}
	c.notifyLocked()
	return nil
}

func (c *Controller) closePanelLocked() {
	c.idleStageLocked(domain.StageSuggestion)
	c.panelOpen = false
	c.suggestion = ""
}

func (c *Controller) requireDiagnosesLocked() error {
	if err := c.complete(domain.StageSuggestion); err != nil {
		return err
	}
	if c.diagnoses == nil {
		return c.reject(domain.StageSuggestion, domain.NewMissingDependencyError(domain.StageSuggestion, "diagnosis set"))
	}
	return nil
}

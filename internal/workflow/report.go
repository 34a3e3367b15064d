package workflow

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
)

// SubmitReport generates the final report from DoctorInput, the DiagnosisSet
// and the AnalysisResult. A blank DoctorInput fails with MissingAssessment
// without issuing a request; while an earlier submission is still in flight
// that failure is returned but not stored. On failure DoctorInput is left
// intact for resubmission; on success the workflow instance becomes
// terminal. Reviewed treatments replace the report's recommended ones.
func (c *Controller) SubmitReport(ctx context.Context) (*domain.FinalReport, error) {
	c.mu.Lock()
	if err := c.complete(domain.StageReport); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if strings.TrimSpace(c.doctorInput) == "" {
		missing := domain.NewWorkflowError(domain.KindMissingAssessment, domain.StageReport, domain.MsgMissingAssessment)
		missing.Field = "doctor_assessment"
		err := c.invalid(domain.StageReport, missing)
		c.mu.Unlock()
		return nil, err
	}
	if c.analysis == nil || c.diagnoses == nil {
		dep := "analysis result"
		if c.analysis != nil {
			dep = "diagnosis set"
		}
		err := c.reject(domain.StageReport, domain.NewMissingDependencyError(domain.StageReport, dep))
		c.mu.Unlock()
		return nil, err
	}

	reqCtx, cancel, gen := c.begin(ctx, domain.StageReport)
	req := domain.ReportRequest{
		DoctorAssessment: c.doctorInput,
		Diagnoses:        c.diagnoses,
		Analysis:         c.analysis,
	}
	c.notifyLocked()
	c.mu.Unlock()

	report, err := c.backend.GenerateFinalReport(reqCtx, req)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(domain.StageReport, gen) {
		return nil, c.superseded(domain.StageReport)
	}
	if err == nil && report == nil {
		err = domain.NewBackendError(domain.StageReport, 0, "empty report response", "")
	}
	if err != nil {
		werr := c.fail(domain.StageReport, PhaseReportFailed, err)
		c.notifyLocked()
		return nil, werr
	}

	if c.facts != nil && report.Severity != c.facts.Severity {
		c.logger.WithFields(logrus.Fields{
			"workflow_id":      c.id,
			"case_id":          report.CaseID,
			"report_severity":  report.Severity,
			"derived_severity": c.facts.Severity,
		}).Info("Report severity differs from derived severity")
	}

	if c.treatments != nil {
		reviewed := *report
		reviewed.Treatments = c.treatments
		report = &reviewed
	}

	// a suggestion or review still in flight can no longer be used
	c.closePanelLocked()
	c.idleStageLocked(domain.StageTreatments)
	c.report = report
	c.phase = PhaseSubmittingReport
	c.succeed(domain.StageReport, PhaseReportReady)
	c.notifyLocked()
	return report, nil
}

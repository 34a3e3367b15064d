package workflow

import (
	"context"

	"github.com/medinsight-report-assembler/internal/domain"
)

// startDiagnosesLocked fires the automatic retrieval that follows a new
// AnalysisResult. The request is bound to the controller's lifetime rather
// than to the caller that submitted the upload.
func (c *Controller) startDiagnosesLocked() {
	reqCtx, cancel, gen := c.beginDiagnosesLocked(c.baseCtx)
	analysis := c.analysis

	c.spawn(func() {
		set, err := c.backend.PossibleDiagnoses(reqCtx, analysis)
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		_ = c.applyDiagnosesLocked(gen, set, err)
	})
}

// RetryDiagnoses re-requests the DiagnosisSet for the current analysis. The
// previous set, the panel and any suggestion are discarded; DoctorInput is
// kept.
func (c *Controller) RetryDiagnoses(ctx context.Context) error {
	c.mu.Lock()
	if err := c.complete(domain.StageDiagnoses); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.analysis == nil {
		err := c.reject(domain.StageDiagnoses, domain.NewMissingDependencyError(domain.StageDiagnoses, "analysis result"))
		c.mu.Unlock()
		return err
	}

	reqCtx, cancel, gen := c.beginDiagnosesLocked(ctx)
	analysis := c.analysis
	c.mu.Unlock()

	set, err := c.backend.PossibleDiagnoses(reqCtx, analysis)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyDiagnosesLocked(gen, set, err)
}

func (c *Controller) beginDiagnosesLocked(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	c.diagnoses = nil
	c.treatments = nil
	c.idleStageLocked(domain.StageTreatments)
	c.closePanelLocked()
	reqCtx, cancel, gen := c.begin(ctx, domain.StageDiagnoses)
	c.notifyLocked()
	return reqCtx, cancel, gen
}

func (c *Controller) applyDiagnosesLocked(gen uint64, set *domain.DiagnosisSet, err error) error {
	if !c.current(domain.StageDiagnoses, gen) {
		return c.superseded(domain.StageDiagnoses)
	}
	if err == nil && set == nil {
		err = domain.NewBackendError(domain.StageDiagnoses, 0, "empty diagnosis response", "")
	}
	if err != nil {
		werr := c.fail(domain.StageDiagnoses, PhaseDiagnosesFailed, err)
		c.notifyLocked()
		return werr
	}

	if primaries := set.Primaries(); len(primaries) > 1 {
		c.logger.WithField("workflow_id", c.id).
			WithField("primaries", len(primaries)).
			Warn("Diagnosis set flags more than one primary candidate")
	}

	c.diagnoses = set
	c.succeed(domain.StageDiagnoses, PhaseDiagnosesReady)
	c.notifyLocked()
	return nil
}

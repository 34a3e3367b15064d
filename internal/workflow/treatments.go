package workflow

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
)

// ReviewTreatments sends the clinician's review of the recommended
// treatments for the current DiagnosisSet, whose disease type and status
// select the recommendations. The reviewed list is held until the report is
// generated and is dropped whenever the DiagnosisSet is replaced. A later
// review supersedes an earlier one.
func (c *Controller) ReviewTreatments(ctx context.Context, review domain.TreatmentReview) ([]domain.TreatmentRecord, error) {
	c.mu.Lock()
	if err := c.complete(domain.StageTreatments); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.diagnoses == nil {
		err := c.reject(domain.StageTreatments, domain.NewMissingDependencyError(domain.StageTreatments, "diagnosis set"))
		c.mu.Unlock()
		return nil, err
	}
	if verr := review.Validate(); verr != nil {
		var werr *domain.WorkflowError
		if !errors.As(verr, &werr) {
			werr = domain.NewMissingInputError(domain.StageTreatments, "review", verr.Error())
		}
		err := c.invalid(domain.StageTreatments, werr)
		c.mu.Unlock()
		return nil, err
	}

	reqCtx, cancel, gen := c.begin(ctx, domain.StageTreatments)
	req := domain.TreatmentReviewRequest{
		DiseaseType:     c.diagnoses.DiseaseType,
		DiagnosisStatus: c.diagnoses.Status,
		Modifications:   review,
		UseExternal:     review.UseExternal,
	}
	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"disease":     req.DiseaseType,
		"changed":     len(review.Changes),
		"added":       len(review.Added),
	}).Info("Submitting treatment review")
	c.notifyLocked()
	c.mu.Unlock()

	treatments, err := c.backend.ReviewTreatments(reqCtx, req)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(domain.StageTreatments, gen) {
		return nil, c.superseded(domain.StageTreatments)
	}
	if err != nil {
		werr := c.fail(domain.StageTreatments, c.phase, err)
		c.notifyLocked()
		return nil, werr
	}
	if treatments == nil {
		treatments = []domain.TreatmentRecord{}
	}

	c.treatments = treatments
	c.succeed(domain.StageTreatments, c.phase)
	c.notifyLocked()
	return treatments, nil
}

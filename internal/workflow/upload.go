package workflow

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/presentation"
)

// ValidateUpload checks that both artifacts and a known protocol are present
func ValidateUpload(req domain.UploadRequest) *domain.WorkflowError {
	switch {
	case req.Image.IsEmpty():
		return domain.NewMissingInputError(domain.StageUpload, "image", domain.MsgMissingArtifacts)
	case req.Document.IsEmpty():
		return domain.NewMissingInputError(domain.StageUpload, "document", domain.MsgMissingArtifacts)
	case !req.Protocol.IsValid():
		return domain.NewMissingInputError(domain.StageUpload, "protocol", "Please select an analysis protocol")
	}
	return nil
}

// SubmitUpload runs the initial analysis and starts a new workflow run. Any
// previously held entity is discarded before the request is issued. On
// success diagnosis retrieval is started automatically in the background.
func (c *Controller) SubmitUpload(ctx context.Context, req domain.UploadRequest) (*domain.AnalysisResult, error) {
	c.mu.Lock()
	if verr := ValidateUpload(req); verr != nil {
		err := c.invalid(domain.StageUpload, verr)
		c.mu.Unlock()
		return nil, err
	}

	c.resetLocked()
	reqCtx, cancel, gen := c.begin(ctx, domain.StageUpload)
	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"protocol":    req.Protocol,
		"image":       req.Image.FileName,
		"document":    req.Document.FileName,
	}).Info("Submitting upload for analysis")
	c.notifyLocked()
	c.mu.Unlock()

	result, err := c.backend.Analyze(reqCtx, req)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(domain.StageUpload, gen) {
		return nil, c.superseded(domain.StageUpload)
	}
	if err == nil && result == nil {
		err = domain.NewBackendError(domain.StageUpload, 0, domain.MsgAnalysisFailed, "")
	}
	if err != nil {
		werr := c.fail(domain.StageUpload, PhaseIdle, err)
		c.notifyLocked()
		return nil, werr
	}

	facts := presentation.Derive(result)
	if !facts.ConfidenceParsed {
		c.logger.WithFields(logrus.Fields{
			"workflow_id": c.id,
			"confidence":  result.Imaging.Confidence,
		}).Warn("Imaging confidence is not numeric; low-confidence warning suppressed")
	}

	c.analysis = result
	c.facts = &facts
	c.succeed(domain.StageUpload, PhaseAnalysisReady)
	c.startDiagnosesLocked()
	c.notifyLocked()

	return result, nil
}

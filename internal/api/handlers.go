package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/workflow"
	"github.com/medinsight-report-assembler/pkg/backend"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Kind          domain.ErrorKind   `json:"kind"`
	Stage         domain.Stage       `json:"stage,omitempty"`
	Message       string             `json:"message"`
	Field         string             `json:"field,omitempty"`
	Retryable     bool               `json:"retryable"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Timestamp     string             `json:"timestamp"`
	Session       *workflow.Snapshot `json:"session,omitempty"`
}

type assessmentBody struct {
	Text string `json:"text"`
}

// statusFor maps a workflow error kind to an HTTP status
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindMissingInput, domain.KindMissingAssessment:
		return http.StatusBadRequest
	case domain.KindMissingDependency, domain.KindWorkflowComplete, domain.KindSuperseded:
		return http.StatusConflict
	case domain.KindBackendError:
		return http.StatusBadGateway
	case domain.KindTransportFailure:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, ctrl *workflow.Controller, action string, err error) {
	resp := ErrorResponse{
		Kind:          domain.KindOf(err),
		Message:       err.Error(),
		CorrelationID: c.GetString("correlation_id"),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	var werr *domain.WorkflowError
	if errors.As(err, &werr) {
		resp.Stage = werr.Stage
		resp.Message = werr.UserMessage()
		resp.Field = werr.Field
		resp.Retryable = werr.Retryable()
	}
	if ctrl != nil {
		snap := ctrl.Snapshot()
		resp.Session = &snap
		if view := snap.Stages[resp.Stage]; view.ErrorKind == resp.Kind && view.Error != "" {
			resp.Message = view.Error
		}
	}

	status := statusFor(resp.Kind)
	s.actions.WithLabelValues(action, string(resp.Kind)).Inc()
	s.logger.WithFields(logrus.Fields{
		"action":         action,
		"kind":           resp.Kind,
		"status":         status,
		"correlation_id": resp.CorrelationID,
	}).WithError(err).Warn("Workflow action failed")

	c.JSON(status, resp)
}

func (s *Server) respondSnapshot(c *gin.Context, status int, action string, ctrl *workflow.Controller) {
	s.actions.WithLabelValues(action, "ok").Inc()
	c.JSON(status, ctrl.Snapshot())
}

// session resolves the :id parameter. It writes a 404 and returns false when
// the session does not exist.
func (s *Server) session(c *gin.Context) (*workflow.Controller, bool) {
	ctrl, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":          "session not found",
			"correlation_id": c.GetString("correlation_id"),
		})
		return nil, false
	}
	return ctrl, true
}

// handleCreateSession starts a session and submits the upload carried in
// the multipart body.
func (s *Server) handleCreateSession(c *gin.Context) {
	req, err := s.uploadRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctrl := s.sessions.Create()
	if _, err := ctrl.SubmitUpload(c.Request.Context(), req); err != nil {
		s.respondError(c, ctrl, "create", err)
		return
	}
	s.respondSnapshot(c, http.StatusCreated, "create", ctrl)
}

func (s *Server) handleUpload(c *gin.Context) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}
	req, err := s.uploadRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := ctrl.SubmitUpload(c.Request.Context(), req); err != nil {
		s.respondError(c, ctrl, "upload", err)
		return
	}
	s.respondSnapshot(c, http.StatusOK, "upload", ctrl)
}

func (s *Server) handleGetSession(c *gin.Context) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.sessions.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.actions.WithLabelValues("delete", "ok").Inc()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReset(c *gin.Context) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}
	ctrl.Reset()
	s.respondSnapshot(c, http.StatusOK, "reset", ctrl)
}

func (s *Server) handleRetryDiagnoses(c *gin.Context) {
	s.act(c, "retry_diagnoses", func(ctrl *workflow.Controller) error {
		return ctrl.RetryDiagnoses(c.Request.Context())
	})
}

func (s *Server) handleOpenPanel(c *gin.Context) {
	s.act(c, "open_panel", func(ctrl *workflow.Controller) error {
		return ctrl.OpenAssessmentPanel(c.Request.Context())
	})
}

func (s *Server) handleRegenerate(c *gin.Context) {
	s.act(c, "regenerate", func(ctrl *workflow.Controller) error {
		return ctrl.RegenerateSuggestion(c.Request.Context())
	})
}

func (s *Server) handleAccept(c *gin.Context) {
	s.act(c, "accept", (*workflow.Controller).AcceptSuggestion)
}

func (s *Server) handleEdit(c *gin.Context) {
	s.act(c, "edit", (*workflow.Controller).EditSuggestion)
}

func (s *Server) handleClosePanel(c *gin.Context) {
	s.act(c, "close_panel", (*workflow.Controller).CloseAssessmentPanel)
}

func (s *Server) handleSetAssessment(c *gin.Context) {
	var body assessmentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	s.act(c, "set_assessment", func(ctrl *workflow.Controller) error {
		return ctrl.SetDoctorInput(body.Text)
	})
}

func (s *Server) handleReviewTreatments(c *gin.Context) {
	var review domain.TreatmentReview
	if err := c.ShouldBindJSON(&review); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	s.act(c, "review_treatments", func(ctrl *workflow.Controller) error {
		_, err := ctrl.ReviewTreatments(c.Request.Context(), review)
		return err
	})
}

// handleDiseaseInfo returns the backend's reference entry for a protocol
func (s *Server) handleDiseaseInfo(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "disease catalog not configured"})
		return
	}
	protocol, err := domain.ParseProtocol(c.Param("protocol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	info, err := s.catalog.DiseaseInfo(c.Request.Context(), protocol)
	var werr *domain.WorkflowError
	if errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": werr.UserMessage()})
		return
	}
	if err != nil {
		s.respondError(c, nil, "disease_info", err)
		return
	}
	s.actions.WithLabelValues("disease_info", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"protocol": protocolView{Value: protocol, Label: protocol.Label()},
		"info":     info,
	})
}

func (s *Server) handleSubmitReport(c *gin.Context) {
	s.act(c, "submit_report", func(ctrl *workflow.Controller) error {
		_, err := ctrl.SubmitReport(c.Request.Context())
		return err
	})
}

// act runs one workflow action against the session named in the path and
// responds with the resulting snapshot.
func (s *Server) act(c *gin.Context, action string, fn func(*workflow.Controller) error) {
	ctrl, ok := s.session(c)
	if !ok {
		return
	}
	if err := fn(ctrl); err != nil {
		s.respondError(c, ctrl, action, err)
		return
	}
	s.respondSnapshot(c, http.StatusOK, action, ctrl)
}

// uploadRequest reads the multipart upload form. Missing files are left nil
// so the workflow reports them as missing input.
func (s *Server) uploadRequest(c *gin.Context) (domain.UploadRequest, error) {
	req := domain.UploadRequest{Protocol: domain.Protocol(c.PostForm(backend.FieldProtocol))}
	if p, err := domain.ParseProtocol(c.PostForm(backend.FieldProtocol)); err == nil {
		req.Protocol = p
	}

	image, err := formArtifact(c, backend.FieldImage)
	if err != nil {
		return req, err
	}
	if image != nil {
		if req.Image, err = s.preparer.PrepareImage(image); err != nil {
			return req, err
		}
	}

	document, err := formArtifact(c, backend.FieldDocument)
	if err != nil {
		return req, err
	}
	if document != nil {
		if req.Document, err = s.preparer.PrepareDocument(document); err != nil {
			return req, err
		}
	}
	return req, nil
}

func formArtifact(c *gin.Context, field string) (*domain.Artifact, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	data, err := readFormFile(header)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return artifact.FromBytes(header.Filename, data)
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/presentation"
	"github.com/medinsight-report-assembler/internal/workflow"
)

// SessionParams names the session a tool acts on
type SessionParams struct {
	SessionID string `json:"session_id" jsonschema:"session returned by submit_upload"`
}

// UploadParams defines parameters for the submit_upload tool
type UploadParams struct {
	SessionID    string `json:"session_id,omitempty" jsonschema:"existing session to upload into; a new session is started when empty"`
	ImagePath    string `json:"image_path,omitempty" jsonschema:"path of the medical image"`
	DocumentPath string `json:"document_path,omitempty" jsonschema:"path of the PDF patient history"`
	Protocol     string `json:"protocol,omitempty" jsonschema:"analysis protocol: brain_tumor or pneumonia or malaria or breast_tumor"`
}

// AssessmentParams defines parameters for the set_assessment tool
type AssessmentParams struct {
	SessionID string `json:"session_id" jsonschema:"session returned by submit_upload"`
	Text      string `json:"text" jsonschema:"the clinician's assessment"`
}

// AddedTreatment is a treatment the clinician adds during review
type AddedTreatment struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Dosage      string `json:"dosage,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// ReviewParams defines parameters for the review_treatments tool
type ReviewParams struct {
	SessionID   string                       `json:"session_id" jsonschema:"session returned by submit_upload"`
	Remove      []string                     `json:"remove,omitempty" jsonschema:"names of recommended treatments to drop"`
	Modify      map[string]map[string]string `json:"modify,omitempty" jsonschema:"field overrides keyed by treatment name"`
	Added       []AddedTreatment             `json:"added,omitempty" jsonschema:"treatments to add"`
	UseExternal bool                         `json:"use_external_api,omitempty" jsonschema:"let the backend add treatments from its drug database"`
}

// DiseaseInfoParams defines parameters for the disease_info tool
type DiseaseInfoParams struct {
	Protocol string `json:"protocol" jsonschema:"analysis protocol"`
}

// registerTools registers the workflow tools with the MCP SDK and returns
// how many were added.
func (s *Server) registerTools() int {
	sessionTools := []struct {
		name        string
		description string
		action      func(context.Context, *workflow.Controller) error
	}{
		{"retry_diagnoses", "Request the possible diagnoses again after a failure", func(ctx context.Context, c *workflow.Controller) error {
			return c.RetryDiagnoses(ctx)
		}},
		{"open_assessment_panel", "Open the assessment panel and generate a suggested assessment", func(ctx context.Context, c *workflow.Controller) error {
			return c.OpenAssessmentPanel(ctx)
		}},
		{"regenerate_suggestion", "Discard the current suggestion and generate a new one", func(ctx context.Context, c *workflow.Controller) error {
			return c.RegenerateSuggestion(ctx)
		}},
		{"accept_suggestion", "Copy the suggested assessment into the clinician's assessment", func(_ context.Context, c *workflow.Controller) error {
			return c.AcceptSuggestion()
		}},
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "submit_upload",
		Description: "Upload a medical image and PDF history for analysis and wait for the possible diagnoses",
	}, s.handleSubmitUpload)
	for _, t := range sessionTools {
		mcp.AddTool(s.mcpServer, &mcp.Tool{Name: t.name, Description: t.description}, s.sessionTool(t.name, t.action))
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_assessment",
		Description: "Replace the clinician's assessment text",
	}, s.handleSetAssessment)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "review_treatments",
		Description: "Remove, modify or add recommended treatments before the report is generated",
	}, s.handleReviewTreatments)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "submit_report",
		Description: "Generate the final report from the clinician's assessment",
	}, s.handleSubmitReport)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "close_session",
		Description: "Close a session and release its state",
	}, s.handleCloseSession)

	count := len(sessionTools) + 5
	if s.catalog != nil {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "disease_info",
			Description: "Look up the reference entry for a protocol's disease",
		}, s.handleDiseaseInfo)
		count++
	}
	return count
}

// registerResources registers the session snapshot resource template
func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "session_snapshot",
		Description: "Current state of a report-assembly session",
		URITemplate: SnapshotURITemplate,
		MIMEType:    "application/json",
	}, s.handleSnapshotResource)
}

func (s *Server) handleSubmitUpload(ctx context.Context, req *mcp.CallToolRequest, params UploadParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "submit_upload").Info("Tool invoked")

	upload, err := s.uploadRequest(params)
	if err != nil {
		return s.createErrorResult("Invalid upload", err), nil, nil
	}

	var ctrl *workflow.Controller
	if params.SessionID == "" {
		ctrl = s.sessions.Create()
	} else {
		var res *mcp.CallToolResult
		if ctrl, res = s.session(params.SessionID); res != nil {
			return res, nil, nil
		}
	}
	if _, err := ctrl.SubmitUpload(ctx, upload); err != nil {
		return s.workflowError(ctrl, "submit_upload", err), nil, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout())
	defer cancel()
	if err := ctrl.Wait(waitCtx); err != nil {
		return s.createErrorResult("Diagnoses still pending", err), nil, nil
	}

	snap := ctrl.Snapshot()
	var text bytes.Buffer
	fmt.Fprintf(&text, "Session %s\n", snap.WorkflowID)
	if a := snap.Analysis; a != nil {
		fmt.Fprintf(&text, "Imaging: %s (%s, %s)\n", presentation.DiagnosisLabel(a), a.Imaging.Confidence, a.Imaging.ModelType)
	}
	if snap.Diagnoses != nil {
		if err := presentation.RenderDiagnoses(&text, snap.Diagnoses); err != nil {
			return s.createErrorResult("Failed to render diagnoses", err), nil, nil
		}
	} else if msg := snap.StageError(domain.StageDiagnoses); msg != "" {
		fmt.Fprintf(&text, "Diagnoses: %s\n", msg)
	}
	return s.snapshotResult(ctrl, text.String()), nil, nil
}

// sessionTool adapts a workflow action that takes no input beyond the session
func (s *Server) sessionTool(name string, action func(context.Context, *workflow.Controller) error) mcp.ToolHandlerFor[SessionParams, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
		s.logger.WithFields(logrus.Fields{"tool": name, "session_id": params.SessionID}).Info("Tool invoked")

		ctrl, res := s.session(params.SessionID)
		if res != nil {
			return res, nil, nil
		}
		if err := action(ctx, ctrl); err != nil {
			return s.workflowError(ctrl, name, err), nil, nil
		}

		snap := ctrl.Snapshot()
		summary := fmt.Sprintf("Phase: %s", snap.Phase)
		if snap.Suggestion != "" && name != "accept_suggestion" {
			summary += "\nSuggested assessment:\n" + snap.Suggestion
		}
		return s.snapshotResult(ctrl, summary), nil, nil
	}
}

func (s *Server) handleSetAssessment(ctx context.Context, req *mcp.CallToolRequest, params AssessmentParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": "set_assessment", "session_id": params.SessionID}).Info("Tool invoked")

	ctrl, res := s.session(params.SessionID)
	if res != nil {
		return res, nil, nil
	}
	if err := ctrl.SetDoctorInput(params.Text); err != nil {
		return s.workflowError(ctrl, "set_assessment", err), nil, nil
	}
	return s.snapshotResult(ctrl, "Assessment updated"), nil, nil
}

func (s *Server) handleReviewTreatments(ctx context.Context, req *mcp.CallToolRequest, params ReviewParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": "review_treatments", "session_id": params.SessionID}).Info("Tool invoked")

	ctrl, res := s.session(params.SessionID)
	if res != nil {
		return res, nil, nil
	}

	treatments, err := ctrl.ReviewTreatments(ctx, params.review())
	if err != nil {
		return s.workflowError(ctrl, "review_treatments", err), nil, nil
	}
	var text bytes.Buffer
	text.WriteString("Reviewed treatments:\n")
	if err := presentation.RenderTreatments(&text, treatments); err != nil {
		return s.createErrorResult("Failed to render treatments", err), nil, nil
	}
	return s.snapshotResult(ctrl, text.String()), nil, nil
}

func (s *Server) handleSubmitReport(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": "submit_report", "session_id": params.SessionID}).Info("Tool invoked")

	ctrl, res := s.session(params.SessionID)
	if res != nil {
		return res, nil, nil
	}
	report, err := ctrl.SubmitReport(ctx)
	if err != nil {
		return s.workflowError(ctrl, "submit_report", err), nil, nil
	}

	var text bytes.Buffer
	if err := presentation.RenderReport(&text, report, *ctrl.Snapshot().Facts); err != nil {
		return s.createErrorResult("Failed to render report", err), nil, nil
	}
	return s.snapshotResult(ctrl, text.String()), nil, nil
}

func (s *Server) handleCloseSession(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
	if !s.sessions.Delete(params.SessionID) {
		return s.createErrorResult("Unknown session", fmt.Errorf("session %s not found", params.SessionID)), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Session %s closed", params.SessionID)}},
	}, nil, nil
}

func (s *Server) handleDiseaseInfo(ctx context.Context, req *mcp.CallToolRequest, params DiseaseInfoParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{"tool": "disease_info", "protocol": params.Protocol}).Info("Tool invoked")

	protocol, err := domain.ParseProtocol(params.Protocol)
	if err != nil {
		return s.createErrorResult("Invalid protocol", err), nil, nil
	}
	info, err := s.catalog.DiseaseInfo(ctx, protocol)
	if err != nil {
		return s.createErrorResult("Disease information unavailable", fmt.Errorf("%s", domain.UserMessage(err, err.Error()))), nil, nil
	}

	var text bytes.Buffer
	if err := presentation.RenderDiseaseInfo(&text, protocol, info); err != nil {
		return s.createErrorResult("Failed to render disease information", err), nil, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text.String()}}}, nil, nil
}

func (s *Server) handleSnapshotResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	id, ok := sessionFromURI(uri)
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	ctrl, ok := s.sessions.Get(id)
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	data, err := json.Marshal(ctrl.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: "application/json", Text: string(data)}},
	}, nil
}

// review converts the tool parameters into a treatment review. Treatments
// are named the way the report lists them.
func (p ReviewParams) review() domain.TreatmentReview {
	review := domain.TreatmentReview{UseExternal: p.UseExternal}
	if len(p.Remove)+len(p.Modify) > 0 {
		review.Changes = make(map[string]domain.TreatmentChange, len(p.Remove)+len(p.Modify))
	}
	for name, fields := range p.Modify {
		review.Changes[domain.TreatmentID(name)] = domain.TreatmentChange{Action: domain.TreatmentModify, Changes: fields}
	}
	for _, name := range p.Remove {
		review.Changes[domain.TreatmentID(name)] = domain.TreatmentChange{Action: domain.TreatmentRemove}
	}
	for _, t := range p.Added {
		record := domain.TreatmentRecord{Name: t.Name, Description: t.Description}
		if t.Dosage != "" {
			record.Dosage = &t.Dosage
		}
		if t.Duration != "" {
			record.Duration = &t.Duration
		}
		review.Added = append(review.Added, record)
	}
	return review
}

func (s *Server) uploadRequest(params UploadParams) (domain.UploadRequest, error) {
	req := domain.UploadRequest{Protocol: domain.Protocol(params.Protocol)}
	if p, err := domain.ParseProtocol(params.Protocol); err == nil {
		req.Protocol = p
	}

	if params.ImagePath != "" {
		image, err := artifact.LoadFile(params.ImagePath)
		if err != nil {
			return req, err
		}
		if req.Image, err = s.preparer.PrepareImage(image); err != nil {
			return req, err
		}
	}
	if params.DocumentPath != "" {
		document, err := artifact.LoadFile(params.DocumentPath)
		if err != nil {
			return req, err
		}
		if req.Document, err = s.preparer.PrepareDocument(document); err != nil {
			return req, err
		}
	}
	return req, nil
}

// session resolves a session ID, or returns the error result to send
func (s *Server) session(id string) (*workflow.Controller, *mcp.CallToolResult) {
	ctrl, ok := s.sessions.Get(id)
	if !ok {
		return nil, s.createErrorResult("Unknown session", fmt.Errorf("session %s not found", id))
	}
	return ctrl, nil
}

// snapshotResult returns summary followed by the session snapshot as JSON
func (s *Server) snapshotResult(ctrl *workflow.Controller, summary string) *mcp.CallToolResult {
	data, err := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
	if err != nil {
		return s.createErrorResult("Failed to encode snapshot", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: strings.TrimRight(summary, "\n")},
			&mcp.TextContent{Text: string(data)},
		},
	}
}

// workflowError reports a rejected or failed workflow action, preferring the
// message the session stored for the stage.
func (s *Server) workflowError(ctrl *workflow.Controller, tool string, err error) *mcp.CallToolResult {
	message := domain.UserMessage(err, err.Error())
	var werr *domain.WorkflowError
	if errors.As(err, &werr) {
		if view := ctrl.Snapshot().Stages[werr.Stage]; view.ErrorKind == werr.Kind && view.Error != "" {
			message = view.Error
		}
	}
	s.logger.WithFields(logrus.Fields{
		"tool": tool,
		"kind": domain.KindOf(err),
	}).WithError(err).Warn("Workflow action failed")

	return s.createErrorResult(string(domain.KindOf(err)), fmt.Errorf("%s", message))
}

func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}

// sessionFromURI extracts the session ID from a snapshot resource URI
func sessionFromURI(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "session" || u.Path != "/snapshot" || u.Host == "" {
		return "", false
	}
	return u.Host, true
}

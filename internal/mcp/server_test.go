package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/workflow"
)

// fakeBackend answers every call with a fixed pneumonia case
type fakeBackend struct {
	mu         sync.Mutex
	lastReport domain.ReportRequest
	lastReview domain.TreatmentReviewRequest
}

func (f *fakeBackend) Analyze(ctx context.Context, req domain.UploadRequest) (*domain.AnalysisResult, error) {
	return &domain.AnalysisResult{
		Imaging:  domain.ImagingFinding{Diagnosis: domain.PlainText("Infected"), Confidence: "88%", ModelType: "pneumonia"},
		Document: domain.DocumentSummary{Summary: "Fever and productive cough", PageCount: 1, FileName: req.Document.FileName},
	}, nil
}

func (f *fakeBackend) PossibleDiagnoses(ctx context.Context, analysis *domain.AnalysisResult) (*domain.DiagnosisSet, error) {
	return &domain.DiagnosisSet{
		DiseaseType: "pneumonia",
		Status:      domain.StatusPositive,
		Confidence:  "88%",
		Candidates: []domain.DiagnosisCandidate{
			{Name: "Community-acquired pneumonia", Probability: domain.ProbabilityHigh, IsPrimary: true},
		},
	}, nil
}

func (f *fakeBackend) SuggestAssessment(ctx context.Context, req domain.SuggestionRequest) (string, error) {
	return "Likely community-acquired pneumonia.", nil
}

func (f *fakeBackend) ReviewTreatments(ctx context.Context, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
	f.mu.Lock()
	f.lastReview = req
	f.mu.Unlock()

	out := []domain.TreatmentRecord{}
	if _, removed := req.Modifications.Changes["amoxicillin"]; !removed {
		out = append(out, domain.TreatmentRecord{Name: "Amoxicillin", Description: "First-line antibiotic"})
	}
	for _, t := range req.Modifications.Added {
		t.Source = domain.TreatmentSourceDoctor
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeBackend) GenerateFinalReport(ctx context.Context, req domain.ReportRequest) (*domain.FinalReport, error) {
	f.mu.Lock()
	f.lastReport = req
	f.mu.Unlock()
	return &domain.FinalReport{
		CaseID:           "CASE-7",
		AnalysisDate:     "2026-10-19",
		Severity:         domain.SeverityModerate,
		DoctorAssessment: req.DoctorAssessment,
		Treatments:       []domain.TreatmentRecord{{Name: "Amoxicillin", Description: "First-line antibiotic"}},
	}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) DiseaseInfo(ctx context.Context, protocol domain.Protocol) (*domain.DiseaseInfo, error) {
	return &domain.DiseaseInfo{Description: "Infection of the air sacs.", Symptoms: []string{"Cough", "Fever"}}, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Server, *mcp.ClientSession) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := &domain.Config{
		Backend: domain.BackendConfig{Timeout: time.Second, AnalysisTimeout: 2 * time.Second},
		Session: domain.SessionConfig{MaxSessions: 8, IdleTTL: time.Minute},
	}
	server, err := NewServer(cfg, backend, WithLogger(logger), WithCatalog(fakeCatalog{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	go func() { _ = server.Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		_ = server.Close()
	})
	return server, session
}

// writeUpload writes a small PNG and PDF and returns their paths
func writeUpload(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 4, 4))))
	imagePath := filepath.Join(dir, "chest.png")
	require.NoError(t, os.WriteFile(imagePath, img.Bytes(), 0o600))

	documentPath := filepath.Join(dir, "history.pdf")
	require.NoError(t, os.WriteFile(documentPath, []byte("%PDF-1.4\n%test\n"), 0o600))
	return imagePath, documentPath
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	text, ok := res.Content[i].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func snapshotOf(t *testing.T, res *mcp.CallToolResult) workflow.Snapshot {
	t.Helper()
	require.False(t, res.IsError, textOf(t, res, 0))
	var snap workflow.Snapshot
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res, 1)), &snap))
	return snap
}

func upload(t *testing.T, session *mcp.ClientSession) workflow.Snapshot {
	t.Helper()
	imagePath, documentPath := writeUpload(t)
	res := callTool(t, session, "submit_upload", map[string]any{
		"image_path":    imagePath,
		"document_path": documentPath,
		"protocol":      "pneumonia",
	})
	snap := snapshotOf(t, res)
	require.NotNil(t, snap.Diagnoses)
	assert.Contains(t, textOf(t, res, 0), "Imaging: Infected (88%, pneumonia)")
	assert.Contains(t, textOf(t, res, 0), "Community-acquired pneumonia")
	return snap
}

func TestServer_ListsTools(t *testing.T) {
	_, session := newTestClient(t, &fakeBackend{})

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"submit_upload", "retry_diagnoses", "open_assessment_panel", "regenerate_suggestion",
		"accept_suggestion", "set_assessment", "review_treatments", "submit_report",
		"close_session", "disease_info",
	}, names)
}

func TestServer_ReportAssemblyFlow(t *testing.T) {
	backend := &fakeBackend{}
	_, session := newTestClient(t, backend)
	id := upload(t, session).WorkflowID

	res := callTool(t, session, "open_assessment_panel", map[string]any{"session_id": id})
	snap := snapshotOf(t, res)
	assert.Equal(t, workflow.PhaseSuggestionReady, snap.Phase)
	assert.Contains(t, textOf(t, res, 0), "Likely community-acquired pneumonia.")

	res = callTool(t, session, "accept_suggestion", map[string]any{"session_id": id})
	assert.Equal(t, "Likely community-acquired pneumonia.", snapshotOf(t, res).DoctorInput)

	res = callTool(t, session, "review_treatments", map[string]any{
		"session_id": id,
		"remove":     []string{"Amoxicillin"},
		"added": []map[string]any{
			{"name": "Azithromycin", "description": "Macrolide", "dosage": "500 mg", "duration": "3 days"},
		},
	})
	snap = snapshotOf(t, res)
	require.Len(t, snap.Treatments, 1)
	assert.Equal(t, "Azithromycin", snap.Treatments[0].Name)
	assert.Contains(t, textOf(t, res, 0), "Added by the clinician")
	assert.Equal(t, "pneumonia", backend.lastReview.DiseaseType)

	res = callTool(t, session, "submit_report", map[string]any{"session_id": id})
	snap = snapshotOf(t, res)
	assert.Equal(t, workflow.PhaseReportReady, snap.Phase)
	report := textOf(t, res, 0)
	assert.Contains(t, report, "Case CASE-7 (2026-10-19)")
	assert.Contains(t, report, "1. Azithromycin")
	assert.NotContains(t, report, "Amoxicillin")
	assert.Equal(t, "Likely community-acquired pneumonia.", backend.lastReport.DoctorAssessment)

	read, err := session.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "session://" + id + "/snapshot"})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	var stored workflow.Snapshot
	require.NoError(t, json.Unmarshal([]byte(read.Contents[0].Text), &stored))
	assert.Equal(t, workflow.PhaseReportReady, stored.Phase)
	assert.Equal(t, "CASE-7", stored.Report.CaseID)
}

func TestServer_WorkflowErrors(t *testing.T) {
	_, session := newTestClient(t, &fakeBackend{})
	id := upload(t, session).WorkflowID

	res := callTool(t, session, "set_assessment", map[string]any{"session_id": id, "text": "   "})
	require.False(t, res.IsError)

	res = callTool(t, session, "submit_report", map[string]any{"session_id": id})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res, 0), string(domain.KindMissingAssessment))
	assert.Contains(t, textOf(t, res, 0), domain.MsgMissingAssessment)

	res = callTool(t, session, "review_treatments", map[string]any{
		"session_id": id,
		"added":      []map[string]any{{"name": "Azithromycin"}},
	})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res, 0), "missing its description")
}

func TestServer_MissingUpload(t *testing.T) {
	server, session := newTestClient(t, &fakeBackend{})

	res := callTool(t, session, "submit_upload", map[string]any{"protocol": "pneumonia"})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res, 0), domain.MsgMissingArtifacts)
	assert.Equal(t, 1, server.Sessions().Len())

	res = callTool(t, session, "submit_upload", map[string]any{"image_path": filepath.Join(t.TempDir(), "missing.png")})
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(textOf(t, res, 0), "Error: Invalid upload"))
}

func TestServer_UnknownSession(t *testing.T) {
	_, session := newTestClient(t, &fakeBackend{})

	for _, tool := range []string{"open_assessment_panel", "submit_report", "close_session"} {
		res := callTool(t, session, tool, map[string]any{"session_id": "nope"})
		assert.True(t, res.IsError, tool)
		assert.Contains(t, textOf(t, res, 0), "Unknown session", tool)
	}

	_, err := session.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "session://nope/snapshot"})
	assert.Error(t, err)
}

func TestServer_CloseSession(t *testing.T) {
	server, session := newTestClient(t, &fakeBackend{})
	id := upload(t, session).WorkflowID

	res := callTool(t, session, "close_session", map[string]any{"session_id": id})
	require.False(t, res.IsError)
	assert.Equal(t, 0, server.Sessions().Len())
}

func TestServer_DiseaseInfo(t *testing.T) {
	_, session := newTestClient(t, &fakeBackend{})

	res := callTool(t, session, "disease_info", map[string]any{"protocol": "pneumonia"})
	require.False(t, res.IsError)
	assert.Equal(t, "Pulmonary Assessment\nInfection of the air sacs.\nSymptoms: Cough, Fever\n", textOf(t, res, 0))

	res = callTool(t, session, "disease_info", map[string]any{"protocol": "flu"})
	assert.True(t, res.IsError)
}

func TestSessionFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		id   string
		want bool
	}{
		{"session://abc-123/snapshot", "abc-123", true},
		{"session://abc-123/report", "", false},
		{"file:///abc/snapshot", "", false},
		{"session:///snapshot", "", false},
	}
	for _, tt := range tests {
		id, ok := sessionFromURI(tt.uri)
		assert.Equal(t, tt.want, ok, tt.uri)
		assert.Equal(t, tt.id, id, tt.uri)
	}
}

package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medinsight-report-assembler/internal/domain"
)

// mockBackend is a testify mock of domain.AnalysisBackend
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Analyze(ctx context.Context, req domain.UploadRequest) (*domain.AnalysisResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*domain.AnalysisResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) PossibleDiagnoses(ctx context.Context, analysis *domain.AnalysisResult) (*domain.DiagnosisSet, error) {
	args := m.Called(ctx, analysis)
	if r := args.Get(0); r != nil {
		return r.(*domain.DiagnosisSet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) SuggestAssessment(ctx context.Context, req domain.SuggestionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) ReviewTreatments(ctx context.Context, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.([]domain.TreatmentRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) GenerateFinalReport(ctx context.Context, req domain.ReportRequest) (*domain.FinalReport, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*domain.FinalReport), args.Error(1)
	}
	return nil, args.Error(1)
}

// scriptedBackend answers each call with a scripted function so tests can
// hold responses back and release them out of order.
type scriptedBackend struct {
	mu          sync.Mutex
	analyze     func(n int) (*domain.AnalysisResult, error)
	diagnose    func(n int) (*domain.DiagnosisSet, error)
	suggest     func(n int) (string, error)
	review      func(n int, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error)
	report      func(n int, req domain.ReportRequest) (*domain.FinalReport, error)
	calls       map[string]int
	lastReport  domain.ReportRequest
	lastSuggest domain.SuggestionRequest
	lastReview  domain.TreatmentReviewRequest
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		analyze:  func(int) (*domain.AnalysisResult, error) { return sampleAnalysis("Infected", "95%"), nil },
		diagnose: func(int) (*domain.DiagnosisSet, error) { return sampleDiagnoses(), nil },
		suggest:  func(n int) (string, error) { return "Suggested assessment", nil },
		review: func(_ int, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
			return reviewedTreatments(req.Modifications), nil
		},
		report: func(_ int, req domain.ReportRequest) (*domain.FinalReport, error) {
			return sampleReport(req.DoctorAssessment), nil
		},
		calls: make(map[string]int),
	}
}

func (b *scriptedBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	return b.calls[name]
}

func (b *scriptedBackend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *scriptedBackend) Analyze(_ context.Context, _ domain.UploadRequest) (*domain.AnalysisResult, error) {
	return b.analyze(b.count("analyze"))
}

func (b *scriptedBackend) PossibleDiagnoses(_ context.Context, _ *domain.AnalysisResult) (*domain.DiagnosisSet, error) {
	return b.diagnose(b.count("diagnoses"))
}

func (b *scriptedBackend) SuggestAssessment(_ context.Context, req domain.SuggestionRequest) (string, error) {
	n := b.count("suggest")
	b.mu.Lock()
	b.lastSuggest = req
	b.mu.Unlock()
	return b.suggest(n)
}

func (b *scriptedBackend) ReviewTreatments(_ context.Context, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
	n := b.count("review")
	b.mu.Lock()
	b.lastReview = req
	b.mu.Unlock()
	return b.review(n, req)
}

func (b *scriptedBackend) GenerateFinalReport(_ context.Context, req domain.ReportRequest) (*domain.FinalReport, error) {
	n := b.count("report")
	b.mu.Lock()
	b.lastReport = req
	b.mu.Unlock()
	return b.report(n, req)
}

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func sampleUpload() domain.UploadRequest {
	return domain.UploadRequest{
		Image:    &domain.Artifact{FileName: "scan.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
		Document: &domain.Artifact{FileName: "history.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		Protocol: domain.ProtocolPulmonary,
	}
}

func sampleAnalysis(diagnosis, confidence string) *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Imaging: domain.ImagingFinding{Diagnosis: domain.PlainText(diagnosis), Confidence: confidence, ModelType: "pneumonia"},
		Document: domain.DocumentSummary{
			Summary:   "Patient presents with persistent cough.",
			PageCount: 2,
			FileName:  "history.pdf",
		},
	}
}

func sampleDiagnoses() *domain.DiagnosisSet {
	return &domain.DiagnosisSet{
		DiseaseType: "pneumonia",
		Status:      domain.StatusPositive,
		Confidence:  "95%",
		Candidates: []domain.DiagnosisCandidate{
			{Name: "Bacterial Pneumonia", Probability: domain.ProbabilityHigh, IsPrimary: true},
			{Name: "Bronchitis", Probability: domain.ProbabilityLow},
		},
	}
}

func sampleReport(assessment string) *domain.FinalReport {
	return &domain.FinalReport{
		CaseID:            "MIP-PNE-0001",
		AnalysisDate:      "2025-03-01",
		Severity:          domain.SeveritySevere,
		DiagnosticSummary: "Consolidation in the right lower lobe.",
		DoctorAssessment:  assessment,
		Treatments:        []domain.TreatmentRecord{{Name: "Amoxicillin", Description: "Antibiotic"}},
	}
}

// reviewedTreatments applies a review to the sample report's treatments the
// way the backend does.
func reviewedTreatments(review domain.TreatmentReview) []domain.TreatmentRecord {
	var out []domain.TreatmentRecord
	for _, t := range sampleReport("").Treatments {
		change, ok := review.Changes[domain.TreatmentID(t.Name)]
		switch {
		case ok && change.Action == domain.TreatmentRemove:
			continue
		case ok && change.Action == domain.TreatmentModify:
			if d := change.Changes["description"]; d != "" {
				t.Description = d
			}
		}
		out = append(out, t)
	}
	for _, t := range review.Added {
		t.Source = domain.TreatmentSourceDoctor
		out = append(out, t)
	}
	return out
}

// readyController returns a controller that has completed upload and
// diagnosis retrieval.
func readyController(t *testing.T, backend domain.AnalysisBackend) *Controller {
	t.Helper()
	c := New(backend, nullLogger())
	t.Cleanup(c.Close)

	_, err := c.SubmitUpload(context.Background(), sampleUpload())
	require.NoError(t, err)
	waitIdle(t, c)
	return c
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

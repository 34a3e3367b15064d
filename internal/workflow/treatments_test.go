package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medinsight-report-assembler/internal/domain"
)

func doctorTreatment(name string) domain.TreatmentRecord {
	dosage, duration := "As directed", "Until recovery"
	return domain.TreatmentRecord{Name: name, Description: "Added by the clinician", Dosage: &dosage, Duration: &duration}
}

func TestReviewTreatments(t *testing.T) {
	backend := newScriptedBackend()
	c := readyController(t, backend)
	assert.True(t, c.Snapshot().Actions.CanReviewTreatments)

	treatments, err := c.ReviewTreatments(context.Background(), domain.TreatmentReview{
		Changes: map[string]domain.TreatmentChange{
			"amoxicillin": {Action: domain.TreatmentModify, Changes: map[string]string{"description": "High-dose antibiotic"}},
		},
		Added: []domain.TreatmentRecord{doctorTreatment("Rest")},
	})
	require.NoError(t, err)
	require.Len(t, treatments, 2)
	assert.Equal(t, "High-dose antibiotic", treatments[0].Description)
	assert.Equal(t, domain.TreatmentSourceDoctor, treatments[1].Source)

	backend.mu.Lock()
	req := backend.lastReview
	backend.mu.Unlock()
	assert.Equal(t, "pneumonia", req.DiseaseType)
	assert.Equal(t, domain.StatusPositive, req.DiagnosisStatus)

	snap := c.Snapshot()
	assert.Equal(t, treatments, snap.Treatments)
	assert.Equal(t, StatusReady, snap.Stages[domain.StageTreatments].Status)
	assert.Equal(t, PhaseDiagnosesReady, snap.Phase, "a review does not move the phase")
}

func TestReviewedTreatmentsReplaceReportTreatments(t *testing.T) {
	backend := newScriptedBackend()
	c := readyController(t, backend)

	_, err := c.ReviewTreatments(context.Background(), domain.TreatmentReview{
		Changes: map[string]domain.TreatmentChange{"amoxicillin": {Action: domain.TreatmentRemove}},
		Added:   []domain.TreatmentRecord{doctorTreatment("Rest")},
	})
	require.NoError(t, err)
	require.NoError(t, c.SetDoctorInput("Supportive care only."))

	report, err := c.SubmitReport(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Treatments, 1)
	assert.Equal(t, "Rest", report.Treatments[0].Name)
	assert.Equal(t, "Supportive care only.", report.DoctorAssessment)

	_, err = c.ReviewTreatments(context.Background(), domain.TreatmentReview{})
	assert.True(t, errors.Is(err, domain.ErrWorkflowComplete))
}

func TestReportWithoutReviewKeepsRecommendedTreatments(t *testing.T) {
	c := readyController(t, newScriptedBackend())
	require.NoError(t, c.SetDoctorInput("Start antibiotics."))

	report, err := c.SubmitReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampleReport("").Treatments, report.Treatments)
}

func TestReviewTreatmentsWithoutDiagnoses(t *testing.T) {
	backend := newScriptedBackend()
	c := New(backend, nullLogger())
	defer c.Close()

	_, err := c.ReviewTreatments(context.Background(), domain.TreatmentReview{})
	assert.True(t, errors.Is(err, domain.ErrMissingDependency))
	assert.Equal(t, 0, backend.Calls("review"))
	assert.False(t, c.Snapshot().Actions.CanReviewTreatments)
}

func TestReviewTreatmentsValidation(t *testing.T) {
	tests := []struct {
		name   string
		review domain.TreatmentReview
		field  string
	}{
		{
			name:   "unknown action",
			review: domain.TreatmentReview{Changes: map[string]domain.TreatmentChange{"amoxicillin": {Action: "pause"}}},
			field:  "changes.amoxicillin.action",
		},
		{
			name:   "added without dosage",
			review: domain.TreatmentReview{Added: []domain.TreatmentRecord{{Name: "Rest", Description: "Bed rest"}}},
			field:  "added[0].dosage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newScriptedBackend()
			c := readyController(t, backend)

			_, err := c.ReviewTreatments(context.Background(), tt.review)
			var werr *domain.WorkflowError
			require.True(t, errors.As(err, &werr))
			assert.Equal(t, domain.KindMissingInput, werr.Kind)
			assert.Equal(t, tt.field, werr.Field)
			assert.Equal(t, 0, backend.Calls("review"))
			assert.Equal(t, StatusFailed, c.Snapshot().Stages[domain.StageTreatments].Status)
		})
	}
}

func TestReviewTreatmentsFailureIsStageLocal(t *testing.T) {
	backend := newScriptedBackend()
	backend.review = func(int, domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
		return nil, domain.NewBackendError(domain.StageTreatments, 400, "bad request", "Missing disease type information")
	}
	c := readyController(t, backend)

	_, err := c.ReviewTreatments(context.Background(), domain.TreatmentReview{})
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, "Missing disease type information", snap.StageError(domain.StageTreatments))
	assert.Equal(t, PhaseDiagnosesReady, snap.Phase)
	assert.NotNil(t, snap.Diagnoses)
	assert.True(t, snap.Actions.CanOpenPanel)
}

func TestRetryDiagnosesDropsReviewedTreatments(t *testing.T) {
	backend := newScriptedBackend()
	c := readyController(t, backend)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.review = func(_ int, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
		close(started)
		<-release
		return reviewedTreatments(req.Modifications), nil
	}

	var reviewErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, reviewErr = c.ReviewTreatments(context.Background(), domain.TreatmentReview{})
	}()
	<-started

	require.NoError(t, c.RetryDiagnoses(context.Background()))
	close(release)
	wg.Wait()

	assert.True(t, errors.Is(reviewErr, domain.ErrSuperseded))
	snap := c.Snapshot()
	assert.Nil(t, snap.Treatments)
	assert.Equal(t, StatusIdle, snap.Stages[domain.StageTreatments].Status)
}

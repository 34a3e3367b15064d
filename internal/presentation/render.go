package presentation

import (
	"fmt"
	"io"
	"strings"

	"github.com/medinsight-report-assembler/internal/domain"
)

// ProbabilityLabel renders a candidate's tier for display
func ProbabilityLabel(tier domain.ProbabilityTier) string {
	switch tier {
	case domain.ProbabilityHigh:
		return "High"
	case domain.ProbabilityMedium:
		return "Medium"
	case domain.ProbabilityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// SeverityLabel renders a severity level for display
func SeverityLabel(level domain.SeverityLevel) string {
	switch level {
	case domain.SeveritySevere:
		return "Severe"
	case domain.SeverityModerate:
		return "Moderate"
	case domain.SeverityNormal:
		return "Normal"
	default:
		if level == "" {
			return "Unknown"
		}
		return string(level)
	}
}

// FormatTreatment renders a treatment record as display lines, skipping
// absent optional fields.
func FormatTreatment(t domain.TreatmentRecord) []string {
	lines := []string{t.Name}
	if t.Description != "" {
		lines = append(lines, t.Description)
	}
	if t.Dosage != nil {
		lines = append(lines, "Dosage: "+*t.Dosage)
	}
	if t.Duration != nil {
		lines = append(lines, "Duration: "+*t.Duration)
	}
	if t.Contraindications != nil {
		lines = append(lines, "Contraindications: "+*t.Contraindications)
	}
	if len(t.SideEffects) > 0 {
		lines = append(lines, "Side effects: "+strings.Join(t.SideEffects, ", "))
	}
	if len(t.Monitoring) > 0 {
		lines = append(lines, "Monitoring: "+strings.Join(t.Monitoring, ", "))
	}
	if t.Source == domain.TreatmentSourceDoctor {
		lines = append(lines, "Added by the clinician")
	}
	return lines
}

// FormatCandidate renders one diagnosis candidate as display lines
func FormatCandidate(c domain.DiagnosisCandidate) []string {
	title := fmt.Sprintf("%s (%s)", c.Name, ProbabilityLabel(c.Probability))
	if c.IsPrimary {
		title += " [primary]"
	}
	lines := []string{title}
	if c.HasDescription() {
		lines = append(lines, c.Description.String())
	}
	if c.HasSymptoms() {
		lines = append(lines, "Symptoms: "+strings.Join(c.Symptoms, ", "))
	}
	if c.HasTreatments() {
		lines = append(lines, "Treatments: "+strings.Join(c.Treatments, ", "))
	}
	return lines
}

// RenderDiagnoses writes the enumerated diagnoses, every primary included
func RenderDiagnoses(w io.Writer, set *domain.DiagnosisSet) error {
	if set == nil {
		_, err := fmt.Fprintln(w, "No diagnoses available")
		return err
	}
	pw := &printer{w: w}
	pw.printf("Disease type: %s\n", set.DiseaseType)
	pw.printf("Status: %s (%s)\n", set.Status, set.Confidence)
	for _, c := range set.Candidates {
		lines := FormatCandidate(c)
		pw.printf("  - %s\n", lines[0])
		for _, l := range lines[1:] {
			pw.printf("      %s\n", l)
		}
	}
	return pw.err
}

// RenderTreatments writes a reviewed treatment list
func RenderTreatments(w io.Writer, treatments []domain.TreatmentRecord) error {
	pw := &printer{w: w}
	if len(treatments) == 0 {
		pw.printf("No treatments recommended\n")
		return pw.err
	}
	for i, t := range treatments {
		lines := FormatTreatment(t)
		pw.printf("%d. %s\n", i+1, lines[0])
		for _, l := range lines[1:] {
			pw.printf("   %s\n", l)
		}
	}
	return pw.err
}

// RenderDiseaseInfo writes the reference entry of a protocol's disease
func RenderDiseaseInfo(w io.Writer, protocol domain.Protocol, info *domain.DiseaseInfo) error {
	pw := &printer{w: w}
	pw.printf("%s\n%s\n", protocol.Label(), info.Description)
	sections := []struct {
		title string
		items []string
	}{
		{"Symptoms", info.Symptoms},
		{"Treatments", info.Treatments},
		{"Severity levels", info.SeverityLevels},
		{"Risk factors", info.RiskFactors},
		{"Diagnostic criteria", info.DiagnosticCriteria},
		{"Subtypes", info.Subtypes},
	}
	for _, s := range sections {
		if len(s.items) > 0 {
			pw.printf("%s: %s\n", s.title, strings.Join(s.items, ", "))
		}
	}
	return pw.err
}

// RenderReport writes the terminal report view
func RenderReport(w io.Writer, report *domain.FinalReport, facts Facts) error {
	pw := &printer{w: w}
	pw.printf("Case %s (%s)\n", report.CaseID, report.AnalysisDate)
	pw.printf("Severity: %s\n", SeverityLabel(report.Severity))
	if facts.LowConfidence {
		pw.printf("Warning: imaging confidence %.1f%% is below %.0f%%\n", facts.Confidence, LowConfidenceThreshold)
	}
	pw.printf("Recommendation: %s\n\n", facts.Recommendation)
	pw.printf("Diagnostic summary:\n%s\n\n", report.DiagnosticSummary)
	pw.printf("Doctor's assessment:\n%s\n", report.DoctorAssessment)
	if len(report.Treatments) > 0 && pw.err == nil {
		pw.printf("\nRecommended treatments:\n")
		if pw.err == nil {
			pw.err = RenderTreatments(w, report.Treatments)
		}
	}
	if report.HasAdditionalInstructions() {
		pw.printf("\nAdditional instructions:\n%s\n", *report.AdditionalInstructions)
	}
	return pw.err
}

// printer keeps the first write error
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

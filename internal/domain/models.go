package domain

import (
	"encoding/json"
	"strings"
)

// Artifact is one uploaded file held in memory
type Artifact struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// IsEmpty reports whether the artifact carries no content
func (a *Artifact) IsEmpty() bool {
	return a == nil || len(a.Data) == 0
}

// UploadRequest carries the inputs of the initial analysis
type UploadRequest struct {
	Image    *Artifact `json:"image"`
	Document *Artifact `json:"document"`
	Protocol Protocol  `json:"protocol"`
}

// ImagingFinding is the image classifier's verdict
type ImagingFinding struct {
	Diagnosis  Text   `json:"diagnosis"`
	Confidence string `json:"confidence"`
	ModelType  string `json:"model_type"`
}

// DocumentSummary is the summarizer's view of the clinical document
type DocumentSummary struct {
	Summary   string `json:"summary"`
	PageCount int    `json:"page_count"`
	FileName  string `json:"file_name"`
}

// AnalysisResult is the output of the initial analysis. It is never mutated
// after it has been received.
type AnalysisResult struct {
	Imaging  ImagingFinding  `json:"medical_imaging"`
	Document DocumentSummary `json:"document_analysis"`
}

// DiagnosisCandidate is one entry of the enumerated diagnoses. Optional
// fields are nil when the backend omitted them.
type DiagnosisCandidate struct {
	Name        string          `json:"name"`
	Probability ProbabilityTier `json:"probability"`
	Description *Text           `json:"description,omitempty"`
	Symptoms    []string        `json:"symptoms,omitempty"`
	Treatments  []string        `json:"treatments,omitempty"`
	IsPrimary   bool            `json:"is_primary"`
}

// HasDescription reports whether a non-blank description was supplied
func (d DiagnosisCandidate) HasDescription() bool {
	return d.Description != nil && d.Description.IsPresent()
}

// HasSymptoms reports whether any symptoms were supplied
func (d DiagnosisCandidate) HasSymptoms() bool {
	return len(d.Symptoms) > 0
}

// HasTreatments reports whether any treatments were supplied
func (d DiagnosisCandidate) HasTreatments() bool {
	return len(d.Treatments) > 0
}

// DiagnosisSet is the enumerated diagnoses for one AnalysisResult. It is
// replaced wholesale on every retrieval.
type DiagnosisSet struct {
	DiseaseType string               `json:"disease_type"`
	Status      DiagnosisStatus      `json:"diagnosis_status"`
	Confidence  string               `json:"confidence"`
	Candidates  []DiagnosisCandidate `json:"possible_diagnoses"`
}

// Primaries returns every candidate flagged primary, in backend order.
// More than one primary is a backend contract violation that is tolerated.
func (s *DiagnosisSet) Primaries() []DiagnosisCandidate {
	if s == nil {
		return nil
	}
	var out []DiagnosisCandidate
	for _, c := range s.Candidates {
		if c.IsPrimary {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the set
func (s *DiagnosisSet) Clone() *DiagnosisSet {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Candidates != nil {
		cp.Candidates = make([]DiagnosisCandidate, len(s.Candidates))
		for i, c := range s.Candidates {
			cp.Candidates[i] = c.clone()
		}
	}
	return &cp
}

func (d DiagnosisCandidate) clone() DiagnosisCandidate {
	if d.Description != nil {
		desc := *d.Description
		desc.raw = append(json.RawMessage(nil), d.Description.raw...)
		d.Description = &desc
	}
	d.Symptoms = cloneStrings(d.Symptoms)
	d.Treatments = cloneStrings(d.Treatments)
	return d
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// TreatmentRecord is one recommended treatment of the final report
type TreatmentRecord struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Dosage            *string  `json:"dosage,omitempty"`
	Duration          *string  `json:"duration,omitempty"`
	Contraindications *string  `json:"contraindications,omitempty"`
	SideEffects       []string `json:"side_effects,omitempty"`
	Monitoring        []string `json:"monitoring_requirements,omitempty"`
	Source            string   `json:"source,omitempty"`
}

// Treatment sources
const (
	TreatmentSourceDoctor = "doctor"
)

// FinalReport is the terminal entity of a workflow instance
type FinalReport struct {
	CaseID                 string            `json:"case_id"`
	AnalysisDate           string            `json:"analysis_date"`
	Severity               SeverityLevel     `json:"severity_level"`
	DiagnosticSummary      string            `json:"diagnostic_summary"`
	DoctorAssessment       string            `json:"doctor_assessment"`
	Treatments             []TreatmentRecord `json:"recommended_treatments"`
	AdditionalInstructions *string           `json:"additional_instructions,omitempty"`
}

// HasAdditionalInstructions reports whether instructions were supplied
func (r *FinalReport) HasAdditionalInstructions() bool {
	return r.AdditionalInstructions != nil && strings.TrimSpace(*r.AdditionalInstructions) != ""
}

// ReportRequest bundles the inputs of final report generation
type ReportRequest struct {
	DoctorAssessment string          `json:"doctor_assessment"`
	Diagnoses        *DiagnosisSet   `json:"diagnostic_data"`
	Analysis         *AnalysisResult `json:"analysis_results"`
}

// SuggestionRequest bundles the inputs of assessment suggestion
type SuggestionRequest struct {
	Diagnoses *DiagnosisSet   `json:"diagnostic_data"`
	Analysis  *AnalysisResult `json:"analysis_results"`
}

// UnmarshalText tolerates any spelling: unknown tiers are kept as
// ProbabilityUnknown so the candidate is still rendered.
func (p *ProbabilityTier) UnmarshalText(text []byte) error {
	tier, _ := ParseProbabilityTier(string(text))
	*p = tier
	return nil
}

// UnmarshalJSON accepts the severity in any case and falls back to the raw
// value so an unexpected grade is displayed rather than dropped.
func (s *SeverityLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if level, err := ParseSeverityLevel(raw); err == nil {
		*s = level
		return nil
	}
	*s = SeverityLevel(raw)
	return nil
}

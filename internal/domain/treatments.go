package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TreatmentAction is the clinician's decision on one recommended treatment
type TreatmentAction string

const (
	TreatmentRemove TreatmentAction = "remove"
	TreatmentModify TreatmentAction = "modify"
)

// TreatmentChange removes a recommended treatment or overrides some of its
// text fields. Blank overrides are ignored by the backend.
type TreatmentChange struct {
	Action  TreatmentAction   `json:"action"`
	Changes map[string]string `json:"changes,omitempty"`
}

// TreatmentReview is the clinician's review of the recommended treatments.
// Changes is keyed by TreatmentID. UseExternal lets the backend add
// treatments from its external drug source.
type TreatmentReview struct {
	Changes     map[string]TreatmentChange `json:"changes,omitempty"`
	Added       []TreatmentRecord          `json:"added,omitempty"`
	UseExternal bool                       `json:"use_external_api"`
}

// TreatmentID derives the key the backend uses to match a change to a
// recommended treatment.
func TreatmentID(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

// Validate checks the review before it is sent. The backend silently drops
// an added treatment without a name, description, dosage and duration, so
// those are required here.
func (r TreatmentReview) Validate() error {
	ids := make([]string, 0, len(r.Changes))
	for id := range r.Changes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		switch r.Changes[id].Action {
		case TreatmentRemove, TreatmentModify:
		default:
			return NewMissingInputError(StageTreatments, "changes."+id+".action",
				fmt.Sprintf("unsupported treatment action %q", r.Changes[id].Action))
		}
	}

	for i, t := range r.Added {
		required := []struct {
			field string
			value string
		}{
			{"name", t.Name},
			{"description", t.Description},
			{"dosage", deref(t.Dosage)},
			{"duration", deref(t.Duration)},
		}
		for _, req := range required {
			if strings.TrimSpace(req.value) == "" {
				return NewMissingInputError(StageTreatments, fmt.Sprintf("added[%d].%s", i, req.field),
					fmt.Sprintf("added treatment %d is missing its %s", i+1, req.field))
			}
		}
	}
	return nil
}

// IsEmpty reports whether the review changes nothing
func (r TreatmentReview) IsEmpty() bool {
	return len(r.Changes) == 0 && len(r.Added) == 0
}

// MarshalJSON writes the backend's doctor_modifications shape: one member
// per changed treatment plus the new_treatments list.
func (r TreatmentReview) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Changes)+1)
	for id, change := range r.Changes {
		out[id] = change
	}
	added := make([]TreatmentRecord, 0, len(r.Added))
	for _, t := range r.Added {
		t.Source = TreatmentSourceDoctor
		added = append(added, t)
	}
	out["new_treatments"] = added
	return json.Marshal(out)
}

// TreatmentReviewRequest is the body of the treatment review endpoint
type TreatmentReviewRequest struct {
	DiseaseType     string          `json:"disease_type"`
	DiagnosisStatus DiagnosisStatus `json:"diagnosis_status"`
	Modifications   TreatmentReview `json:"doctor_modifications"`
	UseExternal     bool            `json:"use_external_api"`
}

// DiseaseInfo is the reference entry the backend keeps for a protocol's
// disease.
type DiseaseInfo struct {
	Description        string   `json:"description"`
	Symptoms           []string `json:"symptoms,omitempty"`
	Treatments         []string `json:"treatment,omitempty"`
	SeverityLevels     []string `json:"severity_levels,omitempty"`
	RiskFactors        []string `json:"risk_factors,omitempty"`
	DiagnosticCriteria []string `json:"diagnostic_criteria,omitempty"`
	Subtypes           []string `json:"subtypes,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package presentation maps raw analysis results to display-level facts.
// Every function here is pure: no I/O, no logging, no shared state.
package presentation

import (
	"math"
	"strconv"
	"strings"

	"github.com/medinsight-report-assembler/internal/domain"
)

// PositiveFindingSentinel is the imaging label the backend uses for a
// positive finding. Matching is exact.
const PositiveFindingSentinel = "Infected"

// Confidence policy thresholds, in percent
const (
	LowConfidenceThreshold = 85.0
	SevereThreshold        = 90.0
)

// Recommendation texts
const (
	RecommendationImmediate = "Immediate specialist consultation recommended"
	RecommendationFollowUp  = "Follow-up within 7-14 days recommended to confirm findings"
	RecommendationRoutine   = "Routine follow-up as needed"
)

// Facts are the derived display facts for one AnalysisResult
type Facts struct {
	Critical         bool                 `json:"critical"`
	Confidence       float64              `json:"confidence"`
	ConfidenceParsed bool                 `json:"confidence_parsed"`
	LowConfidence    bool                 `json:"low_confidence"`
	Severity         domain.SeverityLevel `json:"severity"`
	Recommendation   string               `json:"recommendation"`
}

// MsgNoDiagnosis is shown when the imaging label is absent
const MsgNoDiagnosis = "No diagnosis available"

// IsCritical reports whether the imaging finding is the positive sentinel.
// Near misses ("infected ", "Infection") and labels sent as an object are
// not critical.
func IsCritical(result *domain.AnalysisResult) bool {
	if result == nil {
		return false
	}
	return result.Imaging.Diagnosis.Is(PositiveFindingSentinel)
}

// DiagnosisLabel is the imaging label for display
func DiagnosisLabel(result *domain.AnalysisResult) string {
	if result == nil || !result.Imaging.Diagnosis.IsPresent() {
		return MsgNoDiagnosis
	}
	return result.Imaging.Diagnosis.String()
}

// ParseConfidence strips one trailing percent sign and parses the rest.
// ok is false for empty, non-numeric or non-finite values.
func ParseConfidence(raw string) (value float64, ok bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// IsLowConfidence applies the strict < threshold. An unparsable confidence
// is never low.
func IsLowConfidence(value float64, ok bool) bool {
	return ok && value < LowConfidenceThreshold
}

// SeverityFor grades a finding. A critical finding with unparsable
// confidence is moderate.
func SeverityFor(critical bool, value float64, ok bool) domain.SeverityLevel {
	if !critical {
		return domain.SeverityNormal
	}
	if ok && value > SevereThreshold {
		return domain.SeveritySevere
	}
	return domain.SeverityModerate
}

// Recommendation picks the canned text for a criticality/confidence pair
func Recommendation(critical, lowConfidence bool) string {
	switch {
	case critical:
		return RecommendationImmediate
	case lowConfidence:
		return RecommendationFollowUp
	default:
		return RecommendationRoutine
	}
}

// Derive computes every fact for result. A nil result yields the facts of a
// non-critical finding without a confidence.
func Derive(result *domain.AnalysisResult) Facts {
	critical := IsCritical(result)

	var value float64
	var ok bool
	if result != nil {
		value, ok = ParseConfidence(result.Imaging.Confidence)
	}
	low := IsLowConfidence(value, ok)

	return Facts{
		Critical:         critical,
		Confidence:       value,
		ConfidenceParsed: ok,
		LowConfidence:    low,
		Severity:         SeverityFor(critical, value, ok),
		Recommendation:   Recommendation(critical, low),
	}
}

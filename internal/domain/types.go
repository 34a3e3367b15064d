// Package domain contains the entities exchanged between the report-assembly
// workflow and the external analysis backend: the initial analysis result,
// the enumerated diagnoses, the doctor's assessment and the final report.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol selects which clinical analysis pipeline the backend runs.
type Protocol string

const (
	ProtocolNeuroImaging  Protocol = "brain_tumor"
	ProtocolPulmonary     Protocol = "pneumonia"
	ProtocolHematological Protocol = "malaria"
	ProtocolBreastImaging Protocol = "breast_tumor"
)

// protocolLabels is ordered the way the upload form lists the pipelines.
var protocolLabels = []struct {
	protocol Protocol
	label    string
}{
	{ProtocolNeuroImaging, "Neuroimaging Analysis"},
	{ProtocolPulmonary, "Pulmonary Assessment"},
	{ProtocolHematological, "Hematological Screening"},
	{ProtocolBreastImaging, "Breast Imaging Analysis"},
}

// ProbabilityTier is the backend's coarse likelihood for a diagnosis candidate
type ProbabilityTier string

const (
	ProbabilityLow     ProbabilityTier = "low"
	ProbabilityMedium  ProbabilityTier = "medium"
	ProbabilityHigh    ProbabilityTier = "high"
	ProbabilityUnknown ProbabilityTier = "unknown"
)

// SeverityLevel grades the final report
type SeverityLevel string

const (
	SeverityNormal   SeverityLevel = "normal"
	SeverityModerate SeverityLevel = "moderate"
	SeveritySevere   SeverityLevel = "severe"
)

// DiagnosisStatus is the overall outcome of the diagnosis enumeration
type DiagnosisStatus string

const (
	StatusPositive DiagnosisStatus = "Positive"
	StatusNegative DiagnosisStatus = "Negative"
)

var (
	ErrUnknownProtocol    = errors.New("unknown analysis protocol")
	ErrInvalidSeverity    = errors.New("invalid severity level")
	ErrInvalidProbability = errors.New("invalid probability tier")
)

// Protocols returns every supported protocol in display order.
func Protocols() []Protocol {
	out := make([]Protocol, 0, len(protocolLabels))
	for _, p := range protocolLabels {
		out = append(out, p.protocol)
	}
	return out
}

// ParseProtocol resolves a protocol tag. Tags are matched case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	candidate := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if candidate.IsValid() {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// IsValid reports whether p belongs to the supported enumeration
func (p Protocol) IsValid() bool {
	for _, known := range protocolLabels {
		if known.protocol == p {
			return true
		}
	}
	return false
}

// Label returns the human readable pipeline name
func (p Protocol) Label() string {
	for _, known := range protocolLabels {
		if known.protocol == p {
			return known.label
		}
	}
	return string(p)
}

// ParseProbabilityTier maps the backend's tier spelling onto the closed set.
// "Moderate" is the backend's word for medium.
func ParseProbabilityTier(s string) (ProbabilityTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ProbabilityLow, nil
	case "medium", "moderate":
		return ProbabilityMedium, nil
	case "high":
		return ProbabilityHigh, nil
	default:
		return ProbabilityUnknown, fmt.Errorf("%w: %q", ErrInvalidProbability, s)
	}
}

// IsValid validates the severity level
func (s SeverityLevel) IsValid() bool {
	switch s {
	case SeverityNormal, SeverityModerate, SeveritySevere:
		return true
	default:
		return false
	}
}

// ParseSeverityLevel parses the backend's severity string case-insensitively
func ParseSeverityLevel(s string) (SeverityLevel, error) {
	level := SeverityLevel(strings.ToLower(strings.TrimSpace(s)))
	if !level.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
	}
	return level, nil
}

// IsPositive compares the status case-insensitively
func (s DiagnosisStatus) IsPositive() bool {
	return strings.EqualFold(string(s), string(StatusPositive))
}

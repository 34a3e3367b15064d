package domain

import (
	"context"
)

// AnalysisBackend is the external service that owns inference. Each method
// is one request/response pair.
type AnalysisBackend interface {
	Analyze(ctx context.Context, req UploadRequest) (*AnalysisResult, error)
	PossibleDiagnoses(ctx context.Context, analysis *AnalysisResult) (*DiagnosisSet, error)
	SuggestAssessment(ctx context.Context, req SuggestionRequest) (string, error)
	ReviewTreatments(ctx context.Context, req TreatmentReviewRequest) ([]TreatmentRecord, error)
	GenerateFinalReport(ctx context.Context, req ReportRequest) (*FinalReport, error)
}

// DiseaseCatalog looks up the backend's reference entry for a protocol
type DiseaseCatalog interface {
	DiseaseInfo(ctx context.Context, protocol Protocol) (*DiseaseInfo, error)
}

// DiagnosisCache stores diagnosis enumerations keyed by analysis result
type DiagnosisCache interface {
	Get(ctx context.Context, analysis *AnalysisResult) (*DiagnosisSet, bool, error)
	Set(ctx context.Context, analysis *AnalysisResult, set *DiagnosisSet) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetBackendConfig() *BackendConfig
	GetServerConfig() *ServerConfig
	GetCacheConfig() *CacheConfig
	Reload() error
	Validate() error
	IsProduction() bool
	IsDevelopment() bool
}

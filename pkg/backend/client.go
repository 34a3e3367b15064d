// Package backend is the HTTP client of the external analysis service. It
// implements domain.AnalysisBackend for the four request/response endpoints
// and adds rate limiting, circuit breaking and request metrics.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/logging"
)

// Endpoint paths of the analysis service
const (
	PathAnalyze           = "/analyze"
	PathPossibleDiagnoses = "/possible_diagnoses"
	PathSuggestAssessment = "/suggest_assessment"
	PathFinalReport       = "/generate_final_report"
	PathReviewTreatments  = "/review_treatments"
	PathDiseaseInfo       = "/diagnoses/"
	PathHealth            = "/health"
)

// Multipart field names of the analyze endpoint
const (
	FieldImage    = "image_file"
	FieldDocument = "pdf_file"
	FieldProtocol = "disease_type"
)

const (
	userAgent       = "MedInsight-Report-Assembler/1.0"
	maxResponseSize = 10 << 20
)

// MsgServiceUnavailable is reported while the circuit breaker is open
const MsgServiceUnavailable = "The analysis service is temporarily unavailable. Please try again shortly."

// Client talks to the analysis backend
type Client struct {
	baseURL         string
	httpClient      *http.Client
	timeout         time.Duration
	analysisTimeout time.Duration
	rateLimit       *rate.Limiter
	breaker         *gobreaker.CircuitBreaker
	metrics         *Metrics
	logger          *logrus.Logger
}

var (
	_ domain.AnalysisBackend = (*Client)(nil)
	_ domain.DiseaseCatalog  = (*Client)(nil)
)

// NewClient creates a backend client. metrics may be nil.
func NewClient(config domain.BackendConfig, logger *logrus.Logger, metrics *Metrics) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8123"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.AnalysisTimeout == 0 {
		config.AnalysisTimeout = 45 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.Burst == 0 {
		config.Burst = 5
	}
	if config.CircuitBreaker.MaxRequests == 0 {
		config.CircuitBreaker.MaxRequests = 3
	}
	if config.CircuitBreaker.Interval == 0 {
		config.CircuitBreaker.Interval = 60 * time.Second
	}
	if config.CircuitBreaker.Timeout == 0 {
		config.CircuitBreaker.Timeout = 30 * time.Second
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		config.CircuitBreaker.FailureThreshold = 5
	}
	if logger == nil {
		logger = logrus.New()
	}

	cbSettings := gobreaker.Settings{
		Name:        "AnalysisBackend",
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.CircuitBreaker.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	}

	return &Client{
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		httpClient:      &http.Client{},
		timeout:         config.Timeout,
		analysisTimeout: config.AnalysisTimeout,
		rateLimit:       rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		breaker:         gobreaker.NewCircuitBreaker(cbSettings),
		metrics:         metrics,
		logger:          logger,
	}
}

// Analyze runs the initial analysis on both artifacts
func (c *Client) Analyze(ctx context.Context, req domain.UploadRequest) (*domain.AnalysisResult, error) {
	body, contentType, err := encodeUpload(req)
	if err != nil {
		return nil, domain.NewTransportError(domain.StageUpload, domain.MsgAnalysisFailed, err)
	}

	var result domain.AnalysisResult
	if err := c.call(ctx, domain.StageUpload, http.MethodPost, PathAnalyze, contentType, body, c.analysisTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PossibleDiagnoses enumerates candidate diagnoses for an analysis result
func (c *Client) PossibleDiagnoses(ctx context.Context, analysis *domain.AnalysisResult) (*domain.DiagnosisSet, error) {
	if analysis == nil {
		return nil, domain.NewMissingDependencyError(domain.StageDiagnoses, "analysis result")
	}
	var set domain.DiagnosisSet
	if err := c.callJSON(ctx, domain.StageDiagnoses, PathPossibleDiagnoses, analysis, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

type suggestionResponse struct {
	SuggestedAssessment string `json:"suggested_assessment"`
}

// SuggestAssessment requests a generated clinical assessment
func (c *Client) SuggestAssessment(ctx context.Context, req domain.SuggestionRequest) (string, error) {
	var resp suggestionResponse
	if err := c.callJSON(ctx, domain.StageSuggestion, PathSuggestAssessment, req, &resp); err != nil {
		return "", err
	}
	return resp.SuggestedAssessment, nil
}

type reviewResponse struct {
	Treatments []domain.TreatmentRecord `json:"treatments"`
}

// ReviewTreatments applies the clinician's review to the recommended
// treatments and returns the resulting list.
func (c *Client) ReviewTreatments(ctx context.Context, req domain.TreatmentReviewRequest) ([]domain.TreatmentRecord, error) {
	if req.DiseaseType == "" {
		return nil, domain.NewMissingDependencyError(domain.StageTreatments, "disease type")
	}
	var resp reviewResponse
	if err := c.callJSON(ctx, domain.StageTreatments, PathReviewTreatments, req, &resp); err != nil {
		return nil, err
	}
	if resp.Treatments == nil {
		resp.Treatments = []domain.TreatmentRecord{}
	}
	return resp.Treatments, nil
}

// DiseaseInfo fetches the reference entry of the protocol's disease
func (c *Client) DiseaseInfo(ctx context.Context, protocol domain.Protocol) (*domain.DiseaseInfo, error) {
	if !protocol.IsValid() {
		return nil, domain.NewMissingInputError("", "protocol", fmt.Sprintf("unknown protocol %q", protocol))
	}
	var info domain.DiseaseInfo
	path := PathDiseaseInfo + url.PathEscape(string(protocol))
	if err := c.call(ctx, "", http.MethodGet, path, "", nil, c.timeout, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GenerateFinalReport produces the final report
func (c *Client) GenerateFinalReport(ctx context.Context, req domain.ReportRequest) (*domain.FinalReport, error) {
	var report domain.FinalReport
	if err := c.callJSON(ctx, domain.StageReport, PathFinalReport, req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Health checks that the backend is reachable
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach analysis backend: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis backend health returned status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState reports the circuit breaker state for health output
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) callJSON(ctx context.Context, stage domain.Stage, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewTransportError(stage, domain.MsgServiceFailure, fmt.Errorf("failed to encode request: %w", err))
	}
	return c.call(ctx, stage, http.MethodPost, path, "application/json", body, c.timeout, out)
}

func (c *Client) call(ctx context.Context, stage domain.Stage, method, path, contentType string, body []byte, timeout time.Duration, out interface{}) error {
	endpoint := metricEndpoint(path)
	started := time.Now()

	if err := c.rateLimit.Wait(ctx); err != nil {
		c.metrics.observe(endpoint, "rate_limited", started)
		return domain.NewTransportError(stage, domain.MsgServiceFailure, fmt.Errorf("rate limit wait failed: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.metrics.inFlight(1)
	defer c.metrics.inFlight(-1)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(callCtx, stage, method, path, contentType, body, out)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = domain.NewTransportError(stage, MsgServiceUnavailable, err)
	}
	c.metrics.observe(endpoint, outcome(err), started)
	return err
}

func (c *Client) roundTrip(ctx context.Context, stage domain.Stage, method, path, contentType string, body []byte, out interface{}) error {
	requestID := uuid.New().String()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return domain.NewTransportError(stage, domain.MsgServiceFailure, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if id := logging.CorrelationID(ctx); id != "" {
		req.Header.Set(logging.HeaderCorrelationID, id)
	}

	entry := logging.FromContext(ctx, c.logger).WithFields(logrus.Fields{
		"request_id": requestID,
		"endpoint":   path,
		"stage":      stage,
	})

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		entry.WithError(err).Debug("Analysis backend request failed")
		if isTimeout(err) {
			return domain.NewTransportError(stage, domain.MsgRequestTimedOut, err)
		}
		return domain.NewTransportError(stage, domain.MsgServiceFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if isTimeout(err) {
			return domain.NewTransportError(stage, domain.MsgRequestTimedOut, err)
		}
		return domain.NewTransportError(stage, domain.MsgServiceFailure, fmt.Errorf("failed to read response body: %w", err))
	}

	entry.WithFields(logrus.Fields{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("Analysis backend responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewBackendError(stage, resp.StatusCode,
			fmt.Sprintf("analysis backend returned status %d", resp.StatusCode), ParseDetail(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		werr := domain.NewBackendError(stage, resp.StatusCode, "malformed response from analysis backend", "")
		werr.Err = fmt.Errorf("failed to parse JSON response: %w", err)
		return werr
	}
	return nil
}

// ParseDetail extracts the human-readable detail of an error payload. The
// detail is either a string or a list of validation errors; anything else
// yields "".
func ParseDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var items []struct {
		Loc []interface{} `json:"loc"`
		Msg string        `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg == "" {
				continue
			}
			if len(item.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", item.Loc[len(item.Loc)-1], item.Msg))
			} else {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func encodeUpload(req domain.UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeArtifact(w, FieldImage, req.Image); err != nil {
		return nil, "", err
	}
	if err := writeArtifact(w, FieldDocument, req.Document); err != nil {
		return nil, "", err
	}
	if err := w.WriteField(FieldProtocol, string(req.Protocol)); err != nil {
		return nil, "", fmt.Errorf("failed to write protocol field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeArtifact(w *multipart.Writer, field string, a *domain.Artifact) error {
	if a.IsEmpty() {
		return fmt.Errorf("%s is empty", field)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, a.FileName))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", field, err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return fmt.Errorf("failed to write %s part: %w", field, err)
	}
	return nil
}

// isSuccessful decides what the circuit breaker counts as a failure. Client
// errors and cancelled requests say nothing about backend health.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var werr *domain.WorkflowError
	if errors.As(err, &werr) && werr.Kind == domain.KindBackendError {
		return werr.StatusCode >= 400 && werr.StatusCode < 500
	}
	return false
}

// metricEndpoint keeps the endpoint label bounded: path parameters are
// dropped.
func metricEndpoint(path string) string {
	if strings.HasPrefix(path, PathDiseaseInfo) {
		return strings.Trim(PathDiseaseInfo, "/")
	}
	return strings.TrimPrefix(path, "/")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcome(err error) string {
	switch domain.KindOf(err) {
	case "":
		if err == nil {
			return "success"
		}
		return "error"
	case domain.KindBackendError:
		return "backend_error"
	case domain.KindTransportFailure:
		return "transport_failure"
	default:
		return strings.ToLower(string(domain.KindOf(err)))
	}
}

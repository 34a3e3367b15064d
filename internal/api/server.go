package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/middleware"
	"github.com/medinsight-report-assembler/internal/workflow"
	"github.com/medinsight-report-assembler/pkg/backend"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthChecker reports on the analysis backend
type HealthChecker interface {
	Health(ctx context.Context) error
	BreakerState() string
}

// CacheReporter exposes diagnosis cache statistics
type CacheReporter interface {
	Stats() backend.CacheStats
}

// Dependencies are the collaborators the server wires into each session
type Dependencies struct {
	Backend  domain.AnalysisBackend
	Health   HealthChecker
	Cache    CacheReporter
	Catalog  domain.DiseaseCatalog
	Preparer *artifact.Preparer
	Registry *prometheus.Registry
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	router        *gin.Engine
	server        *http.Server
	sessions      *SessionStore
	health        HealthChecker
	cache         CacheReporter
	catalog       domain.DiseaseCatalog
	preparer      *artifact.Preparer
	registry      *prometheus.Registry
	logger        *logrus.Logger
	actions       *prometheus.CounterVec
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Dependencies) *Server {
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	preparer := deps.Preparer
	if preparer == nil {
		preparer = artifact.NewPreparer(cfg.Artifact, logger)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		configManager: configManager,
		router:        router,
		health:        deps.Health,
		cache:         deps.Cache,
		catalog:       deps.Catalog,
		preparer:      preparer,
		registry:      registry,
		logger:        logger,
	}
	s.sessions = NewSessionStore(cfg.Session.MaxSessions, cfg.Session.IdleTTL, func() *workflow.Controller {
		return workflow.New(deps.Backend, logger)
	}, logger)

	factory := promauto.With(registry)
	s.actions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medinsight",
		Subsystem: "api",
		Name:      "session_actions_total",
		Help:      "Workflow actions invoked through the API.",
	}, []string{"action", "outcome"})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "medinsight",
		Subsystem: "api",
		Name:      "sessions_active",
		Help:      "Live workflow sessions.",
	}, func() float64 { return float64(s.sessions.Len()) })

	s.setupRoutes(requestTimeout(cfg))
	return s
}

// requestTimeout bounds one API call: the slowest backend call plus slack
func requestTimeout(cfg *domain.Config) time.Duration {
	timeout := cfg.Backend.AnalysisTimeout
	if cfg.Backend.Timeout > timeout {
		timeout = cfg.Backend.Timeout
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return timeout + 15*time.Second
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the session store
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.sessions.Close()
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.sessions.Close()
	return err
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes(timeout time.Duration) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	v1.GET("/protocols", s.handleProtocols)
	v1.GET("/protocols/:protocol/info", s.handleDiseaseInfo)

	// Streams are long-lived and sit outside the request timeout.
	v1.GET("/sessions/:id/stream", s.handleStream)
	v1.GET("/sessions/:id/events", s.handleEvents)

	guarded := v1.Group("", middleware.RequestTimeout(timeout))
	{
		guarded.POST("/sessions", s.handleCreateSession)
		guarded.GET("/sessions/:id", s.handleGetSession)
		guarded.DELETE("/sessions/:id", s.handleDeleteSession)
		guarded.POST("/sessions/:id/upload", s.handleUpload)
		guarded.POST("/sessions/:id/reset", s.handleReset)
		guarded.POST("/sessions/:id/diagnoses/retry", s.handleRetryDiagnoses)
		guarded.POST("/sessions/:id/assessment/open", s.handleOpenPanel)
		guarded.POST("/sessions/:id/assessment/regenerate", s.handleRegenerate)
		guarded.POST("/sessions/:id/assessment/accept", s.handleAccept)
		guarded.POST("/sessions/:id/assessment/edit", s.handleEdit)
		guarded.POST("/sessions/:id/assessment/close", s.handleClosePanel)
		guarded.PUT("/sessions/:id/assessment", s.handleSetAssessment)
		guarded.POST("/sessions/:id/treatments/review", s.handleReviewTreatments)
		guarded.POST("/sessions/:id/report", s.handleSubmitReport)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"sessions":  s.sessions.Len(),
	}
	status := http.StatusOK

	if s.health != nil {
		backend := gin.H{"circuit_breaker": s.health.BreakerState()}
		if err := s.health.Health(c.Request.Context()); err != nil {
			backend["status"] = "unhealthy"
			backend["error"] = err.Error()
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			backend["status"] = "healthy"
		}
		body["backend"] = backend
	}
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}

	c.JSON(status, body)
}

type protocolView struct {
	Value domain.Protocol `json:"value"`
	Label string          `json:"label"`
}

func (s *Server) handleProtocols(c *gin.Context) {
	protocols := domain.Protocols()
	out := make([]protocolView, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, protocolView{Value: p, Label: p.Label()})
	}
	c.JSON(http.StatusOK, gin.H{"protocols": out})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

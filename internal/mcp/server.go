// Package mcp exposes the report-assembly workflow as MCP tools, so an
// assistant can drive a session from upload to final report.
package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/api"
	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/workflow"
)

// SnapshotURITemplate addresses the snapshot resource of one session
const SnapshotURITemplate = "session://{session_id}/snapshot"

// Server is an MCP server backed by the same session store as the HTTP API
type Server struct {
	config    *domain.Config
	mcpServer *mcp.Server
	sessions  *api.SessionStore
	catalog   domain.DiseaseCatalog
	preparer  *artifact.Preparer
	logger    *logrus.Logger
}

// ServerOption is a functional option for Server.
type ServerOption func(*Server) error

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithCatalog enables the disease_info tool.
func WithCatalog(catalog domain.DiseaseCatalog) ServerOption {
	return func(s *Server) error {
		s.catalog = catalog
		return nil
	}
}

// NewServer creates an MCP server whose sessions run against backend.
func NewServer(cfg *domain.Config, backend domain.AnalysisBackend, opts ...ServerOption) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("analysis backend is required")
	}
	server := &Server{
		config: cfg,
		logger: logrus.New(),
	}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	server.preparer = artifact.NewPreparer(cfg.Artifact, server.logger)
	server.sessions = api.NewSessionStore(cfg.Session.MaxSessions, cfg.Session.IdleTTL, func() *workflow.Controller {
		return workflow.New(backend, server.logger)
	}, server.logger)

	serverInfo := &mcp.Implementation{
		Name:    "medinsight-report-assembler",
		Version: api.Version,
	}
	server.mcpServer = mcp.NewServer(serverInfo, nil)

	toolCount := server.registerTools()
	server.registerResources()

	server.logger.WithField("tool_count", toolCount).Info("MCP server initialized")
	return server, nil
}

// Run serves MCP requests on transport until the client disconnects or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("Starting MedInsight MCP server")
	if err := s.mcpServer.Run(ctx, transport); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Sessions exposes the session store
func (s *Server) Sessions() *api.SessionStore {
	return s.sessions
}

// Close closes every open session.
func (s *Server) Close() error {
	s.sessions.Close()
	return nil
}

// waitTimeout bounds how long submit_upload waits for the diagnosis stage
func (s *Server) waitTimeout() time.Duration {
	timeout := s.config.Backend.AnalysisTimeout + s.config.Backend.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return timeout
}

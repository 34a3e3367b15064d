// Package main provides the MCP entry point of the report assembler. It
// serves the workflow tools over stdio, so logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gosdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/medinsight-report-assembler/internal/config"
	"github.com/medinsight-report-assembler/internal/logging"
	"github.com/medinsight-report-assembler/internal/mcp"
	"github.com/medinsight-report-assembler/pkg/backend"
)

func main() {
	flags := pflag.NewFlagSet("mcp-server", pflag.ExitOnError)
	configFile := flags.String("config", "", "configuration file")
	flags.String("backend.base_url", "", "analysis backend base URL")
	_ = flags.Parse(os.Args[1:])

	configManager, err := config.NewManager(config.WithConfigFile(*configFile), config.WithFlags(flags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := configManager.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	cfg := configManager.GetConfig()
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack := backend.NewStack(ctx, cfg.Backend, cfg.Cache, prometheus.NewRegistry(), logger)
	defer stack.Close()

	server, err := mcp.NewServer(cfg, stack.Backend(), mcp.WithLogger(logger), mcp.WithCatalog(stack.Client))
	if err != nil {
		logger.WithError(err).Error("Failed to create MCP server")
		os.Exit(1)
	}
	defer server.Close()

	logger.WithField("backend", cfg.Backend.BaseURL).Info("Serving MCP over stdio")
	if err := server.Run(ctx, &gosdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("MCP server stopped with error")
		os.Exit(1)
	}
	logger.Info("MCP server stopped")
}

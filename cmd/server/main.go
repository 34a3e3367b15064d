package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/medinsight-report-assembler/internal/api"
	"github.com/medinsight-report-assembler/internal/artifact"
	"github.com/medinsight-report-assembler/internal/config"
	"github.com/medinsight-report-assembler/internal/logging"
	"github.com/medinsight-report-assembler/pkg/backend"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configFile := flags.String("config", "", "configuration file")
	flags.Int("server.port", 0, "listen port")
	flags.String("backend.base_url", "", "analysis backend base URL")
	_ = flags.Parse(os.Args[1:])

	// Load configuration
	configManager, err := config.NewManager(config.WithConfigFile(*configFile), config.WithFlags(flags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	cfg := configManager.GetConfig()
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stack := backend.NewStack(ctx, cfg.Backend, cfg.Cache, registry, logger)
	defer stack.Close()

	deps := api.Dependencies{
		Backend:  stack.Backend(),
		Health:   stack.Client,
		Catalog:  stack.Client,
		Preparer: artifact.NewPreparer(cfg.Artifact, logger),
		Registry: registry,
		Logger:   logger,
	}
	if stack.Cached != nil {
		deps.Cache = stack.Cached
	}
	server := api.NewServer(configManager, deps)

	logger.WithFields(logrus.Fields{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"backend":     cfg.Backend.BaseURL,
		"environment": cfg.Environment,
		"redis_cache": cfg.Cache.RedisURL != "",
	}).Info("Starting MedInsight report assembler")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		stack.Close()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

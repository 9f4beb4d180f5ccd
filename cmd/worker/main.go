// Package main runs the mail worker on its own, for deployments where the
// API server enqueues verification emails but does not deliver them.
//
// It needs REDIS_URL and the SMTP_* settings. The JWT secret is not used.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/sakif/accounts/internal/config"
	"github.com/sakif/accounts/internal/logging"
	"github.com/sakif/accounts/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to build logger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !cfg.MailQueueEnabled() || cfg.SMTPHost == "" {
		logger.Error("redis_url and smtp_host are required to run the mail worker")
		os.Exit(1)
	}

	worker, err := server.NewMailWorker(cfg, logger)
	if err != nil {
		logger.Error("failed to create mail worker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Run blocks until SIGINT or SIGTERM and drains in-flight deliveries.
	if err := worker.Run(); err != nil {
		logger.Error("mail worker error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

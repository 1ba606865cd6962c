package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inboxd/inboxd/internal/auth"
	"github.com/inboxd/inboxd/internal/config"
	"github.com/inboxd/inboxd/internal/logging"
	"github.com/inboxd/inboxd/internal/mail"
	"github.com/inboxd/inboxd/internal/metrics"
	"github.com/inboxd/inboxd/internal/pop3"
	"github.com/inboxd/inboxd/internal/server"
	"github.com/inboxd/inboxd/internal/smtp"
	"github.com/inboxd/inboxd/internal/spam"
	"github.com/inboxd/inboxd/internal/store"
)

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	db, err := store.Open(cfg.Storage.DBPath, cfg.Storage.PoolSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	content, err := store.NewContentStore(cfg.Storage.EmailDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening email storage: %v\n", err)
		os.Exit(1)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	classifier := spam.NewClassifier(cfg.Spam.Keywords, cfg.Spam.SenderPatterns, cfg.Spam.Threshold)
	authService := auth.NewService(db)
	mailService := mail.NewService(db, content, classifier, logger)

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	srv.SetSMTPHandler(smtp.Handler(smtp.HandlerConfig{
		Hostname:       cfg.Hostname,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		RequireAuth:    cfg.SMTP.RequireAuth,
	}, collector, authService, mailService))
	srv.SetPOP3Handler(pop3.Handler(cfg.Hostname, authService, mailService, collector))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting inboxd",
		"hostname", cfg.Hostname,
		"listeners", len(cfg.Listeners),
		"db", cfg.Storage.DBPath,
		"email_dir", cfg.Storage.EmailDir)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

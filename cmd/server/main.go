package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/vader-pepe/octo-potato/internal/app"
	"github.com/vader-pepe/octo-potato/internal/config"
	"github.com/vader-pepe/octo-potato/internal/handlers"
	"github.com/vader-pepe/octo-potato/internal/logging"
	"github.com/vader-pepe/octo-potato/internal/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("OCTO_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"port":    cfg.ServicePort,
		"version": version,
	}).Info("Starting octo-potato service")

	ctx := context.Background()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, version, cfg.JaegerEndpoint, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.WithError(err).Warn("Error shutting down tracer")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := app.New(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	defer a.Close()

	if err := a.Vault.Init(ctx); err != nil {
		logger.Fatalf("Failed to initialize metadata schema: %v", err)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.ServicePort,
		Handler:     handlers.NewRouter(a.Vault, logger, registry),
		ReadTimeout: 30 * time.Minute,
		// Downloads stream for as long as the file takes to reassemble.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

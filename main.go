package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/reader/mexc"
	"github.com/lduynkerke/FundingRateLogger/scheduler"
	"github.com/lduynkerke/FundingRateLogger/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.FundingLogger.Name,
		"version": cfg.FundingLogger.Version,
	}).Info("starting funding rate logger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	client := mexc.NewClient(cfg)

	captureWriter, err := writer.NewCaptureWriter(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create capture writer")
		os.Exit(1)
	}

	sched := scheduler.NewScheduler(cfg, client, client, captureWriter)
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	batches, rows, errs := captureWriter.Stats()
	log.WithFields(logger.Fields{
		"batches": batches,
		"rows":    rows,
		"errors":  errs,
	}).Info("funding rate logger stopped")
}

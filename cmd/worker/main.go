// Package main provides the refresh worker entry point for the wallet analysis service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wallet-insight/internal/app"
	"github.com/wallet-insight/internal/config"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if len(cfg.Worker.Wallets) == 0 {
		logger.Fatal("WORKER_WALLETS is empty, nothing to refresh")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Connecting to backends...")
	a, err := app.New(ctx, cfg, reg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build analysis service")
	}
	defer a.Close()

	restored := a.Restore(ctx, cfg.Worker.Wallets)
	logger.WithFields(map[string]interface{}{
		"wallets":  len(cfg.Worker.Wallets),
		"restored": restored,
	}).Info("Warm start complete")

	refresher, err := worker.NewRefreshWorker(a.Service, worker.Config{
		Wallets:    cfg.Worker.Wallets,
		Interval:   cfg.Worker.Interval,
		Tolerance:  cfg.Analysis.FreshnessTolerance,
		Registerer: reg,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create refresh worker")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	if err := refresher.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start refresh worker")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := refresher.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping refresh worker")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping metrics server")
	}
	cancel()

	logger.Info("Worker shutdown complete")
}

// Package main runs one wallet analysis and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-insight/internal/app"
	"github.com/wallet-insight/internal/config"
	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
)

func main() {
	wallet := flag.String("wallet", "", "Wallet address to analyze")
	tolerance := flag.Int64("tolerance", -1, "Freshness tolerance in slots (default from ANALYSIS_FRESHNESS_TOLERANCE)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	if *wallet == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("wallet", *wallet)

	tol := cfg.Analysis.FreshnessTolerance
	if *tolerance >= 0 {
		tol = uint64(*tolerance)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build analysis service")
	}
	defer a.Close()

	if a.Restore(ctx, []string{*wallet}) > 0 {
		logger.Debug("Restored stored analysis")
	}

	start := time.Now()
	res, err := a.Service.Analyze(ctx, *wallet, tol)
	if err != nil {
		catErr := apperrors.Categorize(err)
		logger.WithError(err).WithField("category", catErr.Category).Error("Analysis failed")
		_ = json.NewEncoder(os.Stderr).Encode(catErr.ToServiceError())
		a.Close()
		os.Exit(1)
	}
	logger.WithFields(map[string]interface{}{
		"computedAt": res.ComputedAt.String(),
		"degraded":   res.Degraded,
		"duration":   time.Since(start).String(),
	}).Info("Analysis complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.WithError(err).Fatal("Failed to write result")
	}
}

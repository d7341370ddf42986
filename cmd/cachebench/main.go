// Package main implements cachebench, a workload driver for the segmented
// cache. It builds a loading cache from a configuration file, drives it with
// a skewed concurrent mix of reads, writes, invalidations and refreshes,
// exposes Prometheus metrics while running and logs a statistics summary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/common/expfmt"

	"github.com/c360/segcache/metric"
	"github.com/c360/segcache/pkg/cache"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cachebench"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cacheCfg, err := loadCacheConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		if _, err := cache.ConfigOptions[string, string](cacheCfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metric.NewMetricsRegistry()
	if cliCfg.MetricsPort > 0 {
		server := metric.NewServer(fmt.Sprintf(":%d", cliCfg.MetricsPort), "/metrics", registry)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server started", "address", server.Address())
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
			defer stopCancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	workload, err := NewWorkload(cliCfg.RunID, cacheCfg, cliCfg.Workload, registry, logger)
	if err != nil {
		return fmt.Errorf("create workload: %w", err)
	}
	defer workload.Close()

	summary, err := workload.Run(ctx, cliCfg.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("run workload: %w", err)
	}
	logSummary(logger, summary)

	if cliCfg.MetricsDump != "" {
		if err := dumpMetrics(registry, cliCfg.MetricsDump); err != nil {
			return fmt.Errorf("dump metrics: %w", err)
		}
		logger.Info("Metrics written", "path", cliCfg.MetricsDump)
	}
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, nil, true, nil
	}

	cliCfg.RunID = uuid.NewString()
	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.RunID)
	slog.SetDefault(logger)

	logger.Info("Starting cachebench",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

func loadCacheConfig(path string) (cache.Config, error) {
	if path == "" {
		size := int64(10000)
		cfg := cache.DefaultConfig()
		cfg.MaximumSize = &size
		cfg.RecordStats = true
		return cfg, nil
	}
	return cache.LoadConfigFile(path)
}

// dumpMetrics writes every gathered family in Prometheus text format.
func dumpMetrics(registry *metric.MetricsRegistry, path string) error {
	families, err := registry.PrometheusRegistry().Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func logSummary(logger *slog.Logger, s Summary) {
	removals, _ := json.Marshal(s.Removals)
	logger.Info("Workload complete",
		"elapsed", s.Elapsed,
		"operations", s.Operations.Processed,
		"failed", s.Operations.Failed,
		"dropped", s.Operations.Dropped,
		"throughput_ops", fmt.Sprintf("%.0f", s.Throughput()),
		"hit_rate", fmt.Sprintf("%.4f", s.Stats.HitRate()),
		"load_success", s.Stats.LoadSuccessCount,
		"load_exception", s.Stats.LoadExceptionCount,
		"avg_load_penalty", s.Stats.AverageLoadPenalty(),
		"evictions", s.Stats.EvictionCount,
		"backend_loads", s.BackendLoads,
		"backend_failures", s.BackendFailures,
		"size", s.Size,
		"removals", string(removals))
}

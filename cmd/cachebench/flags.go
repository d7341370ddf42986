package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsPort     int
	MetricsDump     string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// RunID tags every log line and the final summary of one invocation.
	RunID    string
	Workload WorkloadConfig

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEGCACHE_CONFIG", ""),
		"Path to a cache configuration file, .json or .yaml (env: SEGCACHE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("SEGCACHE_CONFIG", ""),
		"Path to a cache configuration file, .json or .yaml (env: SEGCACHE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEGCACHE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEGCACHE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEGCACHE_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEGCACHE_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SEGCACHE_DEBUG", false),
		"Enable debug logging (env: SEGCACHE_DEBUG)")

	fs.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("SEGCACHE_METRICS_PORT", 9090),
		"Prometheus metrics port, 0 to disable (env: SEGCACHE_METRICS_PORT)")
	fs.StringVar(&cfg.MetricsDump, "metrics-dump",
		getEnv("SEGCACHE_METRICS_DUMP", ""),
		"Write the final metrics in text exposition format to this file (env: SEGCACHE_METRICS_DUMP)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEGCACHE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: SEGCACHE_SHUTDOWN_TIMEOUT)")

	w := &cfg.Workload
	fs.DurationVar(&w.Duration, "duration",
		getEnvDuration("SEGCACHE_DURATION", 30*time.Second),
		"How long to drive the workload (env: SEGCACHE_DURATION)")
	fs.IntVar(&w.Workers, "workers",
		getEnvInt("SEGCACHE_WORKERS", 8),
		"Concurrent cache clients (env: SEGCACHE_WORKERS)")
	fs.IntVar(&w.Keys, "keys",
		getEnvInt("SEGCACHE_KEYS", 50000),
		"Size of the key space (env: SEGCACHE_KEYS)")
	fs.Float64Var(&w.Skew, "skew",
		getEnvFloat("SEGCACHE_SKEW", 1.1),
		"Zipf exponent of key popularity, must be > 1 (env: SEGCACHE_SKEW)")
	fs.Float64Var(&w.WriteRatio, "write-ratio",
		getEnvFloat("SEGCACHE_WRITE_RATIO", 0.1),
		"Fraction of operations that are puts (env: SEGCACHE_WRITE_RATIO)")
	fs.Float64Var(&w.InvalidateRatio, "invalidate-ratio",
		getEnvFloat("SEGCACHE_INVALIDATE_RATIO", 0.02),
		"Fraction of operations that invalidate a key (env: SEGCACHE_INVALIDATE_RATIO)")
	fs.DurationVar(&w.LoadLatency, "load-latency",
		getEnvDuration("SEGCACHE_LOAD_LATENCY", 2*time.Millisecond),
		"Simulated backend latency per load (env: SEGCACHE_LOAD_LATENCY)")
	fs.Float64Var(&w.FailureRate, "failure-rate",
		getEnvFloat("SEGCACHE_FAILURE_RATE", 0.01),
		"Probability that a backend load fails (env: SEGCACHE_FAILURE_RATE)")
	fs.Float64Var(&w.Rate, "rate",
		getEnvFloat("SEGCACHE_RATE", 0),
		"Maximum operations per second, 0 for unthrottled (env: SEGCACHE_RATE)")
	fs.DurationVar(&w.ReportInterval, "report-interval",
		getEnvDuration("SEGCACHE_REPORT_INTERVAL", 5*time.Second),
		"Interval between statistics reports, 0 to disable (env: SEGCACHE_REPORT_INTERVAL)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %v", cfg.ShutdownTimeout)
	}
	return cfg.Workload.Validate()
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - segmented cache workload driver

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Drive the default cache for one minute
  %s --duration=1m

  # Use a bounded, refreshing cache from a file
  %s --config=configs/cachebench.yaml --log-format=text

  # Run with environment variables
  export SEGCACHE_CONFIG=/etc/segcache/cache.json
  export SEGCACHE_WORKERS=32
  %s

  # Validate configuration only
  %s --config=cache.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

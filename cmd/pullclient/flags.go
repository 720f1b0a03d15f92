package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	BaseURL         string
	AuthToken       string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsAddr     string
	Watch           []string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("PULL_CONFIG"),
		"Settings file(s), later files override earlier ones (env: PULL_CONFIG)")
	fs.StringVar(&cfg.BaseURL, "rest-url",
		getEnv("PULL_REST_BASE_URL", ""),
		"REST root of the portal (env: PULL_REST_BASE_URL)")
	fs.StringVar(&cfg.AuthToken, "auth",
		getEnv("PULL_REST_AUTH_TOKEN", ""),
		"REST auth token (env: PULL_REST_AUTH_TOKEN)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("PULL_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PULL_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("PULL_LOG_FORMAT", "json"),
		"Log format: json, text (env: PULL_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("PULL_DEBUG", false),
		"Enable debug logging (env: PULL_DEBUG)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("PULL_METRICS_ADDR", ""),
		"Serve metrics and health on this address, overrides the settings file (env: PULL_METRICS_ADDR)")
	fs.StringSliceVar(&cfg.Watch, "watch", nil, "Tags to watch, repeatable")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PULL_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: PULL_SHUTDOWN_TIMEOUT)")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate settings and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("settings file not found: %s", path)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printHelp(fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - realtime pull client

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Connect with a settings file
  %s --config=/etc/pullclient/settings.yaml

  # Override settings from the environment
  export PULL_REST_BASE_URL=https://portal.example.com/rest/
  export PULL_STORAGE_BACKEND=redis
  %s --log-format=text --watch=IM_PUBLIC

Version: %s
`, os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
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

// Package main runs a pull client from the command line. It logs every
// received event and serves metrics and health while connected.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/config"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/health"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/tlsutil"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pullclient"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/restapi"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/storage"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/subscription"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "pullclient"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			printHelp(fs)
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp(fs)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	settings, err := loadSettings(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Settings are valid", "settings", settings.String())
		return nil
	}
	logger.Info("Starting pull client", "settings", settings.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	client, kv, err := buildClient(ctx, settings, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()
	defer func() { _ = client.Close() }()

	logEvents(client, logger)
	for _, tag := range cliCfg.Watch {
		client.Watch(tag)
	}

	var server *metric.Server
	if settings.Metrics.Enabled || cliCfg.MetricsAddr != "" {
		addr := settings.Metrics.Addr
		if cliCfg.MetricsAddr != "" {
			addr = cliCfg.MetricsAddr
		}
		server = metric.NewServer(addr, settings.Metrics.Path, registry, health.Handler(client.Health))
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Serving metrics", "addr", addr, "path", settings.Metrics.Path)
	}

	if err := client.Start(nil); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	return nil
}

// loadSettings merges the settings files, the environment and the flags.
func loadSettings(cliCfg *CLIConfig) (*config.Settings, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	settings, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cliCfg.BaseURL != "" {
		settings.REST.BaseURL = cliCfg.BaseURL
	}
	if cliCfg.AuthToken != "" {
		settings.REST.AuthToken = cliCfg.AuthToken
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

func buildClient(
	ctx context.Context,
	settings *config.Settings,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*pullclient.Client, storage.Store, error) {
	tlsConfig, err := tlsutil.LoadClientTLSConfig(settings.TLS.Client())
	if err != nil {
		return nil, nil, fmt.Errorf("load tls: %w", err)
	}
	httpClient := &http.Client{}
	if tlsConfig != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsConfig
		httpClient.Transport = tr
	}

	caller, err := restapi.NewHTTPCaller(restapi.Config{
		BaseURL:    settings.REST.BaseURL,
		AuthToken:  settings.REST.AuthToken,
		Timeout:    settings.REST.Timeout,
		HTTPClient: httpClient,
		Logger:     logger,
		RateLimit:  settings.REST.RateLimit,
		RateBurst:  settings.REST.RateBurst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create rest caller: %w", err)
	}

	kv, err := storage.New(ctx, settings.Storage, storage.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", settings.Storage.Backend, err)
	}

	store := configstore.New(kv, caller,
		configstore.WithLogger(logger),
		configstore.WithConfigMethod(settings.REST.ConfigMethod),
		configstore.WithKeyPrefix(settings.Storage.Prefix),
	)

	client, err := pullclient.New(settings, store, caller,
		pullclient.WithLogger(logger),
		pullclient.WithMetrics(registry),
	)
	if err != nil {
		_ = kv.Close()
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	return client, kv, nil
}

// logEvents logs every notification the client delivers.
func logEvents(client *pullclient.Client, logger *slog.Logger) {
	categories := []subscription.Category{
		subscription.Server,
		subscription.Client,
		subscription.Online,
		subscription.Status,
		subscription.Revision,
	}
	for _, category := range categories {
		_, err := client.Subscribe(subscription.Options{
			Category: category,
			Callback: func(n subscription.Notification) {
				logger.Info("Event",
					"category", n.Category.String(),
					"module", n.ModuleID,
					"command", n.Command,
					"params", n.Params)
			},
		})
		if err != nil {
			logger.Warn("Subscribe failed", "category", category.String(), "error", err)
		}
	}
}

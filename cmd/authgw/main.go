// Package main is the entry point for the OIDC client gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mvhysko/authgw/internal/config"
	"github.com/mvhysko/authgw/internal/keycloak"
	"github.com/mvhysko/authgw/internal/observability"
	"github.com/mvhysko/authgw/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)

	gateway, err := keycloak.New(gatewayConfig(cfg),
		keycloak.WithGatewayLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to construct gateway", observability.Error(err))
	}

	gateway.Initialize(context.Background())

	srv := server.New(cfg, gateway, logger)

	watcher := startConfigWatcher(flags.configPath, srv, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	waitForShutdown(srv, watcher, errCh, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AUTHGW_CONFIG_PATH", "configs/authgw.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AUTHGW_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AUTHGW_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("authgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration. An
// incomplete configuration is fatal; the process never serves with
// missing provider settings.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting authgw",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("serverUri", cfg.Keycloak.ServerURI),
		observability.String("realm", cfg.Keycloak.Realm),
		observability.Int("port", cfg.Server.Port),
	)

	return cfg
}

// gatewayConfig maps file configuration to the gateway's config.
func gatewayConfig(cfg *config.Config) keycloak.Config {
	return keycloak.Config{
		ServerURI: cfg.Keycloak.ServerURI,
		Realm:     cfg.Keycloak.Realm,
		Client: keycloak.Credentials{
			ClientID:     cfg.Keycloak.Client.ClientID,
			ClientSecret: cfg.Keycloak.Client.ClientSecret,
		},
		AdminClient: keycloak.Credentials{
			ClientID:     cfg.Keycloak.AdminClient.ClientID,
			ClientSecret: cfg.Keycloak.AdminClient.ClientSecret,
		},
		RequestTimeout: cfg.Keycloak.RequestTimeout.Duration(),
		InitTimeout:    cfg.Keycloak.InitTimeout.Duration(),
		Breaker: keycloak.BreakerConfig{
			Enabled:   cfg.Keycloak.Breaker.Enabled,
			Threshold: cfg.Keycloak.Breaker.Threshold,
			Timeout:   cfg.Keycloak.Breaker.Timeout.Duration(),
		},
	}
}

// startConfigWatcher starts the configuration watcher. Reloads apply the
// hot-reloadable settings: log level and rate limits.
func startConfigWatcher(configPath string, srv *server.Server, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		if err := logger.SetLevel(newCfg.Logging.Level); err != nil {
			logger.Warn("invalid log level in reloaded configuration",
				observability.String("level", newCfg.Logging.Level),
				observability.Error(err),
			)
		}

		if rl := srv.RateLimiter(); rl != nil && newCfg.RateLimit.Enabled {
			rl.SetLimits(newCfg.RateLimit.RPS, newCfg.RateLimit.Burst)
		}

		logger.Info("configuration reloaded",
			observability.String("logLevel", newCfg.Logging.Level),
		)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable, continuing without hot reload",
			observability.Error(err),
		)
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// waitForShutdown blocks until a signal or server failure, then shuts
// down gracefully.
func waitForShutdown(
	srv *server.Server,
	watcher *config.Watcher,
	errCh <-chan error,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("failed to stop config watcher", observability.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	}

	logger.Info("shutdown complete")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	apperrors "github.com/namelens/aoaisim/internal/errors"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/pipeline"
	"github.com/namelens/aoaisim/internal/server"
	"github.com/namelens/aoaisim/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return apperrors.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulator",
	Long: `Start the simulator HTTP server.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: graceful shutdown, saving recordings in record mode
  • Ctrl+C twice within 2s: force quit
  • SIGHUP: reload the config file and deployment table`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (default 0.0.0.0)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (default 8000)")
	serveCmd.Flags().String("mode", "", "simulator mode: generate|record|replay")
	serveCmd.Flags().String("recording-dir", "", "directory for recordings")
	serveCmd.Flags().String("recording-format", "", "recording format: yaml|json|sqlite|libsql")
	serveCmd.Flags().String("deployments", "", "deployment table file (json, yaml or toml)")
	serveCmd.Flags().Bool("watch-deployments", false, "reload the deployment table when the file changes")

	bindFlag("server.host", "host")
	bindFlag("server.port", "port")
	bindFlag("simulator_mode", "mode")
	bindFlag("recording.dir", "recording-dir")
	bindFlag("recording.format", "recording-format")
	bindFlag("deployment_config_path", "deployments")
	bindFlag("watch_deployments", "watch-deployments")
}

func bindFlag(key, flag string) {
	_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(flag))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	identity := GetAppIdentity()
	namespace := identity.TelemetryNamespace()

	cfg, err := loadConfig(ctx)
	if err != nil {
		ExitWithCode(observability.CLILogger, exitCodeFor(err), "Invalid configuration", err)
		return err
	}

	observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "metrics initialization failed")
		}
	}

	sim, err := pipeline.New(ctx, cfg, pipeline.Options{Logger: logger})
	if err != nil {
		ExitWithCode(logger, foundry.ExitConfigInvalid, "Failed to start simulator", err)
		return err
	}

	logger.Info("Initializing server",
		zap.String("service", identity.BinaryName),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("mode", cfg.SimulatorMode),
		zap.Int("metrics_port", cfg.Metrics.Port))

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("simulator", handlers.CheckerFunc(sim.CheckHealth))
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	handlers.SetAppIdentity(identity)

	srv := server.New(cfg.Server, sim)

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	if cfg.WatchDeployments && cfg.DeploymentConfigPath != "" {
		go watchDeployments(watchCtx, cfg.DeploymentConfigPath, sim)
	}
	go sim.WarmGenerators(watchCtx)

	registerShutdown(srv, sim, cfg.Server.ShutdownTimeout, stopWatching)
	signals.OnReload(func(ctx context.Context) error {
		return reloadConfig(ctx, sim)
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "server error")
	}
	return nil
}

// registerShutdown registers the shutdown steps. Handlers run last
// registered first: stop the server, save recordings, close the simulator,
// then stop metrics and flush the logger.
func registerShutdown(srv *server.Server, sim *pipeline.Simulator, timeout time.Duration, stopWatching func()) {
	logger := observability.ServerLogger
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	signals.OnShutdown(func(ctx context.Context) error {
		if err := observability.ShutdownMetrics(); err != nil {
			logger.Warn("Failed to stop metrics exporter", zap.Error(err))
		}
		if err := logger.Sync(); err != nil {
			// stdout/stderr may already be closed
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		stopWatching()
		return sim.Close()
	})

	signals.OnShutdown(func(ctx context.Context) error {
		err := sim.SaveRecordings(ctx)
		if errors.Is(err, pipeline.ErrNotRecording) {
			return nil
		}
		if err != nil {
			logger.Error("Failed to save recordings on shutdown", zap.Error(err))
		}
		return err
	})

	signals.OnShutdown(func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})
}

// reloadConfig re-reads the config file and applies it to the running
// simulator. A generated API key is carried over so clients keep working.
func reloadConfig(ctx context.Context, sim *pipeline.Simulator) error {
	logger := observability.ServerLogger
	logger.Info("Received SIGHUP: reloading config")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Error("Failed to reload config file",
				zap.String("file", viper.ConfigFileUsed()),
				zap.Error(err))
			return apperrors.Wrap(ctx, apperrors.CodeConfigInvalid, err, "config reload failed")
		}
	}

	var overrides []map[string]any
	if !apiKeyConfigured() {
		overrides = append(overrides, map[string]any{"simulator_api_key": sim.Config().SimulatorAPIKey})
	}
	cfg, err := loadConfig(ctx, overrides...)
	if err != nil {
		logger.Error("Reloaded config is invalid, keeping the running config", zap.Error(err))
		return apperrors.Wrap(ctx, apperrors.CodeConfigInvalid, err, "config reload failed")
	}
	if err := applyReloaded(ctx, sim, cfg); err != nil {
		return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "config reload failed")
	}
	go sim.WarmGenerators(context.WithoutCancel(ctx))

	logger.Info("Configuration reloaded", zap.String("file", viper.ConfigFileUsed()))
	return nil
}

// applyReloaded hands cfg to the simulator and publishes whichever config
// ends up running. config.Load publishes cfg before the simulator has
// accepted it, so a rejected reload puts the running config back.
func applyReloaded(ctx context.Context, sim *pipeline.Simulator, cfg *config.Config) error {
	if err := sim.ApplyConfig(ctx, cfg); err != nil {
		config.SetConfig(sim.Config())
		return err
	}
	config.SetConfig(cfg)
	return nil
}

func apiKeyConfigured() bool {
	if strings.TrimSpace(viper.GetString("simulator_api_key")) != "" {
		return true
	}
	return strings.TrimSpace(os.Getenv("SIMULATOR_API_KEY")) != ""
}

func watchDeployments(ctx context.Context, path string, sim *pipeline.Simulator) {
	logger := observability.ServerLogger
	logger.Info("👀 Watching deployment file", zap.String("path", path))
	apply := func(deployments map[string]config.Deployment) {
		sim.SetDeployments(deployments)
		config.SetConfig(sim.Config())
		go sim.WarmGenerators(ctx)
	}
	err := config.WatchDeployments(ctx, path, apply, func(err error) {
		logger.Warn("Failed to reload deployment file", zap.String("path", path), zap.Error(err))
	})
	if err != nil {
		logger.Error("Deployment watcher stopped", zap.Error(err))
	}
}

package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/namelens/aoaisim/internal/errors"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/recording"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Check that the configuration is valid and that the limits storage and recording store can be opened.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			logger.Error("❌ FAIL: Version information missing")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig(ctx)
		if err != nil {
			logger.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(logger, exitCodeFor(err), "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration valid",
			zap.String("mode", cfg.SimulatorMode),
			zap.Int("deployments", len(cfg.OpenAIDeployments)))

		if err := checkLimitsStorage(ctx, cfg.Limits.StorageConnectionString); err != nil {
			logger.Error("❌ FAIL: Limits storage unavailable")
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Limits storage unavailable", err)
			return
		}
		logger.Info("✅ Limits storage reachable", zap.String("storage", limiter.Describe(cfg.Limits.StorageConnectionString)))

		persister, err := recording.NewPersister(ctx, cfg.Recording)
		if err != nil {
			logger.Error("❌ FAIL: Recording store unavailable")
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Recording store unavailable", err)
			return
		}
		_ = persister.Close()
		logger.Info("✅ Recording store ready", zap.String("format", cfg.Recording.Format))

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func checkLimitsStorage(ctx context.Context, conn string) error {
	store, err := limiter.NewStore(conn)
	if err != nil {
		return err
	}
	defer store.Close() // nolint:errcheck // best-effort cleanup
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

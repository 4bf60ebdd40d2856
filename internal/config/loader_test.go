package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify simulator defaults
		assert.Equal(t, ModeGenerate, cfg.SimulatorMode)
		assert.Len(t, cfg.SimulatorAPIKey, 30)
		assert.True(t, cfg.AllowUndefinedOpenAIDeployments)
		assert.Len(t, cfg.OpenAIDeployments, 9)
		embedding, ok := cfg.Deployment("embedding")
		require.True(t, ok)
		assert.Equal(t, "text-embedding-ada-002", embedding.Model)
		assert.Equal(t, 1536, embedding.EmbeddingSize)
		small, ok := cfg.Deployment("gpt-35-turbo-1k-token")
		require.True(t, ok)
		assert.Equal(t, 1000, small.TokensPerMinute)

		// Verify recording defaults
		assert.Equal(t, ".recording", cfg.Recording.Dir)
		assert.Equal(t, FormatYAML, cfg.Recording.Format)
		assert.True(t, cfg.Recording.Autosave)
		assert.Equal(t, filepath.Join(".recording", "recordings.db"), cfg.Recording.StorePath)

		// Verify latency defaults
		assert.Equal(t, LatencySetting{Mean: 100, StdDev: 30}, cfg.Latency.OpenAIEmbeddings)
		assert.Equal(t, LatencySetting{Mean: 15, StdDev: 2}, cfg.Latency.OpenAICompletions)
		assert.Equal(t, LatencySetting{Mean: 19, StdDev: 6}, cfg.Latency.OpenAIChatCompletions)

		// Verify limits and forwarding defaults
		assert.Equal(t, "memory://", cfg.Limits.StorageConnectionString)
		assert.Equal(t, 15, cfg.Limits.DocIntelligenceRPS)
		assert.Equal(t, 30*time.Second, cfg.Forwarding.AzureOpenAI.Timeout)

		// Verify observability defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
			},
			"simulator_mode": "replay",
			"latency": map[string]any{
				"open_ai_completions": map[string]any{
					"mean": 42,
				},
			},
		}

		cfg, err := Load(ctx, nil, overrides)
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, ModeReplay, cfg.SimulatorMode)
		assert.Equal(t, 42.0, cfg.Latency.OpenAICompletions.Mean)
		assert.Equal(t, 2.0, cfg.Latency.OpenAICompletions.StdDev)
	})

	t.Run("HistoricalEnvNames", func(t *testing.T) {
		t.Setenv("SIMULATOR_MODE", "record")
		t.Setenv("SIMULATOR_API_KEY", "secret-key")
		t.Setenv("RECORDING_AUTOSAVE", "false")
		t.Setenv("LATENCY_OPENAI_CHAT_COMPLETIONS_MEAN", "25.5")
		t.Setenv("DOC_INTELLIGENCE_RPS", "3")
		t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")

		cfg, err := Load(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, ModeRecord, cfg.SimulatorMode)
		assert.Equal(t, "secret-key", cfg.SimulatorAPIKey)
		assert.False(t, cfg.Recording.Autosave)
		assert.Equal(t, 25.5, cfg.Latency.OpenAIChatCompletions.Mean)
		assert.Equal(t, 3, cfg.Limits.DocIntelligenceRPS)
		assert.Equal(t, "https://example.openai.azure.com", cfg.Forwarding.AzureOpenAI.Endpoint)
	})

	t.Run("PrefixedEnvNames", func(t *testing.T) {
		t.Setenv("AOAISIM_PORT", "3000")
		t.Setenv("AOAISIM_LOG_LEVEL", "warn")
		t.Setenv("AOAISIM_READ_TIMEOUT", "45s")
		t.Setenv("AOAISIM_METRICS_ENABLED", "false")

		cfg, err := Load(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.False(t, cfg.Metrics.Enabled)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
simulator_mode: replay
recording:
  dir: /tmp/recs
  format: json
openai_deployments:
  small:
    model: gpt-4o
    tokens_per_minute: 500
`), 0o600))

		v := viper.New()
		SetDefaults(v)
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := Load(ctx, v)
		require.NoError(t, err)

		assert.Equal(t, ModeReplay, cfg.SimulatorMode)
		assert.Equal(t, FormatJSON, cfg.Recording.Format)
		assert.Equal(t, "/tmp/recs", cfg.Recording.Dir)
		require.Len(t, cfg.OpenAIDeployments, 1)
		assert.Equal(t, Deployment{Name: "small", Model: "gpt-4o", TokensPerMinute: 500}, cfg.OpenAIDeployments["small"])
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := Load(ctx, nil, map[string]any{"simulator_mode": "chaos"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "simulator_mode")
	})

	t.Run("InvalidRecordingFormat", func(t *testing.T) {
		_, err := Load(ctx, nil, map[string]any{"recording": map[string]any{"format": "xml"}})
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx, nil, map[string]any{"server": map[string]any{"port": 8123}})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	patched := cfg.Clone()
	patched.SimulatorMode = ModeReplay
	SetConfig(patched)
	assert.Equal(t, ModeReplay, GetConfig().SimulatorMode)
	assert.Equal(t, ModeGenerate, cfg.SimulatorMode)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background(), nil)
	require.NoError(t, err)

	envVarNames := make(map[string]bool)
	for _, spec := range getEnvSpecs() {
		envVarNames[spec.Name] = true
	}

	for _, name := range []string{
		"SIMULATOR_MODE",
		"SIMULATOR_API_KEY",
		"RECORDING_DIR",
		"AZURE_OPENAI_KEY",
		"LIMITS_STORAGE_CONNECTION_STRING",
		"OPENAI_DEPLOYMENT_CONFIG_PATH",
		"AOAISIM_LOG_LEVEL",
		"AOAISIM_PORT",
		"AOAISIM_METRICS_PORT",
	} {
		assert.True(t, envVarNames[name], "%s env var must be mapped", name)
	}
}

func TestClone(t *testing.T) {
	cfg := &Config{OpenAIDeployments: DefaultDeployments()}
	clone := cfg.Clone()
	clone.OpenAIDeployments["extra"] = Deployment{Model: "gpt-4", TokensPerMinute: 1}

	assert.NotContains(t, cfg.OpenAIDeployments, "extra")
	assert.Nil(t, (*Config)(nil).Clone())
}

func TestGenerateAPIKey(t *testing.T) {
	a := GenerateAPIKey()
	b := GenerateAPIKey()
	assert.Len(t, a, 30)
	assert.NotEqual(t, a, b)
}

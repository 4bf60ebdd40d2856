// Package config provides centralized configuration management for the
// simulator. Values are layered from built-in defaults, an optional config
// file, AOAISIM_* environment variables and the unprefixed environment
// variable names used by earlier releases of the simulator.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/namelens/aoaisim/internal/appid"
)

// ErrInvalid is returned when the merged configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
)

// EnvVarSpec defines environment variable mappings for config fields
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Simulator defaults
	v.SetDefault("simulator_mode", ModeGenerate)
	v.SetDefault("simulator_api_key", "")
	v.SetDefault("allow_undefined_openai_deployments", true)
	v.SetDefault("deployment_config_path", "")
	v.SetDefault("watch_deployments", false)

	// Recording defaults
	v.SetDefault("recording.dir", ".recording")
	v.SetDefault("recording.format", FormatYAML)
	v.SetDefault("recording.autosave", true)
	v.SetDefault("recording.store_path", "")
	v.SetDefault("recording.store_url", "")
	v.SetDefault("recording.auth_token", "")

	// Forwarding defaults
	v.SetDefault("forwarding.azure_openai.endpoint", "")
	v.SetDefault("forwarding.azure_openai.key", "")
	v.SetDefault("forwarding.azure_openai.timeout", "30s")
	v.SetDefault("forwarding.form_recognizer.endpoint", "")
	v.SetDefault("forwarding.form_recognizer.key", "")
	v.SetDefault("forwarding.form_recognizer.timeout", "30s")

	// Latency defaults (milliseconds)
	v.SetDefault("latency.open_ai_embeddings.mean", 100)
	v.SetDefault("latency.open_ai_embeddings.std_dev", 30)
	v.SetDefault("latency.open_ai_completions.mean", 15)
	v.SetDefault("latency.open_ai_completions.std_dev", 2)
	v.SetDefault("latency.open_ai_chat_completions.mean", 19)
	v.SetDefault("latency.open_ai_chat_completions.std_dev", 6)

	// Limits defaults
	v.SetDefault("limits.storage_connection_string", "memory://")
	v.SetDefault("limits.doc_intelligence_rps", 15)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)
}

// Load decodes the settings held by v, applies environment overrides and
// any runtime overrides, validates the result and makes it current.
//
// A nil v loads the built-in defaults. Deployment names given inline in a
// config file pass through viper and are therefore lower-cased; use
// deployment_config_path to keep their case.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	if v == nil {
		v = viper.New()
		SetDefaults(v)
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	merged := v.AllSettings()
	mergeSettings(merged, envOverrides)
	for _, overrides := range runtimeOverrides {
		mergeSettings(merged, overrides)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

func applyDerived(cfg *Config) error {
	if strings.TrimSpace(cfg.SimulatorAPIKey) == "" {
		cfg.SimulatorAPIKey = GenerateAPIKey()
	}

	if path := strings.TrimSpace(cfg.DeploymentConfigPath); path != "" {
		deployments, err := LoadDeploymentFile(path)
		if err != nil {
			return err
		}
		cfg.OpenAIDeployments = deployments
	}
	if len(cfg.OpenAIDeployments) == 0 {
		cfg.OpenAIDeployments = DefaultDeployments()
	}
	for name, d := range cfg.OpenAIDeployments {
		if d.Name == "" {
			d.Name = name
			cfg.OpenAIDeployments[name] = d
		}
	}

	if cfg.Recording.StorePath == "" && cfg.Recording.StoreURL == "" {
		cfg.Recording.StorePath = filepath.Join(cfg.Recording.Dir, "recordings.db")
	}
	return nil
}

// GenerateAPIKey returns a random 30 character key.
func GenerateAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:30]
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetConfig replaces the current configuration, e.g. after a PATCH of the
// running simulator.
func SetConfig(cfg *Config) {
	setConfig(cfg)
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns environment variable specifications for config
// mapping. The unprefixed names come first so prefixed values win.
func getEnvSpecs() []EnvVarSpec {
	specs := []EnvVarSpec{
		{Name: "SIMULATOR_MODE", Path: []string{"simulator_mode"}, Type: EnvString},
		{Name: "SIMULATOR_API_KEY", Path: []string{"simulator_api_key"}, Type: EnvString},
		{Name: "ALLOW_UNDEFINED_OPENAI_DEPLOYMENTS", Path: []string{"allow_undefined_openai_deployments"}, Type: EnvBool},
		{Name: "OPENAI_DEPLOYMENT_CONFIG_PATH", Path: []string{"deployment_config_path"}, Type: EnvString},

		{Name: "RECORDING_DIR", Path: []string{"recording", "dir"}, Type: EnvString},
		{Name: "RECORDING_AUTOSAVE", Path: []string{"recording", "autosave"}, Type: EnvBool},
		{Name: "RECORDING_FORMAT", Path: []string{"recording", "format"}, Type: EnvString},

		{Name: "AZURE_OPENAI_ENDPOINT", Path: []string{"forwarding", "azure_openai", "endpoint"}, Type: EnvString},
		{Name: "AZURE_OPENAI_KEY", Path: []string{"forwarding", "azure_openai", "key"}, Type: EnvString},
		{Name: "AZURE_FORM_RECOGNIZER_ENDPOINT", Path: []string{"forwarding", "form_recognizer", "endpoint"}, Type: EnvString},
		{Name: "AZURE_FORM_RECOGNIZER_KEY", Path: []string{"forwarding", "form_recognizer", "key"}, Type: EnvString},

		// Float fields are parsed as strings and converted by the mapstructure decode hook
		{Name: "LATENCY_OPENAI_EMBEDDINGS_MEAN", Path: []string{"latency", "open_ai_embeddings", "mean"}, Type: EnvString},
		{Name: "LATENCY_OPENAI_EMBEDDINGS_STD_DEV", Path: []string{"latency", "open_ai_embeddings", "std_dev"}, Type: EnvString},
		{Name: "LATENCY_OPENAI_COMPLETIONS_MEAN", Path: []string{"latency", "open_ai_completions", "mean"}, Type: EnvString},
		{Name: "LATENCY_OPENAI_COMPLETIONS_STD_DEV", Path: []string{"latency", "open_ai_completions", "std_dev"}, Type: EnvString},
		{Name: "LATENCY_OPENAI_CHAT_COMPLETIONS_MEAN", Path: []string{"latency", "open_ai_chat_completions", "mean"}, Type: EnvString},
		{Name: "LATENCY_OPENAI_CHAT_COMPLETIONS_STD_DEV", Path: []string{"latency", "open_ai_chat_completions", "std_dev"}, Type: EnvString},

		{Name: "LIMITS_STORAGE_CONNECTION_STRING", Path: []string{"limits", "storage_connection_string"}, Type: EnvString},
		{Name: "DOC_INTELLIGENCE_RPS", Path: []string{"limits", "doc_intelligence_rps"}, Type: EnvInt},
	}

	if appIdentity == nil {
		return specs
	}

	prefix := appIdentity.EnvPrefix
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	return append(specs, []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "MODE", Path: []string{"simulator_mode"}, Type: EnvString},
		{Name: prefix + "API_KEY", Path: []string{"simulator_api_key"}, Type: EnvString},
		{Name: prefix + "DEPLOYMENTS_PATH", Path: []string{"deployment_config_path"}, Type: EnvString},
		{Name: prefix + "WATCH_DEPLOYMENTS", Path: []string{"watch_deployments"}, Type: EnvBool},

		// Recording store
		{Name: prefix + "RECORDING_STORE_PATH", Path: []string{"recording", "store_path"}, Type: EnvString},
		{Name: prefix + "RECORDING_STORE_URL", Path: []string{"recording", "store_url"}, Type: EnvString},
		{Name: prefix + "RECORDING_AUTH_TOKEN", Path: []string{"recording", "auth_token"}, Type: EnvString},

		{Name: prefix + "FORWARDING_TIMEOUT", Path: []string{"forwarding", "azure_openai", "timeout"}, Type: EnvString},

		// Logging config (REQUIRED per Workhorse Standard)
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}...)
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "aoaisim" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "aoaisim"
	binaryName = "aoaisim"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// mergeSettings deep-merges src into dst. Nested maps are merged key by
// key, everything else in src replaces the value in dst.
func mergeSettings(dst, src map[string]any) {
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		mergeSettings(dstMap, srcMap)
	}
}

package config

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Simulator modes.
const (
	ModeGenerate = "generate"
	ModeRecord   = "record"
	ModeReplay   = "replay"
)

// Recording formats.
const (
	FormatYAML   = "yaml"
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
	FormatLibSQL = "libsql"
)

// Config represents the complete simulator configuration.
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: config file (~/.config/aoaisim/config.yaml or --config)
// Layer 3: environment variables (AOAISIM_* and the historical unprefixed names)
type Config struct {
	Server ServerConfig `mapstructure:"server"`

	SimulatorMode                   string                `mapstructure:"simulator_mode"`
	SimulatorAPIKey                 string                `mapstructure:"simulator_api_key"`
	AllowUndefinedOpenAIDeployments bool                  `mapstructure:"allow_undefined_openai_deployments"`
	OpenAIDeployments               map[string]Deployment `mapstructure:"openai_deployments"`
	DeploymentConfigPath            string                `mapstructure:"deployment_config_path"`
	WatchDeployments                bool                  `mapstructure:"watch_deployments"`

	Recording  RecordingConfig  `mapstructure:"recording"`
	Forwarding ForwardingConfig `mapstructure:"forwarding"`
	Latency    LatencyConfig    `mapstructure:"latency"`
	Limits     LimitsConfig     `mapstructure:"limits"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Deployment is a named capacity allocation bound to one model.
type Deployment struct {
	Name            string `mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Model           string `mapstructure:"model" json:"model" yaml:"model" toml:"model"`
	TokensPerMinute int    `mapstructure:"tokens_per_minute" json:"tokensPerMinute" yaml:"tokensPerMinute" toml:"tokensPerMinute"`
	EmbeddingSize   int    `mapstructure:"embedding_size" json:"embeddingSize,omitempty" yaml:"embeddingSize,omitempty" toml:"embeddingSize,omitempty"`
}

// RecordingConfig controls where captured interactions are stored.
type RecordingConfig struct {
	Dir      string `mapstructure:"dir"`
	Format   string `mapstructure:"format"`
	Autosave bool   `mapstructure:"autosave"`

	// StorePath and StoreURL are used by the sqlite and libsql formats.
	StorePath string `mapstructure:"store_path"`
	StoreURL  string `mapstructure:"store_url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ForwardingConfig holds the real backends used in record mode.
type ForwardingConfig struct {
	AzureOpenAI    EndpointConfig `mapstructure:"azure_openai"`
	FormRecognizer EndpointConfig `mapstructure:"form_recognizer"`
}

// EndpointConfig describes one upstream service.
type EndpointConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Key      string        `mapstructure:"key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LatencyConfig holds the per-operation latency distributions. Completion
// and chat values are milliseconds per completion token, embeddings are
// milliseconds per request.
type LatencyConfig struct {
	OpenAIEmbeddings      LatencySetting `mapstructure:"open_ai_embeddings" json:"open_ai_embeddings"`
	OpenAICompletions     LatencySetting `mapstructure:"open_ai_completions" json:"open_ai_completions"`
	OpenAIChatCompletions LatencySetting `mapstructure:"open_ai_chat_completions" json:"open_ai_chat_completions"`
}

// LatencySetting is a normal distribution in milliseconds.
type LatencySetting struct {
	Mean   float64 `mapstructure:"mean" json:"mean"`
	StdDev float64 `mapstructure:"std_dev" json:"std_dev"`
}

// LimitsConfig configures rate-limit state storage.
type LimitsConfig struct {
	// StorageConnectionString is memory:// or a redis:// URL. ${VAR}
	// references are expanded from the environment.
	StorageConnectionString string `mapstructure:"storage_connection_string"`
	DocIntelligenceRPS      int    `mapstructure:"doc_intelligence_rps"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultDeployments is the deployment table used when none is configured.
func DefaultDeployments() map[string]Deployment {
	out := map[string]Deployment{
		"embedding": {Name: "embedding", Model: "text-embedding-ada-002", TokensPerMinute: 10000, EmbeddingSize: 1536},
	}
	for _, size := range []struct {
		suffix string
		tpm    int
	}{
		{"1k", 1000},
		{"2k", 2000},
		{"5k", 5000},
		{"10k", 10000},
		{"20k", 20000},
		{"50k", 50000},
		{"100k", 100000},
		{"100m", 100000000},
	} {
		name := "gpt-35-turbo-" + size.suffix + "-token"
		out[name] = Deployment{Name: name, Model: "gpt-3.5-turbo", TokensPerMinute: size.tpm}
	}
	return out
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	var problems []string

	switch c.SimulatorMode {
	case ModeGenerate, ModeRecord, ModeReplay:
	default:
		problems = append(problems, fmt.Sprintf("simulator_mode %q must be one of generate, record, replay", c.SimulatorMode))
	}

	switch c.Recording.Format {
	case FormatYAML, FormatJSON, FormatSQLite, FormatLibSQL:
	default:
		problems = append(problems, fmt.Sprintf("recording.format %q must be one of yaml, json, sqlite, libsql", c.Recording.Format))
	}

	for name, d := range c.OpenAIDeployments {
		if strings.TrimSpace(d.Model) == "" {
			problems = append(problems, fmt.Sprintf("deployment %q has no model", name))
		}
		if d.TokensPerMinute <= 0 {
			problems = append(problems, fmt.Sprintf("deployment %q tokens per minute must be positive", name))
		}
	}

	for name, l := range map[string]LatencySetting{
		"open_ai_embeddings":       c.Latency.OpenAIEmbeddings,
		"open_ai_completions":      c.Latency.OpenAICompletions,
		"open_ai_chat_completions": c.Latency.OpenAIChatCompletions,
	} {
		if l.Mean < 0 || l.StdDev < 0 {
			problems = append(problems, fmt.Sprintf("latency.%s must not be negative", name))
		}
	}

	if c.Limits.DocIntelligenceRPS < 0 {
		problems = append(problems, "limits.doc_intelligence_rps must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a copy that can be patched without affecting c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.OpenAIDeployments = maps.Clone(c.OpenAIDeployments)
	return &out
}

// Deployment returns the named deployment.
func (c *Config) Deployment(name string) (Deployment, bool) {
	d, ok := c.OpenAIDeployments[name]
	if ok && d.Name == "" {
		d.Name = name
	}
	return d, ok
}

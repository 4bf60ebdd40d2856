package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		SimulatorMode:                   ModeGenerate,
		AllowUndefinedOpenAIDeployments: true,
		OpenAIDeployments:               DefaultDeployments(),
		Recording:                       RecordingConfig{Format: FormatYAML},
		Latency: LatencyConfig{
			OpenAIEmbeddings:      LatencySetting{Mean: 100, StdDev: 30},
			OpenAICompletions:     LatencySetting{Mean: 15, StdDev: 2},
			OpenAIChatCompletions: LatencySetting{Mean: 19, StdDev: 6},
		},
	}
}

func TestPatchSchema(t *testing.T) {
	data, err := PatchSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "simulator_mode")
	assert.Contains(t, props, "latency")
	assert.Contains(t, props, "openai_deployments")
}

func TestParsePatch(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		patch, err := ParsePatch([]byte(`{
			"simulator_mode": "replay",
			"allow_undefined_openai_deployments": false,
			"latency": {"open_ai_chat_completions": {"mean": 5}},
			"openai_deployments": {"new-one": {"model": "gpt-4o", "tokensPerMinute": 100}}
		}`))
		require.NoError(t, err)

		cfg := baseConfig()
		out, err := patch.Apply(cfg)
		require.NoError(t, err)

		assert.Equal(t, ModeReplay, out.SimulatorMode)
		assert.False(t, out.AllowUndefinedOpenAIDeployments)
		assert.Equal(t, LatencySetting{Mean: 5, StdDev: 6}, out.Latency.OpenAIChatCompletions)
		assert.Equal(t, LatencySetting{Mean: 15, StdDev: 2}, out.Latency.OpenAICompletions)
		assert.Equal(t, Deployment{Name: "new-one", Model: "gpt-4o", TokensPerMinute: 100}, out.OpenAIDeployments["new-one"])

		// The source config is untouched.
		assert.Equal(t, ModeGenerate, cfg.SimulatorMode)
		assert.NotContains(t, cfg.OpenAIDeployments, "new-one")
	})

	t.Run("EmptyPatch", func(t *testing.T) {
		patch, err := ParsePatch([]byte(`{}`))
		require.NoError(t, err)
		out, err := patch.Apply(baseConfig())
		require.NoError(t, err)
		assert.Equal(t, baseConfig(), out)
	})

	invalid := map[string]string{
		"UnknownMode":       `{"simulator_mode": "chaos"}`,
		"UnknownField":      `{"debug": true}`,
		"NegativeLatency":   `{"latency": {"open_ai_embeddings": {"std_dev": -1}}}`,
		"WrongType":         `{"allow_undefined_openai_deployments": "yes"}`,
		"DeploymentNoModel": `{"openai_deployments": {"x": {"tokensPerMinute": 10}}}`,
		"MalformedJSON":     `{"simulator_mode":`,
	}
	for name, body := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePatch([]byte(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

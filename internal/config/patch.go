package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	schemagen "github.com/invopop/jsonschema"
	schemaval "github.com/santhosh-tekuri/jsonschema/v5"
)

// Patch is the body accepted by PATCH /++/config. Absent fields leave the
// running configuration untouched.
type Patch struct {
	SimulatorMode                   *string                    `json:"simulator_mode,omitempty" jsonschema:"enum=generate,enum=record,enum=replay"`
	AllowUndefinedOpenAIDeployments *bool                      `json:"allow_undefined_openai_deployments,omitempty"`
	Latency                         *LatencyPatch              `json:"latency,omitempty"`
	OpenAIDeployments               map[string]DeploymentPatch `json:"openai_deployments,omitempty"`
}

// LatencyPatch updates individual latency distributions.
type LatencyPatch struct {
	OpenAIEmbeddings      *LatencySettingPatch `json:"open_ai_embeddings,omitempty"`
	OpenAICompletions     *LatencySettingPatch `json:"open_ai_completions,omitempty"`
	OpenAIChatCompletions *LatencySettingPatch `json:"open_ai_chat_completions,omitempty"`
}

// LatencySettingPatch updates the mean and/or standard deviation.
type LatencySettingPatch struct {
	Mean   *float64 `json:"mean,omitempty" jsonschema:"minimum=0"`
	StdDev *float64 `json:"std_dev,omitempty" jsonschema:"minimum=0"`
}

// DeploymentPatch adds or replaces one deployment.
type DeploymentPatch struct {
	Model           string `json:"model" jsonschema:"minLength=1"`
	TokensPerMinute int    `json:"tokensPerMinute" jsonschema:"minimum=1"`
	EmbeddingSize   int    `json:"embeddingSize,omitempty" jsonschema:"minimum=0"`
}

const patchSchemaURL = "https://aoaisim.local/schemas/config-patch.json"

var (
	patchSchemaOnce sync.Once
	patchSchema     *schemaval.Schema
	patchSchemaJSON []byte
	patchSchemaErr  error
)

// PatchSchema returns the JSON schema document for Patch.
func PatchSchema() ([]byte, error) {
	compilePatchSchema()
	return patchSchemaJSON, patchSchemaErr
}

func compilePatchSchema() {
	patchSchemaOnce.Do(func() {
		reflector := &schemagen.Reflector{Anonymous: true, DoNotReference: true}
		data, err := json.Marshal(reflector.Reflect(&Patch{}))
		if err != nil {
			patchSchemaErr = fmt.Errorf("generate patch schema: %w", err)
			return
		}
		patchSchemaJSON = data

		compiler := schemaval.NewCompiler()
		if err := compiler.AddResource(patchSchemaURL, bytes.NewReader(data)); err != nil {
			patchSchemaErr = fmt.Errorf("load patch schema: %w", err)
			return
		}
		patchSchema, patchSchemaErr = compiler.Compile(patchSchemaURL)
	})
}

// ParsePatch validates data against the patch schema and decodes it.
func ParsePatch(data []byte) (*Patch, error) {
	compilePatchSchema()
	if patchSchemaErr != nil {
		return nil, patchSchemaErr
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalid, err)
	}
	if err := patchSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	patch := &Patch{}
	if err := json.Unmarshal(data, patch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return patch, nil
}

// Apply returns a validated copy of cfg with the patch applied.
func (p *Patch) Apply(cfg *Config) (*Config, error) {
	out := cfg.Clone()

	if p.SimulatorMode != nil {
		out.SimulatorMode = *p.SimulatorMode
	}
	if p.AllowUndefinedOpenAIDeployments != nil {
		out.AllowUndefinedOpenAIDeployments = *p.AllowUndefinedOpenAIDeployments
	}
	if p.Latency != nil {
		p.Latency.OpenAIEmbeddings.applyTo(&out.Latency.OpenAIEmbeddings)
		p.Latency.OpenAICompletions.applyTo(&out.Latency.OpenAICompletions)
		p.Latency.OpenAIChatCompletions.applyTo(&out.Latency.OpenAIChatCompletions)
	}
	if len(p.OpenAIDeployments) > 0 {
		if out.OpenAIDeployments == nil {
			out.OpenAIDeployments = map[string]Deployment{}
		}
		for name, d := range p.OpenAIDeployments {
			out.OpenAIDeployments[name] = Deployment{
				Name:            name,
				Model:           d.Model,
				TokensPerMinute: d.TokensPerMinute,
				EmbeddingSize:   d.EmbeddingSize,
			}
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *LatencySettingPatch) applyTo(setting *LatencySetting) {
	if p == nil {
		return
	}
	if p.Mean != nil {
		setting.Mean = *p.Mean
	}
	if p.StdDev != nil {
		setting.StdDev = *p.StdDev
	}
}

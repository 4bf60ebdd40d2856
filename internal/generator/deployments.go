package generator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
)

// ErrDeploymentNotFound is returned for unknown deployments when undefined
// deployments are not allowed.
var ErrDeploymentNotFound = errors.New("deployment not found")

// DefaultChatModel substitutes for unknown completion and chat deployments
// when undefined deployments are allowed.
const DefaultChatModel = "gpt-3.5-turbo-0613"

// DefaultEmbeddingDeployment is the substitute for unknown embedding
// deployments.
var DefaultEmbeddingDeployment = config.Deployment{
	Name:            "embedding",
	Model:           "text-embedding-ada-002",
	TokensPerMinute: 10000,
	EmbeddingSize:   1536,
}

const (
	defaultContextLimit = 4097
	gpt4oContextLimit   = 128000
)

type resolver struct {
	logger *logging.Logger
	warned sync.Map
}

// model returns the model behind a completion or chat deployment.
func (r *resolver) model(cfg *config.Config, name string) (string, error) {
	if d, ok := cfg.Deployment(name); ok {
		return d.Model, nil
	}
	if cfg.AllowUndefinedOpenAIDeployments {
		r.warnOnce(name, "Deployment not found in config, using default model",
			zap.String("deployment", name),
			zap.String("model", DefaultChatModel))
		return DefaultChatModel, nil
	}
	r.warnOnce(name, "Deployment not found in config and undefined deployments are not allowed",
		zap.String("deployment", name))
	return "", fmt.Errorf("%w: %s", ErrDeploymentNotFound, name)
}

// embedding returns the deployment used for an embeddings request.
func (r *resolver) embedding(cfg *config.Config, name string) (config.Deployment, error) {
	if d, ok := cfg.Deployment(name); ok {
		if d.EmbeddingSize <= 0 {
			d.EmbeddingSize = DefaultEmbeddingDeployment.EmbeddingSize
		}
		return d, nil
	}
	if cfg.AllowUndefinedOpenAIDeployments {
		r.warnOnce(name, "Embedding deployment not found in config, using default deployment",
			zap.String("deployment", name),
			zap.String("default", DefaultEmbeddingDeployment.Name))
		return DefaultEmbeddingDeployment, nil
	}
	r.warnOnce(name, "Deployment not found in config and undefined deployments are not allowed",
		zap.String("deployment", name))
	return config.Deployment{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, name)
}

func (r *resolver) warnOnce(name, msg string, fields ...zap.Field) {
	if _, seen := r.warned.LoadOrStore(name, struct{}{}); seen {
		return
	}
	r.logger.Warn(msg, fields...)
}

// MaxCompletionTokens bounds a completion by the model's context window
// less the prompt. requested is nil when the client set no max_tokens.
func MaxCompletionTokens(requested *int, model string, promptTokens int) int {
	limit := defaultContextLimit
	if strings.HasPrefix(model, "gpt-4o") {
		limit = gpt4oContextLimit
	}
	upper := limit - promptTokens
	if requested == nil {
		return upper
	}
	return min(*requested, upper)
}

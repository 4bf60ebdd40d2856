package limiter

import (
	"context"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/sim"
)

// Registry maps the limiter name a generator or forwarder stores in the
// request context to the limiter that handles it.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]sim.Limiter
	logger   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		limiters: make(map[string]sim.Limiter),
		logger:   observability.LoggerOr(logger),
	}
}

// Defaults builds the openai and docintelligence limiters over one store.
func Defaults(cfg *config.Config, store Store, opts ...Option) *Registry {
	o := buildOptions(opts)
	r := NewRegistry(o.logger)
	r.Register(NameOpenAI, NewOpenAI(store, cfg.OpenAIDeployments, opts...))
	r.Register(NameDocIntelligence, NewDocIntelligence(store, cfg.Limits.DocIntelligenceRPS, opts...))
	return r
}

// Register adds or replaces a limiter.
func (r *Registry) Register(name string, l sim.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = l
}

// Get returns the named limiter.
func (r *Registry) Get(name string) (sim.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// Reconfigurable is implemented by limiters whose limits follow the
// configuration.
type Reconfigurable interface {
	Reconfigure(cfg *config.Config)
}

// Reconfigure pushes cfg to every limiter that follows the configuration.
func (r *Registry) Reconfigure(cfg *config.Config) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.limiters {
		if rl, ok := l.(Reconfigurable); ok {
			rl.Reconfigure(cfg)
		}
	}
}

// Apply runs the limiter named in the request context. Requests with no
// limiter, or an unknown one, pass through unchanged.
func (r *Registry) Apply(ctx context.Context, rc *sim.RequestContext, resp *sim.Response) (*sim.Response, error) {
	name := rc.String(sim.KeyLimiter)
	l, ok := r.Get(name)
	if !ok {
		r.logger.Info("No limiter found for response",
			zap.String("path", rc.Request.URL.Path),
			zap.String("limiter", name))
		return resp, nil
	}
	return l.Limit(ctx, rc, resp)
}

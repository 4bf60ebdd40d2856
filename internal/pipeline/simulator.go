// Package pipeline runs simulated requests through response generation or
// record/replay, admission control and latency injection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/generator"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/recording"
	"github.com/namelens/aoaisim/internal/sim"
	"github.com/namelens/aoaisim/internal/tokens"
)

// ErrNotRecording is returned by SaveRecordings outside record mode.
var ErrNotRecording = errors.New("not in record mode")

// Options customizes a Simulator. Zero values select the defaults.
type Options struct {
	Logger *logging.Logger
	// Counter overrides the tiktoken counter.
	Counter tokens.Counter
	// Generators run before the built-in generators.
	Generators []sim.Generator
	// Forwarders run before the built-in forwarders.
	Forwarders []sim.Forwarder
	// LimiterStore overrides the store built from the connection string.
	LimiterStore limiter.Store
	// HTTPClient is used by the forwarders.
	HTTPClient *http.Client
	// Persister overrides the recording persister built from configuration.
	Persister recording.Persister
	Clock     func() time.Time
}

// Simulator owns the long-lived state shared by all requests: the current
// configuration, the generator and forwarder chains, the limiter registry
// and the recording store.
type Simulator struct {
	logger     *logging.Logger
	now        func() time.Time
	builtins   *generator.Set
	generators []sim.Generator
	forwarders []sim.Forwarder
	limiters   *limiter.Registry
	store      limiter.Store
	persister  recording.Persister

	mu       sync.RWMutex
	cfg      *config.Config
	recorder *recording.Handler
}

// New builds a simulator for cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := observability.LoggerOr(opts.Logger)
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	store := opts.LimiterStore
	if store == nil {
		var err error
		store, err = limiter.NewStore(cfg.Limits.StorageConnectionString)
		if err != nil {
			return nil, fmt.Errorf("create limiter store: %w", err)
		}
	}

	set := generator.NewSet(generator.Options{Counter: opts.Counter, Logger: logger, Clock: now})
	generators := append(append([]sim.Generator{}, opts.Generators...), set.Generators()...)

	forwarders := append([]sim.Forwarder{}, opts.Forwarders...)
	forwarders = append(forwarders,
		recording.NewAzureOpenAI(opts.HTTPClient, logger),
		recording.NewDocIntelligence(opts.HTTPClient, logger),
	)

	s := &Simulator{
		logger:     logger,
		now:        now,
		builtins:   set,
		generators: generators,
		forwarders: forwarders,
		limiters:   limiter.Defaults(cfg, store, limiter.WithLogger(logger), limiter.WithClock(now)),
		store:      store,
		persister:  opts.Persister,
		cfg:        cfg,
	}
	if err := s.ensureRecorder(ctx, cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	s.logStartup(cfg)
	return s, nil
}

// Config returns the configuration in effect.
func (s *Simulator) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Limiters returns the limiter registry, for registering extra limiters.
func (s *Simulator) Limiters() *limiter.Registry {
	return s.limiters
}

// Recorder returns the record/replay handler, or nil in generate mode when
// no recording has been opened.
func (s *Simulator) Recorder() *recording.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorder
}

// ApplyConfig swaps in cfg and pushes it to the limiters. Captured
// recordings survive the swap.
func (s *Simulator) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := s.ensureRecorder(ctx, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiters.Reconfigure(cfg)
	s.logStartup(cfg)
	return nil
}

// WarmGenerators builds the lorem reference tables for every chat and
// completion model in the deployment table, so the first request for a
// model does not pay for it. It stops early when ctx is cancelled.
func (s *Simulator) WarmGenerators(ctx context.Context) {
	for _, model := range completionModels(s.Config()) {
		if ctx.Err() != nil {
			return
		}
		s.builtins.Warm(model)
	}
}

// completionModels lists the distinct models behind non-embedding
// deployments, plus the fallback model when undefined deployments are
// allowed.
func completionModels(cfg *config.Config) []string {
	seen := map[string]bool{}
	for _, d := range cfg.OpenAIDeployments {
		if d.EmbeddingSize > 0 || d.Model == "" {
			continue
		}
		seen[d.Model] = true
	}
	if cfg.AllowUndefinedOpenAIDeployments {
		seen[generator.DefaultChatModel] = true
	}
	return slices.Sorted(maps.Keys(seen))
}

// SetDeployments replaces the deployment table, e.g. when the deployment
// file changes.
func (s *Simulator) SetDeployments(deployments map[string]config.Deployment) {
	s.mu.Lock()
	cfg := s.cfg.Clone()
	cfg.OpenAIDeployments = deployments
	s.cfg = cfg
	s.mu.Unlock()
	s.limiters.Reconfigure(cfg)
	s.logger.Info("📝 Deployments reloaded", zap.Int("count", len(deployments)))
}

// SaveRecordings persists every captured recording.
func (s *Simulator) SaveRecordings(ctx context.Context) error {
	if s.Config().SimulatorMode != config.ModeRecord {
		return ErrNotRecording
	}
	rec := s.Recorder()
	if rec == nil {
		return ErrNotRecording
	}
	s.logger.Info("📼 Saving recordings...")
	if err := rec.SaveAll(ctx); err != nil {
		return err
	}
	s.logger.Info("📼 Recordings saved")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// CheckHealth pings the limits storage and the recording database when
// they are remote.
func (s *Simulator) CheckHealth(ctx context.Context) error {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("limits storage: %w", err)
		}
	}
	if rec := s.Recorder(); rec != nil {
		if p, ok := rec.Store().Persister().(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("recordings store: %w", err)
			}
		}
	}
	return nil
}

// Close releases the limiter store and the recording persister.
func (s *Simulator) Close() error {
	var errs []error
	if rec := s.Recorder(); rec != nil {
		errs = append(errs, rec.Store().Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func (s *Simulator) ensureRecorder(ctx context.Context, cfg *config.Config) error {
	if cfg.SimulatorMode != config.ModeRecord && cfg.SimulatorMode != config.ModeReplay {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		return nil
	}

	persister := s.persister
	if persister == nil {
		var err error
		persister, err = recording.NewPersister(ctx, cfg.Recording)
		if err != nil {
			return fmt.Errorf("open recordings: %w", err)
		}
	}
	s.recorder = recording.NewHandler(recording.NewStore(persister, s.logger), s.forwarders, s.logger)
	return nil
}

func (s *Simulator) logStartup(cfg *config.Config) {
	s.logger.Info("🚀 Starting aoaisim",
		zap.String("mode", cfg.SimulatorMode),
		zap.String("api_key", observability.MaskSecret(cfg.SimulatorAPIKey)))
	switch cfg.SimulatorMode {
	case config.ModeRecord, config.ModeReplay:
		s.logger.Info("📼 Recording settings",
			zap.String("dir", cfg.Recording.Dir),
			zap.String("format", cfg.Recording.Format),
			zap.Bool("autosave", cfg.Recording.Autosave))
	default:
		s.logger.Info("📝 Generator settings",
			zap.Bool("allow_undefined_openai_deployments", cfg.AllowUndefinedOpenAIDeployments))
	}
	s.logger.Info("📝 Using OpenAI deployments", zap.Int("count", len(cfg.OpenAIDeployments)))
	s.logger.Info("📝 Using latencies", zap.Any("latency", cfg.Latency))
	s.logger.Info("📝 Using limits storage",
		zap.String("connection", limiter.Describe(cfg.Limits.StorageConnectionString)),
		zap.Int("doc_intelligence_rps", cfg.Limits.DocIntelligenceRPS))
}

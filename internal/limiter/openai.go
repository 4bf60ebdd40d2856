package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/sim"
)

// Limiter names stored in the request context.
const (
	NameOpenAI          = "openai"
	NameDocIntelligence = "docintelligence"
)

const (
	// chatCompletionCost is charged for chat requests without max_tokens.
	chatCompletionCost = 16

	openAIKeyPrefix = "openai:"
)

// DeploymentWindow returns the window for a deployment: tokensPerMinute over
// 60s and one request per thousand tokens over 10s.
func DeploymentWindow(d config.Deployment) Window {
	if d.TokensPerMinute <= 0 {
		return Window{}
	}
	return Window{
		RequestLimit:  int(math.Ceil(float64(d.TokensPerMinute) / 1000)),
		RequestWindow: 10 * time.Second,
		TokenLimit:    d.TokensPerMinute,
		TokenWindow:   time.Minute,
	}
}

// Option customises a limiter.
type Option func(*options)

type options struct {
	clock  func() time.Time
	logger *logging.Logger
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	o.logger = observability.LoggerOr(o.logger)
	return o
}

// OpenAI throttles Azure OpenAI deployments by requests per 10 seconds and
// tokens per minute.
type OpenAI struct {
	store  Store
	clock  func() time.Time
	logger *logging.Logger

	mu      sync.RWMutex
	windows map[string]Window

	warned sync.Map
}

// NewOpenAI creates a limiter for the given deployments.
func NewOpenAI(store Store, deployments map[string]config.Deployment, opts ...Option) *OpenAI {
	o := buildOptions(opts)
	l := &OpenAI{
		store:  store,
		clock:  o.clock,
		logger: o.logger,
	}
	l.SetDeployments(deployments)
	return l
}

// SetDeployments replaces the deployment table. Window history is kept, so
// capacity already consumed still counts under the new limits.
func (l *OpenAI) SetDeployments(deployments map[string]config.Deployment) {
	windows := make(map[string]Window, len(deployments))
	for name, d := range deployments {
		windows[name] = DeploymentWindow(d)
	}
	l.mu.Lock()
	l.windows = windows
	l.mu.Unlock()
}

// Reconfigure implements Reconfigurable.
func (l *OpenAI) Reconfigure(cfg *config.Config) {
	l.SetDeployments(cfg.OpenAIDeployments)
}

// Window returns the window configured for a deployment.
func (l *OpenAI) Window(deployment string) (Window, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.windows[deployment]
	return w, ok
}

// Limit charges the request against its deployment and returns either the
// response with remaining-capacity headers or a 429.
func (l *OpenAI) Limit(ctx context.Context, rc *sim.RequestContext, resp *sim.Response) (*sim.Response, error) {
	deployment := rc.String(sim.KeyDeploymentName)
	if deployment == "" {
		l.logger.Warn("OpenAI limiter found no deployment name in context",
			zap.String("path", rc.Request.URL.Path))
	}

	cost := l.requestCost(rc)
	rc.Set(sim.KeyRateLimitTokens, cost)
	metrics.RecordRateLimitTokens(deployment, cost)

	window, ok := l.Window(deployment)
	if !ok {
		if _, seen := l.warned.LoadOrStore(deployment, struct{}{}); !seen {
			l.logger.Warn("Deployment not found in limiters, not applying rate limits",
				zap.String("deployment", deployment))
		}
		return resp, nil
	}
	if window.Unconstrained() {
		return resp, nil
	}

	res, err := l.store.Add(ctx, openAIKeyPrefix+deployment, window, cost, l.clock())
	if err != nil {
		return nil, fmt.Errorf("apply openai limits for %s: %w", deployment, err)
	}

	if !res.Admitted {
		metrics.RecordRateLimited(deployment, res.Reason, time.Duration(res.RetryAfter)*time.Second)
		l.logger.Debug("Request rate limited",
			zap.String("deployment", deployment),
			zap.String("reason", res.Reason),
			zap.Int("retry_after", res.RetryAfter),
			zap.Int("cost", cost))
		return tooManyRequests(res.RetryAfter,
			fmt.Sprintf("Requests to the OpenAI API Simulator have exceeded call rate limit. Please retry after %d seconds.", res.RetryAfter),
			true)
	}

	if resp.Header == nil {
		resp.Header = make(map[string][]string)
	}
	resp.Header.Set("x-ratelimit-remaining-tokens", strconv.Itoa(res.RemainingTokens))
	resp.Header.Set("x-ratelimit-remaining-requests", strconv.Itoa(res.RemainingRequests))
	return resp, nil
}

// requestCost reserves max_tokens when the client sets it. Otherwise chat
// requests cost a flat amount and embeddings cost roughly one token per
// four characters of input.
func (l *OpenAI) requestCost(rc *sim.RequestContext) int {
	var body struct {
		MaxTokens *int            `json:"max_tokens"`
		Input     json.RawMessage `json:"input"`
	}
	if len(rc.Body) > 0 {
		if err := json.Unmarshal(rc.Body, &body); err != nil {
			l.logger.Debug("OpenAI limiter could not decode request body", zap.Error(err))
		}
	}
	if body.MaxTokens != nil && *body.MaxTokens > 0 {
		return *body.MaxTokens
	}

	path := rc.Request.URL.Path
	switch {
	case strings.Contains(path, "/chat/completions"):
		return chatCompletionCost
	case strings.Contains(path, "/embeddings"):
		cost, ok := EmbeddingInputCost(body.Input)
		if !ok {
			l.logger.Warn("OpenAI limiter found no input in embeddings request body")
		}
		return cost
	default:
		l.logger.Warn("OpenAI limiter has no cost estimate for endpoint", zap.String("path", path))
		return 0
	}
}

// EmbeddingInputCost sums ceil(len/4) over a string or list-of-strings
// input. It reports false when input is missing or has another shape.
func EmbeddingInputCost(input json.RawMessage) (int, bool) {
	if len(input) == 0 || string(input) == "null" {
		return 0, false
	}
	var single string
	if err := json.Unmarshal(input, &single); err == nil {
		return quarterCeil(single), true
	}
	var many []string
	if err := json.Unmarshal(input, &many); err == nil {
		total := 0
		for _, s := range many {
			total += quarterCeil(s)
		}
		return total, true
	}
	return 0, false
}

func quarterCeil(s string) int {
	return (len(s) + 3) / 4
}

func tooManyRequests(retryAfter int, message string, resetHeader bool) (*sim.Response, error) {
	resp, err := sim.JSONResponse(429, map[string]any{
		"error": map[string]any{
			"code":    "429",
			"message": message,
		},
	})
	if err != nil {
		return nil, err
	}
	value := strconv.Itoa(retryAfter)
	resp.Header.Set("Retry-After", value)
	if resetHeader {
		resp.Header.Set("x-ratelimit-reset-requests", value)
	}
	return resp, nil
}

package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/sim"
)

// DefaultForwardTimeout bounds calls to real backends.
const DefaultForwardTimeout = 30 * time.Second

var skippedRequestHeaders = map[string]bool{
	"Content-Length": true,
	"Host":           true,
	"Authorization":  true,
}

var openAIResponseHeadersToRemove = []string{
	"apim-request-id",
	"azureml-model-session",
	"x-accel-buffering",
	"x-content-type-options",
	"x-ms-client-request-id",
	"x-ms-region",
	"x-request-id",
	"Cache-Control",
	"Content-Length",
	"Date",
	"Strict-Transport-Security",
	"access-control-allow-origin",
}

var docIntelligenceResponseHeadersToRemove = []string{
	"apim-request-id",
	"x-content-type-options",
	"x-ms-region",
	"x-envoy-upstream-service-time",
	"Content-Length",
	"Date",
	"Strict-Transport-Security",
}

// upstream relays requests to one configured backend.
type upstream struct {
	name      string
	keyHeader string
	client    *http.Client
	logger    *logging.Logger
	once      sync.Once
}

func newUpstream(name, keyHeader string, client *http.Client, logger *logging.Logger) *upstream {
	if client == nil {
		client = &http.Client{}
	}
	return &upstream{
		name:      name,
		keyHeader: keyHeader,
		client:    client,
		logger:    observability.LoggerOr(logger),
	}
}

// ready reports whether the endpoint is configured, logging the settings
// once on first use.
func (u *upstream) ready(ep config.EndpointConfig, envHint string) bool {
	ok := strings.TrimSpace(ep.Endpoint) != "" && strings.TrimSpace(ep.Key) != ""
	u.once.Do(func() {
		if ok {
			u.logger.Info("🚀 Initialized "+u.name+" forwarder",
				zap.String("endpoint", ep.Endpoint),
				zap.String("api_key", observability.MaskSecret(ep.Key)))
			return
		}
		u.logger.Warn("Got a request that looked like a "+u.name+" request, but forwarding is not configured",
			zap.String("required", envHint))
	})
	return ok
}

func (u *upstream) do(ctx context.Context, rc *sim.RequestContext, ep config.EndpointConfig) (*sim.Response, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := rc.Request
	target := strings.TrimSuffix(ep.Endpoint, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(rc.Body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", u.name, err)
	}
	for key, values := range r.Header {
		if skippedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set(u.keyHeader, ep.Key)

	u.logger.Debug("Forwarding request",
		zap.String("upstream", u.name),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", u.name, err)
	}
	defer resp.Body.Close() // nolint:errcheck // body fully read below

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", u.name, err)
	}

	out := sim.NewResponse(resp.StatusCode, data)
	out.Header = resp.Header.Clone()
	return out, nil
}

func stripHeaders(h http.Header, names []string) {
	for _, name := range names {
		h.Del(name)
	}
}

// AzureOpenAI forwards /openai/ requests to the configured Azure OpenAI
// endpoint.
type AzureOpenAI struct {
	up *upstream
}

// NewAzureOpenAI creates the Azure OpenAI forwarder. A nil client uses a
// default one; the per-request timeout comes from configuration.
func NewAzureOpenAI(client *http.Client, logger *logging.Logger) *AzureOpenAI {
	return &AzureOpenAI{up: newUpstream("Azure OpenAI", "api-key", client, logger)}
}

// Forward implements sim.Forwarder.
func (f *AzureOpenAI) Forward(ctx context.Context, rc *sim.RequestContext) (*sim.Forwarded, error) {
	path := rc.Request.URL.Path
	if !strings.HasPrefix(path, "/openai/") {
		return nil, nil
	}
	ep := rc.Config.Forwarding.AzureOpenAI
	if !f.up.ready(ep, "AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_KEY") {
		return nil, nil
	}

	resp, err := f.up.do(ctx, rc, ep)
	if err != nil {
		return nil, err
	}
	stripHeaders(resp.Header, openAIResponseHeadersToRemove)

	if resp.StatusCode >= 300 {
		return &sim.Forwarded{Response: resp, Persist: false}, nil
	}

	rc.Set(sim.KeyLimiter, limiter.NameOpenAI)
	if name, ok := deploymentFromPath(path); ok {
		rc.Set(sim.KeyDeploymentName, name)
	}
	if total, ok := totalTokens(resp.Body); ok {
		rc.Set(sim.KeyTotalTokens, total)
	}
	return &sim.Forwarded{Response: resp, Persist: true}, nil
}

func deploymentFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/openai/deployments/")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return name, name != ""
}

func totalTokens(body []byte) (int, bool) {
	var payload struct {
		Usage *struct {
			TotalTokens *int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, false
	}
	if payload.Usage == nil || payload.Usage.TotalTokens == nil {
		return 0, false
	}
	return *payload.Usage.TotalTokens, true
}

// DocIntelligence forwards /formrecognizer/ requests to the configured
// Document Intelligence endpoint.
type DocIntelligence struct {
	up *upstream
}

// NewDocIntelligence creates the Document Intelligence forwarder.
func NewDocIntelligence(client *http.Client, logger *logging.Logger) *DocIntelligence {
	return &DocIntelligence{up: newUpstream("Azure Document Intelligence", "ocp-apim-subscription-key", client, logger)}
}

// Forward implements sim.Forwarder. Polls that are still running are
// returned but not persisted, and Operation-Location is rewritten to point
// back at the simulator.
func (f *DocIntelligence) Forward(ctx context.Context, rc *sim.RequestContext) (*sim.Forwarded, error) {
	path := rc.Request.URL.Path
	if !strings.HasPrefix(path, "/formrecognizer/") {
		return nil, nil
	}
	ep := rc.Config.Forwarding.FormRecognizer
	if !f.up.ready(ep, "AZURE_FORM_RECOGNIZER_ENDPOINT, AZURE_FORM_RECOGNIZER_KEY") {
		return nil, nil
	}

	resp, err := f.up.do(ctx, rc, ep)
	if err != nil {
		return nil, err
	}
	stripHeaders(resp.Header, docIntelligenceResponseHeadersToRemove)

	persist := resp.StatusCode < 300
	if strings.Contains(path, "/analyzeResults/") {
		if resp.StatusCode == http.StatusOK && analysisRunning(resp.Body) {
			persist = false
		}
	} else {
		rc.Set(sim.KeyLimiter, limiter.NameDocIntelligence)
	}

	if location := resp.Header.Get("Operation-Location"); location != "" {
		rewritten, err := rewriteLocation(location, rc.Request)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("Operation-Location", rewritten)
	}
	return &sim.Forwarded{Response: resp, Persist: persist}, nil
}

func analysisRunning(body []byte) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Status == "running"
}

// rewriteLocation keeps the path and query of an upstream URL and swaps in
// the scheme and host the client used to reach the simulator.
func rewriteLocation(location string, r *http.Request) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Operation-Location %q: %w", location, err)
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	u.Host = r.Host
	return u.String(), nil
}

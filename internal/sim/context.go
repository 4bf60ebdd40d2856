// Package sim holds the per-request state shared by generators, forwarders,
// limiters and the latency stage of the simulator pipeline.
package sim

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/namelens/aoaisim/internal/config"
)

// Well-known context value keys. The names are persisted in recordings, so
// they must stay stable.
const (
	KeyOperationName  = "Operation-Name"
	KeyDeploymentName = "Deployment-Name"
	KeyLimiter        = "Limiter"

	KeyPromptTokens       = "X-OpenAI-Tokens-Prompt"
	KeyCompletionTokens   = "X-OpenAI-Tokens-Completion"
	KeyTotalTokens        = "X-OpenAI-Tokens-Total"
	KeyRateLimitTokens    = "X-OpenAI-Tokens-Rate-Limit"
	KeyMaxTokensRequested = "X-OpenAI-Max-Tokens-Requested"
	KeyMaxTokensEffective = "X-OpenAI-Max-Tokens-Effective"
	KeyTargetDurationMs   = "Simulator-Target-Duration"
)

// RequestContext carries one inbound request through the pipeline.
type RequestContext struct {
	Request *http.Request
	Body    []byte
	Config  *config.Config

	mu     sync.RWMutex
	values map[string]any
}

// NewRequestContext buffers the request body so every stage can read it.
func NewRequestContext(r *http.Request, cfg *config.Config) (*RequestContext, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = r.Body.Close()
		body = data
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	return &RequestContext{
		Request: r,
		Body:    body,
		Config:  cfg,
		values:  make(map[string]any),
	}, nil
}

// Set stores a context value.
func (c *RequestContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns a context value.
func (c *RequestContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// String returns a string value or "" when missing.
func (c *RequestContext) String(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns a numeric value as int. Values decoded from recordings may be
// any numeric type.
func (c *RequestContext) Int(key string) int {
	v, ok := c.Get(key)
	if !ok {
		return 0
	}
	return toInt(v)
}

// Values returns a copy of all context values.
func (c *RequestContext) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Merge copies values into the context, overwriting existing keys.
func (c *RequestContext) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// Keys returns the sorted value keys.
func (c *RequestContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscan(n, &parsed); err == nil {
			return parsed
		}
	}
	return 0
}

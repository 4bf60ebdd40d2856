package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/generator"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/recording"
	"github.com/namelens/aoaisim/internal/sim"
	"github.com/namelens/aoaisim/internal/tokens"
)

const apiKey = "pipeline-test-key"

var wordCounter = tokens.CounterFunc(func(text, _ string) int {
	return len(strings.Fields(text))
})

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func generateConfig() *config.Config {
	return &config.Config{
		SimulatorMode:                   config.ModeGenerate,
		SimulatorAPIKey:                 apiKey,
		AllowUndefinedOpenAIDeployments: true,
		OpenAIDeployments:               config.DefaultDeployments(),
		Limits:                          config.LimitsConfig{StorageConnectionString: "memory://", DocIntelligenceRPS: 15},
	}
}

func newSimulator(t *testing.T, cfg *config.Config, opts Options) (*Simulator, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	if opts.Counter == nil {
		opts.Counter = wordCounter
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	s, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func do(s *Simulator, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

var auth = map[string]string{generator.HeaderOpenAIKey: apiKey}

func TestGenerateChatCompletion(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{})

	w := do(s, http.MethodPost, "/openai/deployments/gpt-35-turbo-10k-token/chat/completions?api-version=2024-02-01",
		`{"messages":[{"role":"user","content":"hello"}],"max_tokens":10}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "9990", w.Header().Get("x-ratelimit-remaining-tokens"))
	assert.Equal(t, "9", w.Header().Get("x-ratelimit-remaining-requests"))

	var out struct {
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 10, out.Usage.CompletionTokens)
}

func TestRateLimitRejectsAndRecovers(t *testing.T) {
	s, clock := newSimulator(t, generateConfig(), Options{})
	target := "/openai/deployments/gpt-35-turbo-1k-token/chat/completions"
	body := `{"messages":[{"role":"user","content":"hello"}],"max_tokens":10}`

	// 1000 tokens per minute allows one request per ten seconds
	w := do(s, http.MethodPost, target, body, auth)
	require.Equal(t, http.StatusOK, w.Code)

	clock.Advance(2 * time.Second)
	w = do(s, http.MethodPost, target, body, auth)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "8", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Please retry after 8 seconds.")

	clock.Advance(8 * time.Second)
	w = do(s, http.MethodPost, target, body, auth)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFailuresSkipLimiter(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{})

	w := do(s, http.MethodPost, "/openai/deployments/gpt-35-turbo-1k-token/chat/completions", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("x-ratelimit-remaining-tokens"))
}

func TestUnhandledRouteIs500(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{})
	w := do(s, http.MethodGet, "/nothing/here", "", auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestGeneratorErrorIs500(t *testing.T) {
	failing := sim.GeneratorFunc(func(context.Context, *sim.RequestContext) (*sim.Response, error) {
		return nil, assert.AnError
	})
	s, _ := newSimulator(t, generateConfig(), Options{Generators: []sim.Generator{failing}})
	w := do(s, http.MethodPost, "/openai/deployments/embedding/embeddings", `{"input":"x"}`, auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCustomGeneratorRunsFirst(t *testing.T) {
	custom := sim.GeneratorFunc(func(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
		if rc.Request.URL.Path != "/custom" {
			return nil, nil
		}
		return sim.NewResponse(http.StatusTeapot, []byte("short and stout")), nil
	})
	s, _ := newSimulator(t, generateConfig(), Options{Generators: []sim.Generator{custom}})

	w := do(s, http.MethodGet, "/custom", "", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())

	w = do(s, http.MethodPost, "/openai/deployments/embedding/embeddings", `{"input":"x"}`, auth)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLatencyIsApplied(t *testing.T) {
	cfg := generateConfig()
	cfg.Latency.OpenAIEmbeddings = config.LatencySetting{Mean: 60}
	s, _ := newSimulator(t, cfg, Options{})

	start := time.Now()
	w := do(s, http.MethodPost, "/openai/deployments/embedding/embeddings", `{"input":"x"}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestLatencyStopsWhenClientLeaves(t *testing.T) {
	cfg := generateConfig()
	cfg.Latency.OpenAIEmbeddings = config.LatencySetting{Mean: 10000}
	s, _ := newSimulator(t, cfg, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/openai/deployments/embedding/embeddings", strings.NewReader(`{"input":"x"}`)).WithContext(ctx)
	req.Header.Set(generator.HeaderOpenAIKey, apiKey)

	start := time.Now()
	s.ServeHTTP(httptest.NewRecorder(), req)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamingChat(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{})
	w := do(s, http.MethodPost, "/openai/deployments/gpt-35-turbo-10k-token/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}],"max_tokens":7,"stream":true}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 7+4, strings.Count(w.Body.String(), "data: "))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
	assert.Equal(t, "9993", w.Header().Get("x-ratelimit-remaining-tokens"))
}

func TestDocIntelligenceFlow(t *testing.T) {
	cfg := generateConfig()
	cfg.Limits.DocIntelligenceRPS = 1
	s, clock := newSimulator(t, cfg, Options{})
	header := map[string]string{generator.HeaderDocIntelligenceKey: apiKey}

	w := do(s, http.MethodPost, "/formrecognizer/documentModels/prebuilt-read:analyze?api-version=2023-07-31", "tiny", header)
	require.Equal(t, http.StatusAccepted, w.Code)
	location := w.Header().Get("Operation-Location")
	require.NotEmpty(t, location)

	w = do(s, http.MethodPost, "/formrecognizer/documentModels/prebuilt-read:analyze?api-version=2023-07-31", "tiny", header)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, w.Header().Get("x-ratelimit-reset-requests"))

	// polling is not throttled
	w = do(s, http.MethodGet, location, "", header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"running"`)

	clock.Advance(time.Second)
	w = do(s, http.MethodGet, location, "", header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"succeeded"`)
}

func TestReplayMissIs500(t *testing.T) {
	cfg := generateConfig()
	cfg.SimulatorMode = config.ModeReplay
	cfg.Recording = config.RecordingConfig{Dir: t.TempDir(), Format: "yaml"}
	s, _ := newSimulator(t, cfg, Options{})

	w := do(s, http.MethodPost, "/openai/deployments/embedding/embeddings", `{"input":"x"}`, auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.ErrorIs(t, s.SaveRecordings(context.Background()), ErrNotRecording)
}

func TestRecordThenReplayAppliesLimits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	cfg := generateConfig()
	cfg.SimulatorMode = config.ModeRecord
	cfg.Recording = config.RecordingConfig{Dir: dir, Format: "json"}
	cfg.Forwarding.AzureOpenAI = config.EndpointConfig{Endpoint: upstream.URL, Key: "upstream-key-0000"}
	cfg.OpenAIDeployments = map[string]config.Deployment{
		"embedding": {Name: "embedding", Model: "text-embedding-ada-002", TokensPerMinute: 1000},
	}
	recorder, _ := newSimulator(t, cfg, Options{HTTPClient: upstream.Client()})

	target := "/openai/deployments/embedding/embeddings?api-version=2024-02-01"
	w := do(recorder, http.MethodPost, target, `{"input":"hello"}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, recorder.SaveRecordings(context.Background()))

	replayCfg := cfg.Clone()
	replayCfg.SimulatorMode = config.ModeReplay
	replayer, _ := newSimulator(t, replayCfg, Options{})

	w = do(replayer, http.MethodPost, target, `{"input":"hello"}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"object":"list"`)
	assert.Equal(t, "0", w.Header().Get("x-ratelimit-remaining-requests"))

	w = do(replayer, http.MethodPost, target, `{"input":"hello"}`, auth)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestReplayReproducesRecordedDuration(t *testing.T) {
	const path = "/openai/deployments/embedding/embeddings"
	body := []byte(`{"input":"hello"}`)

	dir := t.TempDir()
	persister, err := recording.NewFilePersister(dir, recording.FormatYAML)
	require.NoError(t, err)
	recorded := &recording.Response{
		Hash:       recording.HashRequest(http.MethodPost, path, body),
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"object":"list","data":[]}`),
		DurationMs: 150,
		Request: recording.Request{
			Method:      http.MethodPost,
			URI:         path + "?api-version=2024-02-01",
			Header:      http.Header{"Content-Type": {"application/json"}},
			Body:        body,
			ContentType: "application/json",
		},
	}
	require.NoError(t, persister.Save(context.Background(), path, recording.Recording{recorded.Hash: recorded}))

	cfg := generateConfig()
	cfg.SimulatorMode = config.ModeReplay
	cfg.Recording = config.RecordingConfig{Dir: dir, Format: recording.FormatYAML}
	s, _ := newSimulator(t, cfg, Options{})

	start := time.Now()
	w := do(s, http.MethodPost, path+"?api-version=2024-02-01", string(body), auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"object":"list","data":[]}`, w.Body.String())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// same path, different body: no recorded interaction
	w = do(s, http.MethodPost, path, `{"input":"goodbye"}`, auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWarmGeneratorsBuildsCompletionModels(t *testing.T) {
	cfg := generateConfig()
	assert.Equal(t, []string{"gpt-3.5-turbo", generator.DefaultChatModel}, completionModels(cfg))

	var calls atomic.Int64
	counter := tokens.CounterFunc(func(text, _ string) int {
		calls.Add(1)
		return len(strings.Fields(text))
	})
	s, _ := newSimulator(t, cfg, Options{Counter: counter})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	s.WarmGenerators(cancelled)
	assert.Zero(t, calls.Load())

	s.WarmGenerators(context.Background())
	built := calls.Load()
	require.Greater(t, built, int64(100))

	w := do(s, http.MethodPost, "/openai/deployments/gpt-35-turbo-10k-token/chat/completions",
		`{"messages":[{"role":"user","content":"hello"}],"max_tokens":500}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, calls.Load()-built, int64(20), "first request reuses the warmed table")
}

func TestApplyConfig(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{})
	assert.Nil(t, s.Recorder())

	patch, err := config.ParsePatch([]byte(`{"openai_deployments":{"tiny":{"model":"gpt-4","tokensPerMinute":2000}},"allow_undefined_openai_deployments":false}`))
	require.NoError(t, err)
	next, err := patch.Apply(s.Config())
	require.NoError(t, err)
	require.NoError(t, s.ApplyConfig(context.Background(), next))

	l, ok := s.Limiters().Get(limiter.NameOpenAI)
	require.True(t, ok)
	window, ok := l.(*limiter.OpenAI).Window("tiny")
	require.True(t, ok)
	assert.Equal(t, 2, window.RequestLimit)

	w := do(s, http.MethodPost, "/openai/deployments/missing/embeddings", `{"input":"x"}`, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.SetDeployments(map[string]config.Deployment{"solo": {Name: "solo", Model: "gpt-4", TokensPerMinute: 5000}})
	_, ok = s.Config().Deployment("tiny")
	assert.False(t, ok)
	window, ok = l.(*limiter.OpenAI).Window("solo")
	require.True(t, ok)
	assert.Equal(t, 5, window.RequestLimit)
}

type contendedStore struct{}

func (contendedStore) Add(context.Context, string, limiter.Window, int, time.Time) (limiter.Result, error) {
	return limiter.Result{}, limiter.ErrContention
}

func (contendedStore) Close() error { return nil }

func TestLimiterContentionIs500(t *testing.T) {
	s, _ := newSimulator(t, generateConfig(), Options{LimiterStore: contendedStore{}})
	w := do(s, http.MethodPost, "/openai/deployments/gpt-35-turbo-10k-token/chat/completions",
		`{"messages":[{"role":"user","content":"hello"}],"max_tokens":10}`, auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRedisLimitsStorage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := generateConfig()
	cfg.Limits.StorageConnectionString = "redis://" + mr.Addr() + "/0"
	s, _ := newSimulator(t, cfg, Options{})

	require.NoError(t, s.CheckHealth(context.Background()))

	target := "/openai/deployments/gpt-35-turbo-1k-token/chat/completions"
	body := `{"messages":[{"role":"user","content":"hello"}],"max_tokens":10}`
	require.Equal(t, http.StatusOK, do(s, http.MethodPost, target, body, auth).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, target, body, auth).Code)

	mr.Close()
	assert.Error(t, s.CheckHealth(context.Background()))
}

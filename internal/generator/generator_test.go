package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/latency"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/sim"
	"github.com/namelens/aoaisim/internal/tokens"
)

const testKey = "test-api-key-0123456789"

func testConfig() *config.Config {
	return &config.Config{
		SimulatorMode:                   config.ModeGenerate,
		SimulatorAPIKey:                 testKey,
		AllowUndefinedOpenAIDeployments: true,
		OpenAIDeployments:               config.DefaultDeployments(),
		Latency: config.LatencyConfig{
			OpenAIEmbeddings:      config.LatencySetting{Mean: 100},
			OpenAICompletions:     config.LatencySetting{Mean: 15},
			OpenAIChatCompletions: config.LatencySetting{Mean: 19},
		},
	}
}

// wordCounter counts whitespace separated words.
var wordCounter = tokens.CounterFunc(func(text, _ string) int {
	return len(strings.Fields(text))
})

func testOptions(counter tokens.Counter) Options {
	return Options{
		Counter:     counter,
		Synthesizer: NewSynthesizer(counter, rand.NewPCG(1, 2), nil),
		Sampler:     latency.NewSampler(rand.NewPCG(3, 4)),
		Source:      rand.NewPCG(5, 6),
	}
}

func newContext(t *testing.T, cfg *config.Config, method, target, body string, header map[string]string) *sim.RequestContext {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rc, err := sim.NewRequestContext(req, cfg)
	require.NoError(t, err)
	return rc
}

func openAIHeader() map[string]string {
	return map[string]string{HeaderOpenAIKey: testKey}
}

func TestSynthesizerStaysWithinBudget(t *testing.T) {
	counter := tokens.EstimateCounter{}
	s := NewSynthesizer(counter, rand.NewPCG(9, 9), nil)

	for _, target := range []int{1, 2, 3, 7, 16, 50, 99, 101, 333, 501, 1000, 2500, 4097} {
		text := s.Text("gpt-4", target)
		assert.LessOrEqual(t, counter.Count(text, "gpt-4"), target, "target %d", target)
	}
	assert.Empty(t, s.Text("gpt-4", 0))
	assert.Empty(t, s.Text("gpt-4", -5))
}

func TestSynthesizerFillsBudget(t *testing.T) {
	s := NewSynthesizer(wordCounter, rand.NewPCG(1, 1), nil)
	for _, target := range []int{2, 10, 57, 400} {
		text := s.Text("m", target)
		assert.Equal(t, target, wordCounter.Count(text, "m"), "target %d", target)
	}
}

func TestSynthesizerBuildsReferenceOnce(t *testing.T) {
	var calls atomic.Int64
	counter := tokens.CounterFunc(func(text, model string) int {
		calls.Add(1)
		return len(strings.Fields(text))
	})
	s := NewSynthesizer(counter, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Warm("m")
		}()
	}
	wg.Wait()
	built := calls.Load()
	require.Positive(t, built)

	assert.Same(t, s.reference("m"), s.reference("m"))
	_ = s.Text("m", 3000)
	// assembling text only re-counts the result, never rebuilds the table
	assert.Less(t, calls.Load()-built, int64(10))
	assert.Len(t, s.refs, 1)
	assert.Len(t, s.reference("m").sizes, len(ReferenceSizes))
}

func TestRawTextTokenizerCallsStayBounded(t *testing.T) {
	// two tokens per word, so every first estimated chunk overshoots
	var calls atomic.Int64
	counter := tokens.CounterFunc(func(text, _ string) int {
		calls.Add(1)
		return 2 * len(strings.Fields(text))
	})
	s := NewSynthesizer(counter, rand.NewPCG(4, 2), nil)

	for _, size := range ReferenceSizes {
		calls.Store(0)
		text := s.rawText("m", size)
		assert.Less(t, calls.Load(), int64(40), "size %d", size)

		used := 2 * len(strings.Fields(text))
		assert.LessOrEqual(t, used, size, "size %d", size)
		assert.GreaterOrEqual(t, used, size-2, "size %d is filled", size)
	}
}

func TestSynthesizerWords(t *testing.T) {
	s := NewSynthesizer(wordCounter, nil, nil)
	assert.Len(t, strings.Fields(s.Words(12)), 12)
	assert.Empty(t, s.Words(0))
}

func TestMaxCompletionTokens(t *testing.T) {
	ten := 10
	huge := 100000
	assert.Equal(t, 4097-100, MaxCompletionTokens(nil, "gpt-3.5-turbo", 100))
	assert.Equal(t, 128000-100, MaxCompletionTokens(nil, "gpt-4o-mini", 100))
	assert.Equal(t, 10, MaxCompletionTokens(&ten, "gpt-4", 100))
	assert.Equal(t, 4097-100, MaxCompletionTokens(&huge, "gpt-4", 100))
}

func TestChatCompletionUsageMatchesContent(t *testing.T) {
	counter := tokens.EstimateCounter{}
	g := NewOpenAI(testOptions(counter))
	cfg := testConfig()
	body := `{"messages":[{"role":"user","content":"hello there"}],"max_tokens":50}`

	for i := 0; i < 1000; i++ {
		rc := newContext(t, cfg, http.MethodPost, "/openai/deployments/gpt-35-turbo-10k-token/chat/completions", body, openAIHeader())
		resp, err := g.ChatCompletions(context.Background(), rc)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		require.NoError(t, json.Unmarshal(resp.Body, &out))
		got := counter.Count(out.Choices[0].Message.Content, "gpt-3.5-turbo")
		require.LessOrEqual(t, got, 50)
		require.Equal(t, got, out.Usage.CompletionTokens)
	}
}

func TestChatCompletionShapeAndContext(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	body := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi","name":"bob"}],"max_tokens":20}`
	rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/gpt-35-turbo-1k-token/chat/completions?api-version=2024-02-01", body, openAIHeader())

	resp, err := g.ChatCompletions(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "chat.completion", out["object"])
	assert.True(t, strings.HasPrefix(out["id"].(string), "chatcmpl-"))
	assert.Equal(t, "gpt-3.5-turbo", out["model"])
	assert.Len(t, out["prompt_filter_results"], 1)
	choice := out["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "length", choice["finish_reason"])
	assert.Equal(t, "assistant", choice["message"].(map[string]any)["role"])

	// two messages at 3 each, roles, contents, name plus one, reply priming
	prompt := 3 + 1 + 2 + 3 + 1 + 1 + 1 + 1 + 3
	assert.Equal(t, prompt, rc.Int(sim.KeyPromptTokens))
	assert.Equal(t, 20, rc.Int(sim.KeyCompletionTokens))
	assert.Equal(t, prompt+20, rc.Int(sim.KeyTotalTokens))
	assert.Equal(t, limiter.NameOpenAI, rc.String(sim.KeyLimiter))
	assert.Equal(t, latency.OperationChatCompletions, rc.String(sim.KeyOperationName))
	assert.Equal(t, "gpt-35-turbo-1k-token", rc.String(sim.KeyDeploymentName))
	assert.Equal(t, 20, rc.Int(sim.KeyMaxTokensRequested))
	assert.Equal(t, 20, rc.Int(sim.KeyMaxTokensEffective))
	assert.Equal(t, 19*20, rc.Int(sim.KeyTargetDurationMs))
}

func TestChatCompletionStreaming(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	body := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":7,"stream":true}`
	rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/gpt-35-turbo-1k-token/chat/completions", body, openAIHeader())

	resp, err := g.ChatCompletions(context.Background(), rc)
	require.NoError(t, err)
	require.True(t, resp.IsStreaming())
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, 19*time.Millisecond, resp.Stream.Delay)

	events := resp.Stream.Events
	require.Len(t, events, 7+4)
	assert.Equal(t, sim.Done, events[len(events)-1])

	var preamble map[string]any
	require.NoError(t, json.Unmarshal(events[0], &preamble))
	assert.Contains(t, preamble, "prompt_filter_results")

	var content strings.Builder
	for _, raw := range events[1 : len(events)-2] {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
					Role    string `json:"role"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal(raw, &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, 7, wordCounter.Count(content.String(), ""))

	var finish struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(events[len(events)-2], &finish))
	assert.Equal(t, "length", finish.Choices[0].FinishReason)

	rec := httptest.NewRecorder()
	resp.Stream.Delay = 0
	require.NoError(t, resp.Write(context.Background(), rec))
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
}

func TestCompletion(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/gpt-35-turbo-1k-token/completions",
		`{"prompt":"once upon a time","max_tokens":12}`, openAIHeader())

	resp, err := g.Completions(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Text         string  `json:"text"`
			FinishReason string  `json:"finish_reason"`
			Logprobs     *string `json:"logprobs"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.True(t, strings.HasPrefix(out.ID, "cmpl-"))
	assert.Len(t, out.ID, len("cmpl-")+29)
	assert.Equal(t, "text_completion", out.Object)
	assert.Equal(t, 4, out.Usage.PromptTokens)
	assert.Equal(t, 12, out.Usage.CompletionTokens)
	assert.Equal(t, 16, out.Usage.TotalTokens)
	assert.Nil(t, out.Choices[0].Logprobs)
	assert.Equal(t, latency.OperationCompletions, rc.String(sim.KeyOperationName))
}

func TestEmbeddings(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/embedding/embeddings",
		`{"input":["one two","three"]}`, openAIHeader())

	resp, err := g.Embeddings(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage map[string]int `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, 1, out.Data[1].Index)
	assert.Len(t, out.Data[0].Embedding, 1536)
	for _, v := range out.Data[0].Embedding {
		require.GreaterOrEqual(t, v, -2.0)
		require.Less(t, v, 2.0)
	}
	assert.Equal(t, 3, out.Usage["prompt_tokens"])
	assert.Equal(t, 3, out.Usage["total_tokens"])
	assert.NotContains(t, out.Usage, "completion_tokens")
	assert.Equal(t, latency.OperationEmbeddings, rc.String(sim.KeyOperationName))
	assert.Equal(t, 100, rc.Int(sim.KeyTargetDurationMs))
}

func TestEmbeddingsBadInput(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/embedding/embeddings", `{}`, openAIHeader())
	resp, err := g.Embeddings(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUndefinedDeployments(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	cfg := testConfig()

	rc := newContext(t, cfg, http.MethodPost, "/openai/deployments/unknown/embeddings", `{"input":"x"}`, openAIHeader())
	resp, err := g.Embeddings(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), `"model":"text-embedding-ada-002"`)

	rc = newContext(t, cfg, http.MethodPost, "/openai/deployments/unknown/chat/completions",
		`{"messages":[{"role":"user","content":"x"}],"max_tokens":3}`, openAIHeader())
	resp, err = g.ChatCompletions(context.Background(), rc)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), `"model":"`+DefaultChatModel+`"`)

	cfg.AllowUndefinedOpenAIDeployments = false
	rc = newContext(t, cfg, http.MethodPost, "/openai/deployments/unknown/chat/completions",
		`{"messages":[]}`, openAIHeader())
	resp, err = g.ChatCompletions(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Deployment unknown not found"}`, string(resp.Body))
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	g := NewOpenAI(testOptions(wordCounter))
	for _, header := range []map[string]string{nil, {HeaderOpenAIKey: "wrong"}, {HeaderDocIntelligenceKey: testKey}} {
		rc := newContext(t, testConfig(), http.MethodPost, "/openai/deployments/embedding/embeddings", `{"input":"x"}`, header)
		resp, err := g.Embeddings(context.Background(), rc)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "Missing or incorrect API Key")
	}
}

func TestGeneratorsSkipOtherRoutes(t *testing.T) {
	set := NewSet(testOptions(wordCounter))
	for _, target := range []string{"/openai/deployments/x/images", "/other", "/formrecognizer/documentModels/x"} {
		rc := newContext(t, testConfig(), http.MethodPost, target, `{}`, openAIHeader())
		for _, gen := range set.Generators() {
			resp, err := gen.Generate(context.Background(), rc)
			require.NoError(t, err)
			assert.Nil(t, resp, target)
		}
	}

	rc := newContext(t, testConfig(), http.MethodGet, "/openai/deployments/embedding/embeddings", ``, openAIHeader())
	resp, err := set.OpenAI.Embeddings(context.Background(), rc)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestValidAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, ValidAPIKey(req, HeaderOpenAIKey, "k"))
	req.Header.Set(HeaderOpenAIKey, "k")
	assert.True(t, ValidAPIKey(req, HeaderOpenAIKey, "k"))
	assert.False(t, ValidAPIKey(req, HeaderOpenAIKey, ""))
	assert.False(t, ValidAPIKey(req, HeaderOpenAIKey, "kk"))
}

func TestDocIntelligenceLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := testOptions(wordCounter)
	opts.Clock = func() time.Time { return now }
	g := NewDocIntelligence(opts)
	header := map[string]string{HeaderDocIntelligenceKey: testKey}

	doc := bytes.Repeat([]byte("x"), 1000000)
	rc := newContext(t, testConfig(), http.MethodPost,
		"http://sim.local:8000/formrecognizer/documentModels/prebuilt-receipt:analyze?api-version=2023-07-31&stringIndexType=utf16CodeUnit",
		string(doc), header)

	resp, err := g.Analyze(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, limiter.NameDocIntelligence, rc.String(sim.KeyLimiter))

	location := resp.Header.Get("Operation-Location")
	require.True(t, strings.HasPrefix(location, "http://sim.local:8000/formrecognizer/documentModels/prebuilt-receipt/analyzeResults/"), location)
	assert.True(t, strings.HasSuffix(location, "?api-version=2023-07-31"))
	assert.Equal(t, 1, g.Pending())

	poll := func() *sim.Response {
		rc := newContext(t, testConfig(), http.MethodGet, location, "", header)
		resp, err := g.AnalyzeResult(context.Background(), rc)
		require.NoError(t, err)
		require.NotNil(t, resp)
		return resp
	}

	// 1MB takes two seconds
	now = now.Add(time.Second)
	resp = poll()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var running map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &running))
	assert.Equal(t, "running", running["status"])
	assert.Equal(t, "2025-03-01T12:00:00Z", running["createdDateTime"])
	assert.Equal(t, "2025-03-01T12:00:01Z", running["lastUpdatedDateTime"])

	now = now.Add(time.Second)
	resp = poll()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	var done struct {
		Status        string `json:"status"`
		AnalyzeResult struct {
			APIVersion      string `json:"apiVersion"`
			ModelID         string `json:"modelId"`
			StringIndexType string `json:"stringIndexType"`
			Content         string `json:"content"`
			Pages           []struct {
				Lines []any `json:"lines"`
				Words []any `json:"words"`
			} `json:"pages"`
		} `json:"analyzeResult"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &done))
	assert.Equal(t, "succeeded", done.Status)
	assert.Equal(t, "2023-07-31", done.AnalyzeResult.APIVersion)
	assert.Equal(t, "prebuilt-receipt", done.AnalyzeResult.ModelID)
	assert.Equal(t, "utf16CodeUnit", done.AnalyzeResult.StringIndexType)
	assert.Len(t, strings.Fields(done.AnalyzeResult.Content), 40)
	require.Len(t, done.AnalyzeResult.Pages, 1)
	assert.Len(t, done.AnalyzeResult.Pages[0].Lines, 6)
	assert.Len(t, done.AnalyzeResult.Pages[0].Words, 5)

	resp = poll()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, g.Pending())
}

func TestDocIntelligenceRequiresKey(t *testing.T) {
	g := NewDocIntelligence(testOptions(wordCounter))
	rc := newContext(t, testConfig(), http.MethodPost, "/formrecognizer/documentModels/prebuilt-read:analyze", "doc", openAIHeader())
	resp, err := g.Analyze(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

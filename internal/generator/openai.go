package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"

	"github.com/namelens/aoaisim/internal/latency"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/sim"
	"github.com/namelens/aoaisim/internal/tokens"
)

const finishReasonLength = "length"

// Options configures the built-in generators.
type Options struct {
	Counter     tokens.Counter
	Synthesizer *Synthesizer
	Sampler     *latency.Sampler
	Logger      *logging.Logger
	// Source seeds embedding vectors and document results.
	Source rand.Source
	Clock  func() time.Time
}

func (o Options) withDefaults() Options {
	o.Logger = observability.LoggerOr(o.Logger)
	if o.Counter == nil {
		o.Counter = tokens.NewTiktoken(o.Logger)
	}
	if o.Synthesizer == nil {
		o.Synthesizer = NewSynthesizer(o.Counter, nil, o.Logger)
	}
	if o.Sampler == nil {
		o.Sampler = latency.NewSampler(nil)
	}
	if o.Source == nil {
		o.Source = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// OpenAI generates Azure OpenAI completions, chat completions and
// embeddings.
type OpenAI struct {
	counter tokens.Counter
	synth   *Synthesizer
	sampler *latency.Sampler
	logger  *logging.Logger
	clock   func() time.Time
	deps    *resolver

	rngMu sync.Mutex
	rng   *rand.Rand

	embeddingsRoute  *sim.Route
	completionsRoute *sim.Route
	chatRoute        *sim.Route
}

// NewOpenAI creates the OpenAI generators.
func NewOpenAI(opts Options) *OpenAI {
	opts = opts.withDefaults()
	return &OpenAI{
		counter:          opts.Counter,
		synth:            opts.Synthesizer,
		sampler:          opts.Sampler,
		logger:           opts.Logger,
		clock:            opts.Clock,
		deps:             &resolver{logger: opts.Logger},
		rng:              rand.New(opts.Source),
		embeddingsRoute:  sim.NewRoute(http.MethodPost, "/openai/deployments/{deployment}/embeddings"),
		completionsRoute: sim.NewRoute(http.MethodPost, "/openai/deployments/{deployment}/completions"),
		chatRoute:        sim.NewRoute(http.MethodPost, "/openai/deployments/{deployment}/chat/completions"),
	}
}

// Generators returns the generators in dispatch order.
func (g *OpenAI) Generators() []sim.Generator {
	return []sim.Generator{
		sim.GeneratorFunc(g.Embeddings),
		sim.GeneratorFunc(g.Completions),
		sim.GeneratorFunc(g.ChatCompletions),
	}
}

type contentFilterResult struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity"`
}

type contentFilterResults struct {
	Hate     contentFilterResult `json:"hate"`
	SelfHarm contentFilterResult `json:"self_harm"`
	Sexual   contentFilterResult `json:"sexual"`
	Violence contentFilterResult `json:"violence"`
}

func safeFilterResults() *contentFilterResults {
	safe := contentFilterResult{Severity: "safe"}
	return &contentFilterResults{Hate: safe, SelfHarm: safe, Sexual: safe, Violence: safe}
}

type promptFilterResult struct {
	PromptIndex          int                   `json:"prompt_index"`
	ContentFilterResults *contentFilterResults `json:"content_filter_results"`
}

type usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  usage           `json:"usage"`
}

// Embeddings handles POST /openai/deployments/{deployment}/embeddings.
func (g *OpenAI) Embeddings(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	params, ok := g.embeddingsRoute.Match(rc.Request)
	if !ok {
		return nil, nil
	}
	if resp := checkAPIKey(rc, HeaderOpenAIKey, g.logger); resp != nil {
		return resp, nil
	}

	name := params["deployment"]
	deployment, err := g.deps.embedding(rc.Config, name)
	if err != nil {
		return deploymentNotFound(name)
	}

	var req struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(rc.Body, &req); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	inputs, err := embeddingInputs(req.Input)
	if err != nil {
		return badRequest(err.Error())
	}

	promptTokens := 0
	data := make([]embeddingData, len(inputs))
	g.rngMu.Lock()
	for i, input := range inputs {
		promptTokens += g.counter.Count(input, deployment.Model)
		vector := make([]float64, deployment.EmbeddingSize)
		for j := range vector {
			vector[j] = (g.rng.Float64() - 0.5) * 4
		}
		data[i] = embeddingData{Object: "embedding", Index: i, Embedding: vector}
	}
	g.rngMu.Unlock()

	rc.Set(sim.KeyLimiter, limiter.NameOpenAI)
	rc.Set(sim.KeyOperationName, latency.OperationEmbeddings)
	rc.Set(sim.KeyDeploymentName, name)
	rc.Set(sim.KeyPromptTokens, promptTokens)
	rc.Set(sim.KeyTotalTokens, promptTokens)
	g.setTargetDuration(rc, latency.OperationEmbeddings, 0)

	return sim.JSONResponse(http.StatusOK, embeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  deployment.Model,
		Usage:  usage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	})
}

func embeddingInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("'input' is a required property")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("'input' must be a string or an array of strings")
	}
	return many, nil
}

type completionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Logprobs     *string `json:"logprobs"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

// Completions handles POST /openai/deployments/{deployment}/completions.
func (g *OpenAI) Completions(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	params, ok := g.completionsRoute.Match(rc.Request)
	if !ok {
		return nil, nil
	}
	if resp := checkAPIKey(rc, HeaderOpenAIKey, g.logger); resp != nil {
		return resp, nil
	}

	name := params["deployment"]
	model, err := g.deps.model(rc.Config, name)
	if err != nil {
		return deploymentNotFound(name)
	}

	var req struct {
		Prompt    json.RawMessage `json:"prompt"`
		MaxTokens *int            `json:"max_tokens"`
	}
	if err := json.Unmarshal(rc.Body, &req); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	prompt, err := promptText(req.Prompt)
	if err != nil {
		return badRequest(err.Error())
	}

	promptTokens := g.counter.Count(prompt, model)
	maxTokens := MaxCompletionTokens(req.MaxTokens, model, promptTokens)
	text := g.synth.Text(model, maxTokens)
	completionTokens := g.counter.Count(text, model)
	total := promptTokens + completionTokens

	g.setUsage(rc, latency.OperationCompletions, name, promptTokens, completionTokens, req.MaxTokens, maxTokens)

	return sim.JSONResponse(http.StatusOK, completionResponse{
		ID:      newID("cmpl-"),
		Object:  "text_completion",
		Created: g.clock().Unix(),
		Model:   model,
		Choices: []completionChoice{{Text: text, FinishReason: finishReasonLength}},
		Usage:   usage{PromptTokens: promptTokens, CompletionTokens: &completionTokens, TotalTokens: total},
	})
}

func promptText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("'prompt' is a required property")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", fmt.Errorf("'prompt' must be a string or an array of strings")
	}
	return strings.Join(many, "\n"), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	FinishReason         string                `json:"finish_reason"`
	Index                int                   `json:"index"`
	Message              chatMessage           `json:"message"`
	ContentFilterResults *contentFilterResults `json:"content_filter_results"`
}

type chatResponse struct {
	ID                  string               `json:"id"`
	Object              string               `json:"object"`
	Created             int64                `json:"created"`
	Model               string               `json:"model"`
	PromptFilterResults []promptFilterResult `json:"prompt_filter_results"`
	Choices             []chatChoice         `json:"choices"`
	Usage               usage                `json:"usage"`
}

// ChatCompletions handles POST /openai/deployments/{deployment}/chat/completions,
// streaming when the request sets "stream".
func (g *OpenAI) ChatCompletions(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	params, ok := g.chatRoute.Match(rc.Request)
	if !ok {
		return nil, nil
	}
	if resp := checkAPIKey(rc, HeaderOpenAIKey, g.logger); resp != nil {
		return resp, nil
	}

	name := params["deployment"]
	model, err := g.deps.model(rc.Config, name)
	if err != nil {
		return deploymentNotFound(name)
	}

	var req struct {
		Messages  []tokens.Message `json:"messages"`
		MaxTokens *int             `json:"max_tokens"`
		Stream    bool             `json:"stream"`
	}
	if err := json.Unmarshal(rc.Body, &req); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Messages == nil {
		return badRequest("'messages' is a required property")
	}

	promptTokens := tokens.CountMessages(g.counter, req.Messages, model)
	maxTokens := MaxCompletionTokens(req.MaxTokens, model, promptTokens)
	text := g.synth.Text(model, maxTokens)

	return g.chatResponse(rc, name, model, text, promptTokens, req.MaxTokens, maxTokens, req.Stream)
}

func (g *OpenAI) chatResponse(rc *sim.RequestContext, deployment, model, text string, promptTokens int, requested *int, effective int, streaming bool) (*sim.Response, error) {
	completionTokens := g.counter.Count(text, model)
	total := promptTokens + completionTokens

	g.setUsage(rc, latency.OperationChatCompletions, deployment, promptTokens, completionTokens, requested, effective)

	id := newID("chatcmpl-")
	created := g.clock().Unix()
	if streaming {
		perToken := g.sampler.Sample(rc.Config.Latency.OpenAIChatCompletions)
		return chatStream(id, model, text, created, latency.Milliseconds(perToken))
	}

	return sim.JSONResponse(http.StatusOK, chatResponse{
		ID:                  id,
		Object:              "chat.completion",
		Created:             created,
		Model:               model,
		PromptFilterResults: []promptFilterResult{{ContentFilterResults: safeFilterResults()}},
		Choices: []chatChoice{{
			FinishReason:         finishReasonLength,
			Message:              chatMessage{Role: "assistant", Content: text},
			ContentFilterResults: safeFilterResults(),
		}},
		Usage: usage{PromptTokens: promptTokens, CompletionTokens: &completionTokens, TotalTokens: total},
	})
}

type chunkDelta struct {
	Content *string `json:"content,omitempty"`
	Role    string  `json:"role,omitempty"`
}

type chunkChoice struct {
	ContentFilterResults any        `json:"content_filter_results"`
	Delta                chunkDelta `json:"delta"`
	FinishReason         *string    `json:"finish_reason"`
	Index                int        `json:"index"`
}

type chatChunk struct {
	Choices             []chunkChoice        `json:"choices"`
	Created             int64                `json:"created"`
	ID                  string               `json:"id"`
	Model               string               `json:"model"`
	Object              string               `json:"object"`
	PromptFilterResults []promptFilterResult `json:"prompt_filter_results,omitempty"`
	SystemFingerprint   *string              `json:"system_fingerprint"`
}

// chatStream emits the prompt filter preamble, the assistant role, one
// chunk per word and the finish chunk, followed by [DONE].
func chatStream(id, model, text string, created int64, perToken time.Duration) (*sim.Response, error) {
	words := strings.Fields(text)
	chunks := make([]chatChunk, 0, len(words)+3)

	chunks = append(chunks, chatChunk{
		Choices:             []chunkChoice{},
		PromptFilterResults: []promptFilterResult{{ContentFilterResults: safeFilterResults()}},
	})

	empty := ""
	chunks = append(chunks, chatChunk{
		Choices: []chunkChoice{{
			ContentFilterResults: struct{}{},
			Delta:                chunkDelta{Content: &empty, Role: "assistant"},
		}},
		Created: created,
		ID:      id,
		Model:   model,
		Object:  "chat.completion.chunk",
	})

	for i, word := range words {
		content := word
		if i > 0 {
			content = " " + word
		}
		chunks = append(chunks, chatChunk{
			Choices: []chunkChoice{{
				ContentFilterResults: safeFilterResults(),
				Delta:                chunkDelta{Content: &content},
			}},
			Created: created,
			ID:      id,
			Model:   model,
			Object:  "chat.completion.chunk",
		})
	}

	finish := finishReasonLength
	chunks = append(chunks, chatChunk{
		Choices: []chunkChoice{{
			ContentFilterResults: struct{}{},
			FinishReason:         &finish,
		}},
		Created: created,
		ID:      id,
		Model:   model,
		Object:  "chat.completion.chunk",
	})

	events := make([][]byte, 0, len(chunks)+1)
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode chat chunk: %w", err)
		}
		events = append(events, data)
	}
	events = append(events, sim.Done)

	resp := sim.NewResponse(http.StatusOK, nil)
	resp.Header.Set("Content-Type", "text/event-stream")
	resp.Stream = &sim.Stream{Events: events, Delay: perToken}
	return resp, nil
}

func (g *OpenAI) setUsage(rc *sim.RequestContext, operation, deployment string, promptTokens, completionTokens int, requested *int, effective int) {
	rc.Set(sim.KeyLimiter, limiter.NameOpenAI)
	rc.Set(sim.KeyOperationName, operation)
	rc.Set(sim.KeyDeploymentName, deployment)
	rc.Set(sim.KeyPromptTokens, promptTokens)
	rc.Set(sim.KeyCompletionTokens, completionTokens)
	rc.Set(sim.KeyTotalTokens, promptTokens+completionTokens)
	if requested != nil {
		rc.Set(sim.KeyMaxTokensRequested, *requested)
	}
	rc.Set(sim.KeyMaxTokensEffective, effective)
	g.setTargetDuration(rc, operation, completionTokens)
}

func (g *OpenAI) setTargetDuration(rc *sim.RequestContext, operation string, completionTokens int) {
	if target, ok := g.sampler.TargetMs(rc.Config.Latency, operation, completionTokens); ok {
		rc.Set(sim.KeyTargetDurationMs, target)
	}
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:29]
}

func deploymentNotFound(name string) (*sim.Response, error) {
	return sim.JSONResponse(http.StatusNotFound, map[string]string{
		"error": fmt.Sprintf("Deployment %s not found", name),
	})
}

func badRequest(message string) (*sim.Response, error) {
	return sim.JSONResponse(http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":    "400",
			"message": message,
		},
	})
}

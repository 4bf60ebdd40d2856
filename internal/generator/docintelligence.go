package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"

	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/sim"
)

const (
	// analysisBytesPerSecond paces results: one second per 500kB submitted.
	analysisBytesPerSecond = 500000
	// analysisBytesPerWord sizes the result content: one word per 25kB.
	analysisBytesPerWord = 25000

	resultWordCount = 5
	resultLineCount = 6
	pageWidth       = 2448
	pageHeight      = 3264
)

type analysis struct {
	modelID         string
	apiVersion      string
	stringIndexType string
	locale          string
	pages           string
	features        string
	contentLength   int
	submittedAt     time.Time
}

// DocIntelligence simulates the asynchronous Document Intelligence analyze
// API. Submissions are held in memory until their result is fetched.
type DocIntelligence struct {
	synth  *Synthesizer
	logger *logging.Logger
	clock  func() time.Time

	mu       sync.Mutex
	analyses map[string]*analysis

	rngMu sync.Mutex
	rng   *rand.Rand

	analyzeRoute *sim.Route
	resultRoute  *sim.Route
}

// NewDocIntelligence creates the document intelligence generators.
func NewDocIntelligence(opts Options) *DocIntelligence {
	opts = opts.withDefaults()
	return &DocIntelligence{
		synth:        opts.Synthesizer,
		logger:       opts.Logger,
		clock:        opts.Clock,
		analyses:     make(map[string]*analysis),
		rng:          rand.New(opts.Source),
		analyzeRoute: sim.NewRoute(http.MethodPost, "/formrecognizer/documentModels/{modelAction}"),
		resultRoute:  sim.NewRoute(http.MethodGet, "/formrecognizer/documentModels/{modelID}/analyzeResults/{resultID}"),
	}
}

// Generators returns the generators in dispatch order.
func (g *DocIntelligence) Generators() []sim.Generator {
	return []sim.Generator{
		sim.GeneratorFunc(g.Analyze),
		sim.GeneratorFunc(g.AnalyzeResult),
	}
}

// Pending returns the number of submissions awaiting retrieval.
func (g *DocIntelligence) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.analyses)
}

// Analyze handles POST /formrecognizer/documentModels/{modelId}:analyze.
func (g *DocIntelligence) Analyze(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	params, ok := g.analyzeRoute.Match(rc.Request)
	if !ok {
		return nil, nil
	}
	modelID, found := strings.CutSuffix(params["modelAction"], ":analyze")
	if !found || modelID == "" {
		return nil, nil
	}
	if resp := checkAPIKey(rc, HeaderDocIntelligenceKey, g.logger); resp != nil {
		return resp, nil
	}

	r := rc.Request
	query := r.URL.Query()
	contentLength := len(rc.Body)
	if v := r.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			contentLength = n
		}
	}

	id := uuid.NewString()
	apiVersion := query.Get("api-version")
	g.mu.Lock()
	g.analyses[id] = &analysis{
		modelID:         modelID,
		apiVersion:      apiVersion,
		stringIndexType: query.Get("stringIndexType"),
		locale:          query.Get("locale"),
		pages:           query.Get("pages"),
		features:        query.Get("features"),
		contentLength:   contentLength,
		submittedAt:     g.clock(),
	}
	g.mu.Unlock()

	rc.Set(sim.KeyLimiter, limiter.NameDocIntelligence)

	resp := sim.NewResponse(http.StatusAccepted, nil)
	resp.Header.Set("Operation-Location", operationLocation(r, modelID, id, apiVersion))
	return resp, nil
}

// AnalyzeResult handles GET .../analyzeResults/{resultId}. The result reads
// as running until the simulated processing time has passed, then returns
// once and is forgotten.
func (g *DocIntelligence) AnalyzeResult(_ context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	params, ok := g.resultRoute.Match(rc.Request)
	if !ok {
		return nil, nil
	}
	if resp := checkAPIKey(rc, HeaderDocIntelligenceKey, g.logger); resp != nil {
		return resp, nil
	}

	id := params["resultID"]
	now := g.clock()

	g.mu.Lock()
	a, found := g.analyses[id]
	if !found {
		g.mu.Unlock()
		return sim.NewResponse(http.StatusNotFound, nil), nil
	}
	readyAt := a.submittedAt.Add(time.Duration(float64(a.contentLength) / analysisBytesPerSecond * float64(time.Second)))
	ready := !now.Before(readyAt)
	if ready {
		delete(g.analyses, id)
	}
	g.mu.Unlock()

	if !ready {
		return sim.JSONResponse(http.StatusOK, map[string]string{
			"status":              "running",
			"createdDateTime":     formatTime(a.submittedAt),
			"lastUpdatedDateTime": formatTime(now),
		})
	}

	resp, err := sim.JSONResponse(http.StatusOK, g.buildResult(a, now))
	if err != nil {
		return nil, err
	}
	resp.Header.Set("Content-Type", "application/json; charset=utf-8")
	return resp, nil
}

type span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type line struct {
	Content string `json:"content"`
	Polygon []int  `json:"polygon"`
	Spans   []span `json:"spans"`
}

type word struct {
	Content    string  `json:"content"`
	Polygon    []int   `json:"polygon"`
	Confidence float64 `json:"confidence"`
	Span       span    `json:"span"`
}

type page struct {
	Angle          int    `json:"angle"`
	Barcodes       []any  `json:"barcodes"`
	Formulas       []any  `json:"formulas"`
	Height         int    `json:"height"`
	Lines          []line `json:"lines"`
	PageNumber     int    `json:"pageNumber"`
	SelectionMarks []any  `json:"selectionMarks"`
	Spans          []span `json:"spans"`
	Unit           string `json:"unit"`
	Width          int    `json:"width"`
	Words          []word `json:"words"`
}

type boundingRegion struct {
	PageNumber int   `json:"pageNumber"`
	Polygon    []int `json:"polygon"`
}

type document struct {
	DocType         string           `json:"docType"`
	BoundingRegions []boundingRegion `json:"boundingRegions"`
	Fields          map[string]any   `json:"fields"`
	Confidence      float64          `json:"confidence"`
	Spans           []span           `json:"spans"`
}

type analyzeResult struct {
	APIVersion      string     `json:"apiVersion"`
	ModelID         string     `json:"modelId"`
	StringIndexType string     `json:"stringIndexType"`
	Content         string     `json:"content"`
	KeyValuePairs   []any      `json:"keyValuePairs"`
	Languages       []any      `json:"languages"`
	Paragraphs      []any      `json:"paragraphs"`
	Tables          []any      `json:"tables"`
	Pages           []page     `json:"pages"`
	Styles          []any      `json:"styles"`
	Documents       []document `json:"documents"`
}

type analyzeResponse struct {
	Status              string        `json:"status"`
	CreatedDateTime     string        `json:"createdDateTime"`
	LastUpdatedDateTime string        `json:"lastUpdatedDateTime"`
	AnalyzeResult       analyzeResult `json:"analyzeResult"`
}

func (g *DocIntelligence) buildResult(a *analysis, now time.Time) analyzeResponse {
	stringIndexType := a.stringIndexType
	if stringIndexType == "" {
		stringIndexType = "textElements"
	}
	wordCount := int(math.Round(float64(a.contentLength) / analysisBytesPerWord))
	fullSpan := []span{{Offset: 0, Length: 188}}

	return analyzeResponse{
		Status:              "succeeded",
		CreatedDateTime:     formatTime(now),
		LastUpdatedDateTime: formatTime(now),
		AnalyzeResult: analyzeResult{
			APIVersion:      a.apiVersion,
			ModelID:         a.modelID,
			StringIndexType: stringIndexType,
			Content:         g.synth.Words(wordCount),
			KeyValuePairs:   []any{},
			Languages:       []any{},
			Paragraphs:      []any{},
			Tables:          []any{},
			Pages: []page{{
				Barcodes:       []any{},
				Formulas:       []any{},
				Height:         pageHeight,
				Lines:          g.lines(resultLineCount),
				PageNumber:     1,
				SelectionMarks: []any{},
				Spans:          fullSpan,
				Unit:           "pixel",
				Width:          pageWidth,
				Words:          g.words(resultWordCount),
			}},
			Styles: []any{},
			Documents: []document{{
				DocType: "receipt.retailMeal",
				BoundingRegions: []boundingRegion{{
					PageNumber: 1,
					Polygon:    []int{0, 0, pageWidth, 0, pageWidth, pageHeight, 0, pageHeight},
				}},
				Fields:     map[string]any{},
				Confidence: 0.981,
				Spans:      fullSpan,
			}},
		},
	}
}

func (g *DocIntelligence) lines(n int) []line {
	polygon := g.polygon()
	out := make([]line, n)
	for i := range out {
		w := g.synth.Words(1)
		out[i] = line{Content: w, Polygon: polygon, Spans: []span{{Length: len(w)}}}
	}
	return out
}

func (g *DocIntelligence) words(n int) []word {
	polygon := g.polygon()
	out := make([]word, n)
	for i := range out {
		w := g.synth.Words(1)
		g.rngMu.Lock()
		confidence := math.Round(g.rng.Float64()*1000) / 1000
		g.rngMu.Unlock()
		out[i] = word{Content: w, Polygon: polygon, Confidence: confidence, Span: span{Length: len(w)}}
	}
	return out
}

func (g *DocIntelligence) polygon() []int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	points := make([]int, 8)
	for i := range points {
		points[i] = g.rng.IntN(2001)
	}
	return points
}

func operationLocation(r *http.Request, modelID, id, apiVersion string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s/formrecognizer/documentModels/%s/analyzeResults/%s?api-version=%s",
		scheme, r.Host, url.PathEscape(modelID), id, url.QueryEscape(apiVersion))
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

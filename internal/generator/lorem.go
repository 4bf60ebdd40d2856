package generator

import (
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/tokens"
)

var loremWords = []string{
	"ullamco", "labore", "cupidatat", "ipsum", "elit,", "esse", "officia", "aliquip",
	"do", "magna", "duis", "consequat", "exercitation", "occaecat", "ea", "laboris",
	"sit", "reprehenderit", "velit", "dolor", "enim", "irure", "anim", "nisi",
	"amet,", "culpa", "commodo", "consectetur", "eiusmod", "minim", "mollit", "fugiat",
	"cillum", "non", "deserunt", "veniam,", "est", "eu", "qui", "tempor",
	"adipiscing", "aliqua", "et", "nostrud", "ex", "incididunt", "aute", "nulla",
	"in", "proident,", "sunt", "id", "lorem", "pariatur", "excepteur", "ut",
	"ad", "sed", "sint", "laborum", "voluptate", "dolore", "quis",
}

// ReferenceSizes are the token buckets of a lorem reference table.
var ReferenceSizes = []int{2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 4000}

const candidatesPerSize = 5

type snippet struct {
	text   string
	tokens int
}

// reference holds pre-tokenized snippets per bucket, largest bucket first.
type reference struct {
	sizes    []int
	snippets map[int][]snippet
}

type referenceEntry struct {
	once sync.Once
	ref  *reference
}

// Synthesizer produces lorem text that fits a token budget. Per model it
// builds a reference table once, then assembles text from the largest
// snippets that fit, so the tokenizer runs a handful of times per call
// regardless of the budget.
type Synthesizer struct {
	counter tokens.Counter
	logger  *logging.Logger
	sizes   []int

	mu   sync.Mutex
	refs map[string]*referenceEntry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSynthesizer creates a synthesizer over counter. A nil source uses a
// randomly seeded one.
func NewSynthesizer(counter tokens.Counter, src rand.Source, logger *logging.Logger) *Synthesizer {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Synthesizer{
		counter: counter,
		logger:  observability.LoggerOr(logger),
		sizes:   ReferenceSizes,
		refs:    make(map[string]*referenceEntry),
		rng:     rand.New(src),
	}
}

// Text returns text whose token count for model is at most maxTokens.
func (s *Synthesizer) Text(model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ref := s.reference(model)

	var b strings.Builder
	remaining := maxTokens
	for remaining > 0 {
		sn, ok := s.pick(ref, remaining)
		if !ok {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sn.text)
		remaining -= sn.tokens
	}

	// joining snippets can merge tokens differently, so trim to the budget
	text := b.String()
	for text != "" && s.counter.Count(text, model) > maxTokens {
		i := strings.LastIndexByte(text, ' ')
		if i < 0 {
			return ""
		}
		text = text[:i]
	}
	return text
}

// Words returns count random lorem words joined by spaces.
func (s *Synthesizer) Words(count int) string {
	if count <= 0 {
		return ""
	}
	words := make([]string, count)
	s.rngMu.Lock()
	for i := range words {
		words[i] = loremWords[s.rng.IntN(len(loremWords))]
	}
	s.rngMu.Unlock()
	return strings.Join(words, " ")
}

// Warm builds the reference table for model ahead of the first request.
func (s *Synthesizer) Warm(model string) {
	s.reference(model)
}

func (s *Synthesizer) reference(model string) *reference {
	s.mu.Lock()
	entry, ok := s.refs[model]
	if !ok {
		entry = &referenceEntry{}
		s.refs[model] = entry
	}
	s.mu.Unlock()

	entry.once.Do(func() {
		s.logger.Info("Generating lorem reference values", zap.String("model", model))
		start := time.Now()
		entry.ref = s.buildReference(model)
		s.logger.Info("Generated lorem reference values",
			zap.String("model", model),
			zap.Duration("took", time.Since(start)))
	})
	return entry.ref
}

func (s *Synthesizer) buildReference(model string) *reference {
	ref := &reference{snippets: make(map[int][]snippet)}
	for _, size := range s.sizes {
		var candidates []snippet
		for i := 0; i < candidatesPerSize; i++ {
			text := s.rawText(model, size)
			if text == "" {
				continue
			}
			candidates = append(candidates, snippet{text: text, tokens: s.counter.Count(text, model)})
		}
		if len(candidates) == 0 {
			continue
		}
		ref.snippets[size] = candidates
		ref.sizes = append(ref.sizes, size)
	}
	slices.SortFunc(ref.sizes, func(a, b int) int { return b - a })
	return ref
}

// pick returns a random snippet from the largest bucket that fits.
func (s *Synthesizer) pick(ref *reference, budget int) (snippet, bool) {
	for _, size := range ref.sizes {
		if size > budget {
			continue
		}
		candidates := ref.snippets[size]
		s.rngMu.Lock()
		sn := candidates[s.rng.IntN(len(candidates))]
		s.rngMu.Unlock()
		if sn.tokens <= 0 {
			continue
		}
		return sn, true
	}
	return snippet{}, false
}

// rawText generates lorem text up to maxTokens by tokenizing as it goes.
// Chunks sized from an estimated words-per-token factor cover most of the
// budget; a chunk that overshoots is halved and retried, so the final
// word-at-a-time fill only covers the last few tokens.
func (s *Synthesizer) rawText(model string, maxTokens int) string {
	target := maxTokens
	text := ""
	words := chunkWords(target)
	for target > 5 && words > 0 {
		chunk := s.Words(words)
		used := s.counter.Count(chunk, model)
		if used > target {
			words /= 2
			continue
		}
		text = joinWords(text, chunk)
		// the joining space and token merges can cost a little extra
		target -= used + 2
		words = chunkWords(target)
	}

	for {
		next := joinWords(text, s.Words(1))
		if s.counter.Count(next, model) > maxTokens {
			return text
		}
		text = next
	}
}

func chunkWords(target int) int {
	return int(loremFactor(target) * float64(target))
}

func loremFactor(target int) float64 {
	switch {
	case target > 500:
		return 0.72
	case target > 100:
		return 0.6
	default:
		return 0.5
	}
}

func joinWords(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

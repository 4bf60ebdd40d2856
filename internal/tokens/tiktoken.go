package tokens

import (
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/observability"
)

// DefaultEncoding is used for models tiktoken does not know.
const DefaultEncoding = "cl100k_base"

func init() {
	// Encodings are embedded so the simulator never downloads BPE ranks.
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Tiktoken counts tokens with the model's BPE encoding. Encodings are
// loaded on first use per model and cached for the lifetime of the counter.
type Tiktoken struct {
	logger *logging.Logger

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	warned    sync.Map
}

// NewTiktoken creates a counter. A nil logger falls back to the process
// logger.
func NewTiktoken(logger *logging.Logger) *Tiktoken {
	return &Tiktoken{
		logger:    logger,
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

// Count implements Counter. Unknown models use DefaultEncoding with a one
// time warning; if no encoding loads at all the count is estimated.
func (t *Tiktoken) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := t.encoding(model)
	if enc == nil {
		return Estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) encoding(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(normalizeModel(model))
	if err != nil {
		t.warnOnce(model, "Model not found, using default encoding",
			zap.String("model", model),
			zap.String("encoding", DefaultEncoding))
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			t.warnOnce("", "Default encoding unavailable, estimating token counts", zap.Error(err))
			enc = nil
		}
	}
	t.encodings[model] = enc
	return enc
}

func (t *Tiktoken) warnOnce(key, msg string, fields ...zap.Field) {
	if _, seen := t.warned.LoadOrStore(key, true); seen {
		return
	}
	observability.LoggerOr(t.logger).Warn(msg, fields...)
}

// normalizeModel maps Azure model names (gpt-35-turbo) to OpenAI ones.
func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	return strings.Replace(model, "gpt-35", "gpt-3.5", 1)
}

// Package latency samples simulated response times and pads responses up to
// their target duration.
package latency

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/namelens/aoaisim/internal/config"
)

// Operation names stored in the request context.
const (
	OperationEmbeddings      = "embeddings"
	OperationCompletions     = "completions"
	OperationChatCompletions = "chat-completions"
)

// Sampler draws from normal distributions truncated at zero.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a sampler. A nil source uses a randomly seeded one.
func NewSampler(src rand.Source) *Sampler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{rng: rand.New(src)}
}

// Sample returns a value in milliseconds.
func (s *Sampler) Sample(setting config.LatencySetting) float64 {
	if setting.StdDev <= 0 {
		return max(setting.Mean, 0)
	}
	s.mu.Lock()
	v := s.rng.NormFloat64()*setting.StdDev + setting.Mean
	s.mu.Unlock()
	return max(v, 0)
}

// TargetMs returns the simulated duration of an operation. Embeddings are
// sampled per request; completions and chat completions are sampled per
// completion token. It reports false when the operation has no model or
// produced no tokens.
func (s *Sampler) TargetMs(cfg config.LatencyConfig, operation string, completionTokens int) (float64, bool) {
	switch operation {
	case OperationEmbeddings:
		return s.Sample(cfg.OpenAIEmbeddings), true
	case OperationCompletions:
		if completionTokens <= 0 {
			return 0, false
		}
		return s.Sample(cfg.OpenAICompletions) * float64(completionTokens), true
	case OperationChatCompletions:
		if completionTokens <= 0 {
			return 0, false
		}
		return s.Sample(cfg.OpenAIChatCompletions) * float64(completionTokens), true
	default:
		return 0, false
	}
}

// Milliseconds converts a millisecond value to a duration.
func Milliseconds(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Pad sleeps until target has elapsed since start. It returns the delay it
// added, which is zero when the work already took longer. Cancelling ctx
// ends the sleep early.
func Pad(ctx context.Context, start time.Time, target time.Duration) (time.Duration, error) {
	extra := target - time.Since(start)
	if extra <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return extra, nil
	}
}

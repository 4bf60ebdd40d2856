// Package generator synthesizes responses for the simulated Azure OpenAI
// and Document Intelligence endpoints.
package generator

import (
	"github.com/namelens/aoaisim/internal/sim"
)

// Set bundles the built-in generators so they share a tokenizer, lorem
// reference tables and latency sampler.
type Set struct {
	OpenAI          *OpenAI
	DocIntelligence *DocIntelligence
}

// NewSet builds the built-in generators.
func NewSet(opts Options) *Set {
	opts = opts.withDefaults()
	return &Set{
		OpenAI:          NewOpenAI(opts),
		DocIntelligence: NewDocIntelligence(opts),
	}
}

// Generators returns every built-in generator in dispatch order.
func (s *Set) Generators() []sim.Generator {
	out := s.OpenAI.Generators()
	return append(out, s.DocIntelligence.Generators()...)
}

// Warm builds the lorem reference tables for the given completion models.
func (s *Set) Warm(models ...string) {
	for _, model := range models {
		s.OpenAI.synth.Warm(model)
	}
}

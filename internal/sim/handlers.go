package sim

import "context"

// Generator produces a response for requests it recognises. A nil response
// with a nil error means the request is not handled and the next generator
// in the chain is asked.
type Generator interface {
	Generate(ctx context.Context, rc *RequestContext) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, rc *RequestContext) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, rc *RequestContext) (*Response, error) {
	return f(ctx, rc)
}

// Forwarded is a response captured from a real backend.
type Forwarded struct {
	Response *Response
	// Persist is false for responses that must not be replayed, such as
	// errors or in-progress polling results.
	Persist bool
}

// Forwarder relays requests it recognises to a real backend. A nil result
// with a nil error means the request is not handled.
type Forwarder interface {
	Forward(ctx context.Context, rc *RequestContext) (*Forwarded, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, rc *RequestContext) (*Forwarded, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, rc *RequestContext) (*Forwarded, error) {
	return f(ctx, rc)
}

// Limiter applies admission control to a computed response and may replace
// it, typically with a 429.
type Limiter interface {
	Limit(ctx context.Context, rc *RequestContext, resp *Response) (*Response, error)
}

// LimiterFunc adapts a function to Limiter.
type LimiterFunc func(ctx context.Context, rc *RequestContext, resp *Response) (*Response, error)

// Limit calls f.
func (f LimiterFunc) Limit(ctx context.Context, rc *RequestContext, resp *Response) (*Response, error) {
	return f(ctx, rc, resp)
}

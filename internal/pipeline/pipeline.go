package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/latency"
	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/recording"
	"github.com/namelens/aoaisim/internal/sim"
)

// ServeHTTP implements http.Handler for the simulated APIs.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handle(w, r)
}

// Handle runs one request through the pipeline: produce a response by
// generation or record/replay, apply the limiter named in the request
// context, pad to the target duration and write the response.
func (s *Simulator) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	rc, err := sim.NewRequestContext(r, s.Config())
	if err != nil {
		s.logger.Error("Failed to read request", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.logger.Debug("⚡ handling route", zap.String("method", r.Method), zap.String("path", r.URL.Path))

	resp, err := s.Process(ctx, rc)
	if err != nil {
		s.logFailure(rc, err)
		resp = sim.NewResponse(http.StatusInternalServerError, nil)
	}

	base := time.Since(start)
	if err := s.applyLatency(ctx, rc, resp, start); err != nil {
		s.logger.Debug("Client went away during latency delay", zap.String("path", r.URL.Path))
		return
	}
	s.recordMetrics(rc, resp, base, time.Since(start))

	if err := resp.Write(ctx, w); err != nil {
		s.logger.Debug("Failed to write response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// Process produces the response for rc without latency injection. A nil
// response from every stage is an error.
func (s *Simulator) Process(ctx context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	resp, err := s.produce(ctx, rc)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errNoResponse
	}

	if resp.StatusCode < 300 {
		resp, err = s.limiters.Apply(ctx, rc, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

var errNoResponse = errors.New("no response found for request")

func (s *Simulator) produce(ctx context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	switch rc.Config.SimulatorMode {
	case config.ModeRecord, config.ModeReplay:
		rec := s.Recorder()
		if rec == nil {
			return nil, errNoResponse
		}
		return rec.Handle(ctx, rc)
	default:
		for _, g := range s.generators {
			resp, err := g.Generate(ctx, rc)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				return resp, nil
			}
		}
		return nil, nil
	}
}

// applyLatency sleeps until the target duration stored in the request
// context has passed. Streaming responses pace themselves and failures are
// returned immediately.
func (s *Simulator) applyLatency(ctx context.Context, rc *sim.RequestContext, resp *sim.Response, start time.Time) error {
	if resp.IsStreaming() || resp.StatusCode >= 300 {
		return nil
	}
	if _, ok := rc.Get(sim.KeyTargetDurationMs); !ok {
		return nil
	}
	target := latency.Milliseconds(float64(rc.Int(sim.KeyTargetDurationMs)))
	if target <= 0 {
		return nil
	}
	_, err := latency.Pad(ctx, start, target)
	return err
}

func (s *Simulator) recordMetrics(rc *sim.RequestContext, resp *sim.Response, base, full time.Duration) {
	deployment := rc.String(sim.KeyDeploymentName)
	metrics.RecordLatency(deployment, resp.StatusCode, base, full)

	prompt := rc.Int(sim.KeyPromptTokens)
	completion := rc.Int(sim.KeyCompletionTokens)
	metrics.RecordTokensRequested(deployment, metrics.TokenTypePrompt, prompt)
	metrics.RecordTokensRequested(deployment, metrics.TokenTypeCompletion, completion)
	if resp.StatusCode < 300 {
		metrics.RecordTokensUsed(deployment, metrics.TokenTypePrompt, prompt)
		metrics.RecordTokensUsed(deployment, metrics.TokenTypeCompletion, completion)
	}
}

func (s *Simulator) logFailure(rc *sim.RequestContext, err error) {
	fields := []zap.Field{
		zap.String("method", rc.Request.Method),
		zap.String("path", rc.Request.URL.Path),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, recording.ErrNoRecording):
		s.logger.Warn("No recording matches request", fields...)
	case errors.Is(err, errNoResponse):
		s.logger.Error("No response found for request", fields...)
	default:
		s.logger.Error("Failed to handle request", fields...)
	}
}

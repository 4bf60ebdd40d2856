package recording

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/sim"
)

var (
	// ErrNoRecording is returned in replay mode when no interaction matches.
	ErrNoRecording = errors.New("no recording matches the request")
	// ErrNoForwarder is returned in record mode when no forwarder handled
	// the request.
	ErrNoForwarder = errors.New("no forwarder returned a response")
)

// Lookup outcomes reported to metrics.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeCaptured = "captured"
	OutcomeSkipped  = "skipped"
)

// recordedRequestHeaders limits what is persisted from the request so
// secrets stay out of recordings.
var recordedRequestHeaders = []string{"Content-Type", "Accept"}

// Handler serves requests from recordings, capturing misses through the
// forwarder chain in record mode.
type Handler struct {
	store      *Store
	forwarders []sim.Forwarder
	logger     *logging.Logger
	now        func() time.Time
}

// NewHandler creates a handler. Forwarders are asked in order and the first
// non-nil result wins.
func NewHandler(store *Store, forwarders []sim.Forwarder, logger *logging.Logger) *Handler {
	return &Handler{
		store:      store,
		forwarders: forwarders,
		logger:     observability.LoggerOr(logger),
		now:        time.Now,
	}
}

// Store returns the recording store.
func (h *Handler) Store() *Store {
	return h.store
}

// Handle returns the recorded response for the request, capturing it first
// when recording.
func (h *Handler) Handle(ctx context.Context, rc *sim.RequestContext) (*sim.Response, error) {
	r := rc.Request
	path := r.URL.Path
	hash := HashRequest(r.Method, path, rc.Body)
	mode := rc.Config.SimulatorMode

	rec, found, err := h.store.Lookup(ctx, path, hash, mode == config.ModeReplay)
	if err != nil {
		return nil, err
	}
	if found {
		metrics.RecordRecording(OutcomeHit)
		rc.Merge(rec.ContextValues)
		rc.Set(sim.KeyTargetDurationMs, rec.DurationMs)
		resp := sim.NewResponse(rec.StatusCode, rec.Body)
		resp.Header = rec.Header.Clone()
		return resp, nil
	}

	metrics.RecordRecording(OutcomeMiss)
	if mode != config.ModeRecord {
		h.logger.Warn("No recorded response found for request",
			zap.String("method", r.Method),
			zap.String("path", path))
		return nil, fmt.Errorf("%w: %s %s", ErrNoRecording, r.Method, path)
	}
	return h.capture(ctx, rc, path, hash)
}

func (h *Handler) capture(ctx context.Context, rc *sim.RequestContext, path, hash string) (*sim.Response, error) {
	r := rc.Request

	start := h.now()
	fwd, err := h.forward(ctx, rc)
	durationMs := h.now().Sub(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	if fwd == nil || fwd.Response == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNoForwarder, r.Method, r.URL.String())
	}

	resp := fwd.Response
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Del("Content-Length")

	if fwd.Persist {
		rec := &Response{
			Hash:          hash,
			StatusCode:    resp.StatusCode,
			Header:        resp.Header.Clone(),
			Body:          resp.Body,
			DurationMs:    durationMs,
			ContextValues: rc.Values(),
			Request: Request{
				Method:      r.Method,
				URI:         requestURI(r),
				Header:      allowedHeaders(r.Header),
				Body:        rc.Body,
				ContentType: r.Header.Get("Content-Type"),
			},
		}
		h.logger.Info("📝 Storing recording",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		if err := h.store.Put(ctx, path, rec, rc.Config.Recording.Autosave); err != nil {
			return nil, err
		}
		metrics.RecordRecording(OutcomeCaptured)
	} else {
		metrics.RecordRecording(OutcomeSkipped)
	}

	rc.Set(sim.KeyTargetDurationMs, durationMs)
	return resp, nil
}

func (h *Handler) forward(ctx context.Context, rc *sim.RequestContext) (*sim.Forwarded, error) {
	for _, f := range h.forwarders {
		fwd, err := f.Forward(ctx, rc)
		if err != nil {
			return nil, err
		}
		if fwd != nil {
			return fwd, nil
		}
	}
	return nil, nil
}

// SaveAll persists every captured path.
func (h *Handler) SaveAll(ctx context.Context) error {
	return h.store.SaveAll(ctx)
}

func allowedHeaders(src http.Header) http.Header {
	out := make(http.Header)
	for _, name := range recordedRequestHeaders {
		if values := src.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}

func requestURI(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

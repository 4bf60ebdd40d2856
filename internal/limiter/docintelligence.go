package limiter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/sim"
)

const docIntelligenceKey = "docintelligence"

// DocIntelligence throttles analyze submissions to a fixed number of
// requests per second across all models.
type DocIntelligence struct {
	store  Store
	clock  func() time.Time
	logger *logging.Logger
	rps    atomic.Int64
}

// NewDocIntelligence creates the limiter. rps <= 0 disables throttling.
func NewDocIntelligence(store Store, rps int, opts ...Option) *DocIntelligence {
	o := buildOptions(opts)
	l := &DocIntelligence{store: store, clock: o.clock, logger: o.logger}
	l.SetRPS(rps)
	return l
}

// SetRPS changes the rate.
func (l *DocIntelligence) SetRPS(rps int) {
	l.rps.Store(int64(rps))
}

// Reconfigure implements Reconfigurable.
func (l *DocIntelligence) Reconfigure(cfg *config.Config) {
	l.SetRPS(cfg.Limits.DocIntelligenceRPS)
}

// Limit implements sim.Limiter.
func (l *DocIntelligence) Limit(ctx context.Context, rc *sim.RequestContext, resp *sim.Response) (*sim.Response, error) {
	rps := int(l.rps.Load())
	if rps <= 0 {
		return resp, nil
	}
	window := Window{RequestLimit: rps, RequestWindow: time.Second}

	res, err := l.store.Add(ctx, docIntelligenceKey, window, 0, l.clock())
	if err != nil {
		return nil, fmt.Errorf("apply document intelligence limits: %w", err)
	}
	if res.Admitted {
		return resp, nil
	}

	metrics.RecordRateLimited(NameDocIntelligence, res.Reason, time.Duration(res.RetryAfter)*time.Second)
	l.logger.Debug("Document intelligence request rate limited",
		zap.String("path", rc.Request.URL.Path),
		zap.Int("retry_after", res.RetryAfter))
	return tooManyRequests(res.RetryAfter,
		fmt.Sprintf("Requests to the Document Intelligence API Simulator have exceeded call rate limit. Please retry after %d seconds.", res.RetryAfter),
		false)
}

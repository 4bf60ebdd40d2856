package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/config"
	apperrors "github.com/namelens/aoaisim/internal/errors"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/pipeline"
)

var respondWithError = apperrors.RespondWithError

const maxPatchBytes = 1 << 20

// Simulator is the part of the running simulator the control endpoints
// drive.
type Simulator interface {
	Config() *config.Config
	ApplyConfig(ctx context.Context, cfg *config.Config) error
	SaveRecordings(ctx context.Context) error
}

// Control serves the /++/ endpoints and the root liveness message.
type Control struct {
	sim    Simulator
	logger *logging.Logger
}

// NewControl creates the control endpoint handlers.
func NewControl(sim Simulator, logger *logging.Logger) *Control {
	return &Control{sim: sim, logger: observability.LoggerOr(logger)}
}

// ConfigView is the body of GET and PATCH /++/config.
type ConfigView struct {
	SimulatorMode                   string                       `json:"simulator_mode"`
	AllowUndefinedOpenAIDeployments bool                         `json:"allow_undefined_openai_deployments"`
	Latency                         config.LatencyConfig         `json:"latency"`
	OpenAIDeployments               map[string]config.Deployment `json:"openai_deployments"`
	Recording                       RecordingView                `json:"recording"`
}

// RecordingView exposes the non-secret recording settings.
type RecordingView struct {
	Dir      string `json:"dir"`
	Format   string `json:"format"`
	Autosave bool   `json:"autosave"`
}

// NewConfigView renders cfg for the control API.
func NewConfigView(cfg *config.Config) ConfigView {
	return ConfigView{
		SimulatorMode:                   cfg.SimulatorMode,
		AllowUndefinedOpenAIDeployments: cfg.AllowUndefinedOpenAIDeployments,
		Latency:                         cfg.Latency,
		OpenAIDeployments:               cfg.OpenAIDeployments,
		Recording: RecordingView{
			Dir:      cfg.Recording.Dir,
			Format:   cfg.Recording.Format,
			Autosave: cfg.Recording.Autosave,
		},
	}
}

// Root handles GET /.
func (c *Control) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "👋 aoai-simulated-api is running"})
}

// SaveRecordings handles POST /++/save-recordings.
func (c *Control) SaveRecordings(w http.ResponseWriter, r *http.Request) {
	err := c.sim.SaveRecordings(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrNotRecording):
		writeText(w, http.StatusBadRequest, "⚠️ Not saving recordings as not in record mode")
	case err != nil:
		respondWithError(w, r, apperrors.WrapCritical(r.Context(), apperrors.CodeRecordingStoreFailed, err, "failed to save recordings"))
	default:
		writeText(w, http.StatusOK, "📼 Recordings saved")
	}
}

// GetConfig handles GET /++/config.
func (c *Control) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewConfigView(c.sim.Config()))
}

// PatchConfig handles PATCH /++/config. The body is validated against the
// patch schema before it is applied to a copy of the running configuration.
func (c *Control) PatchConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPatchBytes))
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(ctx, apperrors.CodeInvalidInput, err, "failed to read request body"))
		return
	}

	patch, err := config.ParsePatch(body)
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(ctx, apperrors.CodeValidationFailed, err, "invalid config patch"))
		return
	}
	next, err := patch.Apply(c.sim.Config())
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(ctx, apperrors.CodeValidationFailed, err, "patched config is invalid"))
		return
	}
	if err := c.sim.ApplyConfig(ctx, next); err != nil {
		respondWithError(w, r, apperrors.WrapCritical(ctx, apperrors.CodeRecordingStoreFailed, err, "failed to apply config"))
		return
	}
	config.SetConfig(next)

	c.logger.Info("📝 Config updated",
		zap.String("mode", next.SimulatorMode),
		zap.Int("deployments", len(next.OpenAIDeployments)))
	writeJSON(w, http.StatusOK, NewConfigView(next))
}

// ConfigSchema handles GET /++/config/schema.
func (c *Control) ConfigSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := config.PatchSchema()
	if err != nil {
		respondWithError(w, r, apperrors.WrapCritical(r.Context(), apperrors.CodeInternal, err, "patch schema unavailable"))
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema)
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}

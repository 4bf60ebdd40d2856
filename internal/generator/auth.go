package generator

import (
	"crypto/subtle"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/namelens/aoaisim/internal/sim"
)

// API key headers accepted by the simulated services.
const (
	HeaderOpenAIKey          = "api-key"
	HeaderDocIntelligenceKey = "ocp-apim-subscription-key"
)

// ValidAPIKey compares the header against the configured key in constant
// time. An empty configured key rejects everything.
func ValidAPIKey(r *http.Request, header, allowed string) bool {
	got := r.Header.Get(header)
	if got == "" || allowed == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(allowed)) == 1
}

// checkAPIKey returns a 401 response when the request carries no valid key.
func checkAPIKey(rc *sim.RequestContext, header string, logger *logging.Logger) *sim.Response {
	if ValidAPIKey(rc.Request, header, rc.Config.SimulatorAPIKey) {
		return nil
	}
	logger.Warn("🔒 Missing or incorrect API Key provided")
	resp, err := sim.JSONResponse(http.StatusUnauthorized, map[string]any{
		"error": map[string]any{
			"code":    "401",
			"message": "Missing or incorrect API Key",
		},
	})
	if err != nil {
		return sim.NewResponse(http.StatusUnauthorized, nil)
	}
	return resp
}

package middleware

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/namelens/aoaisim/internal/generator"
)

// APIKey rejects requests whose api-key header does not match the key
// returned by current. The key is looked up per request so a config patch
// takes effect immediately.
func APIKey(current func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !generator.ValidAPIKey(r, generator.HeaderOpenAIKey, current()) {
				envelope := errors.NewErrorEnvelope("UNAUTHORIZED", "Missing or incorrect API Key").
					WithCorrelationID(GetRequestID(r.Context()))
				writeError(w, envelope, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package sim

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Route matches a request against a chi route pattern such as
// `/openai/deployments/{deployment}/embeddings`.
type Route struct {
	method  string
	pattern string
	mux     *chi.Mux
}

// NewRoute compiles a single-route matcher.
func NewRoute(method, pattern string) *Route {
	mux := chi.NewRouter()
	mux.MethodFunc(method, pattern, func(http.ResponseWriter, *http.Request) {})
	return &Route{method: method, pattern: pattern, mux: mux}
}

// Match reports whether the request matches and returns the path parameters.
// The query string never takes part in matching.
func (r *Route) Match(req *http.Request) (map[string]string, bool) {
	if req == nil || req.URL == nil {
		return nil, false
	}
	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, req.Method, req.URL.Path) {
		return nil, false
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	return params, true
}

// Pattern returns the route pattern.
func (r *Route) Pattern() string {
	return r.pattern
}

package middleware

import (
	"cmp"
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Request ID headers. Azure SDK clients send x-ms-client-request-id.
const (
	RequestIDHeader       = "X-Request-ID"
	ClientRequestIDHeader = "X-Ms-Client-Request-Id"
)

type requestIDContextKey string

const RequestIDContextKey requestIDContextKey = "request_id"

// RequestID resolves the request id (chi's id, then the caller's headers,
// then a fresh uuid), echoes it in X-Request-ID and stores it on the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := cmp.Or(
			chimw.GetReqID(r.Context()),
			r.Header.Get(RequestIDHeader),
			r.Header.Get(ClientRequestIDHeader),
		)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDContextKey, id)))
	})
}

// GetRequestID returns the id stored by RequestID, falling back to chi's.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return chimw.GetReqID(ctx)
}

package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/observability"
)

// Recovery turns a handler panic into a 500 JSON error. A panic in the
// simulated pipeline must not take the listener down with it.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			envelope := panicEnvelope(recovered, GetRequestID(r.Context()))
			metrics.RecordPanic()
			if logger := observability.ServerLogger; logger != nil {
				logger.Error("Recovered from panic",
					zap.String("path", r.URL.Path),
					zap.String("request_id", envelope.CorrelationID),
					zap.Any("panic", recovered))
			}
			writeError(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

func panicEnvelope(recovered any, requestID string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", recovered)).
		WithCorrelationID(requestID)
	if withStack, err := envelope.WithContext(map[string]any{"stack_trace": string(debug.Stack())}); err == nil {
		envelope = withStack
	}
	if critical, err := envelope.WithSeverity(errors.SeverityCritical); err == nil {
		envelope = critical
	}
	return envelope
}

// errorBody mirrors the shape written by internal/errors, which this
// package cannot import.
type errorBody struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details,omitempty"`
		RequestID string         `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	var body errorBody
	body.Error.Code = envelope.Code
	body.Error.Message = envelope.Message
	body.Error.Details = envelope.Context
	body.Error.RequestID = envelope.CorrelationID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

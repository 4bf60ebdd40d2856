// Package errors adapts gofulmen error envelopes to HTTP responses for the
// simulator control plane.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"maps"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/metrics"
	"github.com/namelens/aoaisim/internal/observability"
	"github.com/namelens/aoaisim/internal/server/middleware"
)

// Error codes carried in envelopes.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeNotFound             = "NOT_FOUND"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeNoRecordingMatch     = "NO_RECORDING_MATCH"
	CodeForwardingFailed     = "FORWARDING_FAILED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeExternalService      = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeTimeout              = "TIMEOUT"
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeRecordingStoreFailed = "RECORDING_STORE_ERROR"
)

// statusByCode lists every code that is not a 500. Replay misses and
// forwarding failures stay 500 because that is what the simulated service
// returns for them.
var statusByCode = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeNotFound:           http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeTimeout:            http.StatusGatewayTimeout,
}

// New creates an envelope with the given code.
func New(code, message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(code, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return New(CodeNotFound, message)
}

func NewValidationError(message string) *errors.ErrorEnvelope {
	return New(CodeValidationFailed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return New(CodeInternal, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return New(CodeConfigInvalid, message)
}

// Wrap builds an envelope for err tagged with the request id from ctx. The
// request id doubles as trace id.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	id := correlationID(ctx)
	envelope := New(code, message).WithCorrelationID(id).WithTraceID(id)
	return withContext(envelope, map[string]any{"wrapped_error": errorText(err)})
}

// WrapCritical is Wrap with critical severity, for failures that indicate a
// broken simulator rather than a bad request.
func WrapCritical(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	return withSeverity(Wrap(ctx, code, err, message), errors.SeverityCritical)
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
// Foreign errors become high-severity internal errors.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		return withSeverity(New(CodeInternal, "unexpected nil error"), errors.SeverityCritical)
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}
	env := withContext(New(CodeInternal, "unexpected error"), map[string]any{"wrapped_error": err.Error()})
	return withSeverity(env, errors.SeverityHigh)
}

// HTTPStatusFromEnvelope resolves the HTTP status for an envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status for an error code.
func HTTPStatusFromCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ResponseDetails merges envelope details and context; details win.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]any {
	if envelope == nil {
		return nil
	}
	details := make(map[string]any, len(envelope.Details)+len(envelope.Context))
	maps.Copy(details, envelope.Context)
	maps.Copy(details, envelope.Details)
	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes the supplied error and writes a JSON response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope writes envelope as JSON after logging it and counting
// it in the error metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	if envelope.CorrelationID == "" {
		envelope = envelope.WithCorrelationID(correlationID(ctx))
	}
	statusCode := HTTPStatusFromEnvelope(envelope)

	logHTTPError(envelope, statusCode)
	metrics.RecordError(envelope.Code, statusCode)
	if r != nil {
		metrics.RecordErrorByEndpoint(r.URL.Path, envelope.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	})
}

func correlationID(ctx context.Context) string {
	if ctx != nil {
		if id := middleware.GetRequestID(ctx); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func withContext(envelope *errors.ErrorEnvelope, values map[string]any) *errors.ErrorEnvelope {
	if values["wrapped_error"] == "" {
		return envelope
	}
	if updated, err := envelope.WithContext(values); err == nil {
		return updated
	}
	return envelope
}

func withSeverity(envelope *errors.ErrorEnvelope, severity errors.Severity) *errors.ErrorEnvelope {
	if updated, err := envelope.WithSeverity(severity); err == nil {
		return updated
	}
	return envelope
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
		zap.String("request_id", envelope.CorrelationID),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		logger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(envelope.Message, fields...)
	}
}

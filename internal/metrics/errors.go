package metrics

import (
	"strconv"
	"strings"

	"github.com/namelens/aoaisim/internal/observability"
)

const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// RecordError counts an error response by code and status.
func RecordError(errorCode string, httpStatus int) {
	count(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	count(PanicsTotalName, nil)
}

// RecordErrorByEndpoint counts an error against the endpoint class of path.
func RecordErrorByEndpoint(path string, errorCode string) {
	count(ErrorsByEndpointName, map[string]string{
		"endpoint":   Endpoint(path),
		"error_code": errorCode,
	})
}

func count(name string, labels map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(name, 1, labels)
}

// Endpoint maps a request path to a bounded label value. Deployment names,
// model ids and result ids are collapsed; unrecognised paths become
// "/unknown".
func Endpoint(path string) string {
	switch path {
	case "/", "/version", "/metrics":
		return path
	case "/health", "/health/live", "/health/ready", "/health/startup":
		return "/health/*"
	}

	if rest, ok := strings.CutPrefix(path, "/openai/deployments/"); ok {
		if _, operation, found := strings.Cut(rest, "/"); found {
			return "/openai/deployments/{deployment}/" + operation
		}
		return "/openai/deployments/{deployment}"
	}
	if strings.HasPrefix(path, "/formrecognizer/documentModels/") {
		switch {
		case strings.Contains(path, "/analyzeResults/"):
			return "/formrecognizer/documentModels/{modelId}/analyzeResults/{resultId}"
		case strings.HasSuffix(path, ":analyze"):
			return "/formrecognizer/documentModels/{modelId}:analyze"
		}
		return "/formrecognizer/*"
	}
	if strings.HasPrefix(path, "/++/") {
		return path
	}
	return "/unknown"
}

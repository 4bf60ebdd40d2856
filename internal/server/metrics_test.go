package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/namelens/aoaisim/internal/errors"
	"github.com/namelens/aoaisim/internal/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// stubExporter installs an exporter that is never started and routes the
// proxy client through rt.
func stubExporter(t *testing.T, rt roundTripFunc) {
	t.Helper()
	client, exporter := metricsProxyClient, observability.PrometheusExporter
	t.Cleanup(func() {
		metricsProxyClient = client
		observability.PrometheusExporter = exporter
	})
	metricsProxyClient = &http.Client{Transport: rt}
	observability.PrometheusExporter = exporters.NewPrometheusExporter("test", ":9090")
}

func scrape(t *testing.T) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestMetricsProxyCopiesExporterOutput(t *testing.T) {
	stubExporter(t, func(req *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "text/plain; version=0.0.4")
		header.Set("Connection", "close")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("aoaisim_tokens_used{deployment=\"embedding\"} 12\n")),
		}, nil
	})

	rec := scrape(t)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Empty(t, rec.Header().Get("Connection"), "hop-by-hop headers are dropped")
	assert.Contains(t, rec.Body.String(), "aoaisim_tokens_used")
}

func TestMetricsProxyExporterDown(t *testing.T) {
	stubExporter(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	rec := scrape(t)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.CodeExternalService, errorCode(t, rec))
}

func TestMetricsProxyWithoutExporter(t *testing.T) {
	exporter := observability.PrometheusExporter
	observability.PrometheusExporter = nil
	t.Cleanup(func() { observability.PrometheusExporter = exporter })

	rec := scrape(t)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeServiceUnavailable, errorCode(t, rec))
}

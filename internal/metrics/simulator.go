package metrics

import (
	"strconv"
	"time"

	"github.com/namelens/aoaisim/internal/observability"
)

// Simulator metric names
const (
	LatencyBaseName     = "aoaisim_latency_base"
	LatencyFullName     = "aoaisim_latency_full"
	TokensUsedName      = "aoaisim_tokens_used"
	TokensRequestedName = "aoaisim_tokens_requested"
	TokensRateLimitName = "aoaisim_tokens_rate_limit"
	LimitsName          = "aoaisim_limits"
	RecordingsName      = "aoaisim_recordings_total"
)

// Token types used as the token_type label.
const (
	TokenTypePrompt     = "prompt"
	TokenTypeCompletion = "completion"
)

// RecordLatency records the time spent computing a response (base) and the
// time after the injected delay (full).
func RecordLatency(deployment string, status int, base, full time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{
		"deployment":  deployment,
		"status_code": strconv.Itoa(status),
	}
	_ = observability.TelemetrySystem.Histogram(LatencyBaseName, base, labels)
	_ = observability.TelemetrySystem.Histogram(LatencyFullName, full, labels)
}

// RecordTokensUsed records tokens consumed by a successful response.
func RecordTokensUsed(deployment, tokenType string, count int) {
	recordTokens(TokensUsedName, deployment, tokenType, count)
}

// RecordTokensRequested records tokens requested regardless of outcome.
func RecordTokensRequested(deployment, tokenType string, count int) {
	recordTokens(TokensRequestedName, deployment, tokenType, count)
}

func recordTokens(name, deployment, tokenType string, count int) {
	if observability.TelemetrySystem == nil || count <= 0 {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		name,
		float64(count),
		map[string]string{
			"deployment": deployment,
			"token_type": tokenType,
		},
	)
}

// RecordRateLimitTokens records the tokens charged against a deployment's
// rate limit.
func RecordRateLimitTokens(deployment string, count int) {
	if observability.TelemetrySystem == nil || count <= 0 {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		TokensRateLimitName,
		float64(count),
		map[string]string{"deployment": deployment},
	)
}

// RecordRateLimited records a rejected request and the advertised wait.
func RecordRateLimited(deployment, reason string, retryAfter time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Histogram(
		LimitsName,
		retryAfter,
		map[string]string{
			"deployment": deployment,
			"reason":     reason,
		},
	)
}

// RecordRecording records a record/replay lookup outcome: hit, miss or
// captured.
func RecordRecording(outcome string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		RecordingsName,
		1,
		map[string]string{"outcome": outcome},
	)
}

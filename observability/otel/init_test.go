package otel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")

	cfg := ConfigFromEnv("depositwatchd", "dev")
	require.Equal(t, "depositwatchd", cfg.ServiceName)
	require.Equal(t, "dev", cfg.Environment)
	require.Empty(t, cfg.Endpoint)
	require.True(t, cfg.Insecure)
	require.True(t, cfg.Metrics)
	require.True(t, cfg.Traces)
	require.Empty(t, cfg.Headers)
}

func TestConfigFromEnvReadsVariables(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer abc, team=payments")

	cfg := ConfigFromEnv("depositwatchd", "prod")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"team":          "payments",
	}, cfg.Headers)
}

func TestParseHeadersSkipsMalformedPairs(t *testing.T) {
	headers := parseHeaders("a=1,,bad,=nokey, b = 2 ")
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, headers)
}

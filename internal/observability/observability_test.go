package observability

import (
	"context"
	"testing"

	"chemgate/internal/models"
	"chemgate/internal/version"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gatewayBuild = version.Info{
	Version:    "v1.4.0",
	GitCommit:  "3f9c2a1",
	InstanceID: "gw-1",
	Hostname:   "gateway-0",
}

func tracing(exporter string, rate float64) models.TracingConfig {
	return models.TracingConfig{Enabled: true, Exporter: exporter, SampleRate: rate}
}

func TestSetup_ProviderMatrix(t *testing.T) {
	tests := []struct {
		name        string
		metrics     bool
		tracing     models.TracingConfig
		wantMetrics bool
		wantTracer  bool
	}{
		{name: "scrape endpoint only", metrics: true, wantMetrics: true},
		{name: "stdout spans only", tracing: tracing("stdout", 1), wantTracer: true},
		{name: "sampled spans with scrape endpoint", metrics: true, tracing: tracing("stdout", 0.25), wantMetrics: true, wantTracer: true},
		{name: "nothing exported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := models.MetricsConfig{Enabled: tt.metrics, Path: "/metrics", Port: 9464}
			obs := models.ObservabilityConfig{ServiceName: "chemgate", Tracing: tt.tracing}

			provider, err := Setup(metrics, obs, gatewayBuild, WithRegistry(promclient.NewRegistry()))
			require.NoError(t, err)
			require.NotNil(t, provider)

			assert.Equal(t, tt.wantMetrics, provider.PrometheusExporter() != nil)
			assert.Equal(t, tt.wantMetrics, provider.Gatherer() != nil)
			assert.Equal(t, tt.wantTracer, provider.tracerProvider != nil)

			assert.NoError(t, provider.Shutdown(context.Background()))
		})
	}
}

func TestSetup_RejectsUnknownSpanExporter(t *testing.T) {
	obs := models.ObservabilityConfig{ServiceName: "chemgate", Tracing: tracing("zipkin", 1)}

	provider, err := Setup(models.MetricsConfig{}, obs, gatewayBuild)
	require.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "unsupported trace exporter: zipkin")
}

func TestSetup_SampleRateBounds(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.01, 1, 2} {
		obs := models.ObservabilityConfig{ServiceName: "chemgate", Tracing: tracing("stdout", rate)}

		provider, err := Setup(models.MetricsConfig{}, obs, gatewayBuild)
		require.NoError(t, err, "rate %v", rate)
		assert.NoError(t, provider.Shutdown(context.Background()))
	}
}

func TestSetup_IsolatedRegistryGathers(t *testing.T) {
	reg := promclient.NewRegistry()
	provider, err := Setup(models.MetricsConfig{Enabled: true}, models.ObservabilityConfig{ServiceName: "chemgate"}, gatewayBuild, WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	assert.Same(t, reg, provider.Gatherer())
	_, err = reg.Gather()
	assert.NoError(t, err)
}

func TestGetEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("DEPLOYMENT_ENV", "")
	assert.Equal(t, "development", getEnvironment())

	t.Setenv("DEPLOYMENT_ENV", "staging")
	assert.Equal(t, "staging", getEnvironment())

	t.Setenv("ENVIRONMENT", "production")
	assert.Equal(t, "production", getEnvironment())
}

func TestProvider_ShutdownWithoutExporters(t *testing.T) {
	assert.NoError(t, (&Provider{}).Shutdown(context.Background()))
}

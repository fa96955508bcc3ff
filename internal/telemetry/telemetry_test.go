package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

func TestNewProvider_DisabledWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Meter("cardindex/test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_ExportsThroughReader(t *testing.T) {
	// Given: a provider wired to a manual reader
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), Config{ServiceName: "cardindex-test", ServiceVersion: "1.2.3"}, WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.True(t, p.Enabled())

	// When: an instrument records a value
	counter, err := p.Meter("cardindex/test").Int64Counter("cardindex.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 4)

	// Then: the reader sees it under the configured service name
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	name, ok := rm.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "cardindex-test", name.AsString())
	version, ok := rm.Resource.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())

	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(4), sum.DataPoints[0].Value)
}

func TestNewProvider_OTLPEndpoint(t *testing.T) {
	// The exporter connects lazily, so construction succeeds without a collector.
	p, err := NewProvider(context.Background(), Config{
		Endpoint: "http://127.0.0.1:4318/",
		Insecure: true,
		Interval: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestStripScheme(t *testing.T) {
	tests := map[string]string{
		"localhost:4318":          "localhost:4318",
		"http://collector:4318":   "collector:4318",
		"https://collector:4318/": "collector:4318",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripScheme(in), in)
	}
}

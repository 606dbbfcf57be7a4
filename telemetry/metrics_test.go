package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_Tagged(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/reports/R1", nil)
	r = InjectTags(r)
	SetKind(r, "report_detail")
	SetSource(r, SourceCache)
	SetRoute(r, "/reports/{id}")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "medsync_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "/reports/{id}"))
	require.True(t, hasAttr(dps[0].Attributes, "kind", "report_detail"))
	require.True(t, hasAttr(dps[0].Attributes, "source", "cache"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "medsync_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "medsync_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "medsync_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unmatched"))
	require.True(t, hasAttr(dps[0].Attributes, "kind", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "source", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordCacheAndFetch(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "reports", "hit")
	RecordCacheLookup(ctx, "reports", "hit")
	RecordCacheWrite(ctx, "reports", "success", 2048)
	RecordFetch(ctx, "report_detail", "primary", "NETWORK_TIMEOUT", 15*time.Second)
	RecordConnectivityTransition(ctx, "manual", true)
	RecordViewTransition(ctx, "reports", "SERVING_CACHE")

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "medsync_cache_lookups_total")
	require.Len(t, lookups, 1)
	require.EqualValues(t, 2, lookups[0].Value)
	require.True(t, hasAttr(lookups[0].Attributes, "result", "hit"))

	sizes := findHistogram(rm, "medsync_cache_write_size_bytes")
	require.Len(t, sizes, 1)
	require.Equal(t, float64(2048), sizes[0].Sum)

	fetches := findCounter(rm, "medsync_fetch_total")
	require.Len(t, fetches, 1)
	require.True(t, hasAttr(fetches[0].Attributes, "outcome", "NETWORK_TIMEOUT"))
	require.True(t, hasAttr(fetches[0].Attributes, "source", "primary"))

	transitions := findCounter(rm, "medsync_connectivity_transitions_total")
	require.Len(t, transitions, 1)
	require.True(t, hasAttr(transitions[0].Attributes, "state", "online"))

	phases := findCounter(rm, "medsync_view_transitions_total")
	require.Len(t, phases, 1)
	require.True(t, hasAttr(phases[0].Attributes, "phase", "SERVING_CACHE"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "fs", "write", "success", time.Millisecond, 0)
	RecordBackendOp(context.Background(), "fs", "write", "success", time.Millisecond, 10)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "medsync_backend_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)

	bytesDps := findCounter(rm, "medsync_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 10, bytesDps[0].Value)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordCacheLookup(ctx, "reports", "miss")
	RecordCacheWrite(ctx, "reports", "error", 0)
	RecordBackendOp(ctx, "fs", "read", "success", time.Millisecond, 1)
	RecordFetch(ctx, "reports", "ledger", "success", time.Millisecond)
	RecordUpstreamRequest(ctx, "primary", time.Millisecond, 1, "success")
	RecordConnectivityTransition(ctx, "probe", false)
	RecordViewTransition(ctx, "reports", "ERROR")
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{401, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}

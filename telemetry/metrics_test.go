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

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("replay_vault_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("replay_vault_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("replay_vault_http_request_duration_seconds")
	require.NoError(t, err)

	cacheLookupsTotal, err := meter.Int64Counter("replay_vault_cache_lookups_total")
	require.NoError(t, err)

	evictionsTotal, err := meter.Int64Counter("replay_vault_evictions_total")
	require.NoError(t, err)

	evictionBytesTotal, err := meter.Int64Counter("replay_vault_eviction_bytes_total")
	require.NoError(t, err)

	syncRecordsTotal, err := meter.Int64Counter("replay_vault_sync_records_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:      requestsTotal,
		responseBytesTotal: responseBytesTotal,
		requestDuration:    requestDuration,
		cacheLookupsTotal:  cacheLookupsTotal,
		evictionsTotal:     evictionsTotal,
		evictionBytesTotal: evictionBytesTotal,
		syncRecordsTotal:   syncRecordsTotal,
		meterProvider:      mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

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

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/content/app/replay/video-1", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "content")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "replay_vault_http_requests_total")
	require.Len(t, dps, 1)
	require.Equal(t, int64(1), dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "content"))

	bytes := findCounter(rm, "replay_vault_http_response_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(1024), bytes[0].Value)
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheMiss)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "replay_vault_cache_lookups_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.Equal(t, int64(2), dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
			require.Equal(t, int64(1), dp.Value)
		}
	}
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEviction(context.Background(), "ttl", 3, 4096)
	RecordEviction(context.Background(), "critical", 0, 0) // zero count is not recorded

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "replay_vault_evictions_total")
	require.Len(t, dps, 1)
	require.Equal(t, int64(3), dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "strategy", "ttl"))

	bytes := findCounter(rm, "replay_vault_eviction_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(4096), bytes[0].Value)
}

func TestRecordSync(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSync(context.Background(), 2, 1, 5, 1)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "replay_vault_sync_records_total")
	require.Len(t, dps, 4)

	want := map[string]int64{"added": 2, "updated": 1, "unchanged": 5, "expired": 1}
	for _, dp := range dps {
		v, ok := dp.Attributes.Value("class")
		require.True(t, ok)
		require.Equal(t, want[v.AsString()], dp.Value)
	}
}

func TestRecordersNoopWhenUninitialised(t *testing.T) {
	globalMetrics = nil

	// None of these should panic without InitMetrics.
	RecordCacheLookup(context.Background(), CacheMiss)
	RecordEviction(context.Background(), "pressure", 1, 1)
	RecordSync(context.Background(), 1, 1, 1, 1)
	RecordCacheError(context.Background(), "write-failed")
	RecordLoad(context.Background(), "ready")
}

func TestPrometheusHandlerUninitialised(t *testing.T) {
	globalMetrics = nil

	// Routes register the handler unconditionally, so it must be usable
	// without InitMetrics.
	handler := PrometheusHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(500))
	require.Equal(t, "unknown", StatusClass(100))
}

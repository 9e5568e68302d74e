package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	m := Init(nil)
	require.NotNil(t, m)
	assert.Same(t, m, Init(prometheus.NewRegistry()), "second Init returns the singleton")
	assert.Same(t, m, Get())

	m.RecordBackendOp("main", "put", 0.01, nil)
	m.RecordBackendOp("main", "put", 0.02, errors.New("boom"))
	assert.Equal(t, 1.0, counterValue(m.BackendOps.WithLabelValues("main", "put", "ok")))
	assert.Equal(t, 1.0, counterValue(m.BackendOps.WithLabelValues("main", "put", "error")))

	m.RecordBytes("main", "out", 100)
	m.RecordBytes("main", "out", 0)
	assert.Equal(t, 100.0, counterValue(m.BackendBytes.WithLabelValues("main", "out")))

	m.UpdateBucket("main", 600, 1000)
	assert.Equal(t, 600.0, gaugeValue(m.BucketUsed.WithLabelValues("main")))
	assert.Equal(t, 1000.0, gaugeValue(m.BucketCapacity.WithLabelValues("main")))

	m.RecordOrphans(2)
	assert.Equal(t, 2.0, counterValue(m.OrphanedChunks))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chunkdrive_bucket_used_bytes")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBackendOp("b", "get", 1, nil)
		m.RecordBytes("b", "in", 1)
		m.RecordRetry("b", "get")
		m.UpdateBucket("b", 1, 2)
		m.RecordPlacementFailure()
		m.RecordOrphans(1)
		m.RecordFileOp("write", nil)
	})
}

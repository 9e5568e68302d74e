// Package metrics provides Prometheus metrics for chunkdrive.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all chunkdrive metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds the storage engine metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BackendOps      *prometheus.CounterVec   // chunkdrive_backend_ops_total{bucket,op,status}
	BackendDuration *prometheus.HistogramVec // chunkdrive_backend_op_duration_seconds{bucket,op}
	BackendBytes    *prometheus.CounterVec   // chunkdrive_backend_bytes_total{bucket,direction}
	BackendRetries  *prometheus.CounterVec   // chunkdrive_backend_retries_total{bucket,op}

	BucketUsed     *prometheus.GaugeVec // chunkdrive_bucket_used_bytes{bucket}
	BucketCapacity *prometheus.GaugeVec // chunkdrive_bucket_capacity_bytes{bucket} (0 = unlimited)

	PlacementFailures prometheus.Counter // chunkdrive_placement_failures_total
	OrphanedChunks    prometheus.Counter // chunkdrive_orphaned_chunks_total
	FileOps           *prometheus.CounterVec
}

// Init registers the metrics with registry (Registry when nil). Only the
// first call registers; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		instance = &Metrics{
			BackendOps: f.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkdrive_backend_ops_total",
				Help: "Backend operations by bucket, operation and status",
			}, []string{"bucket", "op", "status"}),

			BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "chunkdrive_backend_op_duration_seconds",
				Help:    "Backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"bucket", "op"}),

			BackendBytes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkdrive_backend_bytes_total",
				Help: "Bytes moved to and from backends",
			}, []string{"bucket", "direction"}),

			BackendRetries: f.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkdrive_backend_retries_total",
				Help: "Retried backend calls after transient failures",
			}, []string{"bucket", "op"}),

			BucketUsed: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chunkdrive_bucket_used_bytes",
				Help: "Bytes accounted as used in each bucket",
			}, []string{"bucket"}),

			BucketCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chunkdrive_bucket_capacity_bytes",
				Help: "Effective bucket capacity in bytes (0 = unlimited)",
			}, []string{"bucket"}),

			PlacementFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkdrive_placement_failures_total",
				Help: "Chunks that could not be placed in any bucket",
			}),

			OrphanedChunks: f.NewCounter(prometheus.CounterOpts{
				Name: "chunkdrive_orphaned_chunks_total",
				Help: "Chunks left behind after failed compensating deletes",
			}),

			FileOps: f.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkdrive_file_ops_total",
				Help: "Filesystem operations by operation and status",
			}, []string{"op", "status"}),
		}
	})
	return instance
}

// Get returns the singleton, or nil before Init.
func Get() *Metrics {
	return instance
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBackendOp records one backend call.
func (m *Metrics) RecordBackendOp(bucket, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.BackendOps.WithLabelValues(bucket, op, status(err)).Inc()
	m.BackendDuration.WithLabelValues(bucket, op).Observe(seconds)
}

// RecordBytes records bytes sent ("out") to or received ("in") from a bucket.
func (m *Metrics) RecordBytes(bucket, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BackendBytes.WithLabelValues(bucket, direction).Add(float64(n))
}

// RecordRetry counts a retried backend call.
func (m *Metrics) RecordRetry(bucket, op string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(bucket, op).Inc()
}

// UpdateBucket sets the usage gauges for a bucket.
func (m *Metrics) UpdateBucket(bucket string, used, capacity int64) {
	if m == nil {
		return
	}
	m.BucketUsed.WithLabelValues(bucket).Set(float64(used))
	m.BucketCapacity.WithLabelValues(bucket).Set(float64(capacity))
}

// RecordPlacementFailure counts a chunk no bucket accepted.
func (m *Metrics) RecordPlacementFailure() {
	if m == nil {
		return
	}
	m.PlacementFailures.Inc()
}

// RecordOrphans counts chunks compensating cleanup could not delete.
func (m *Metrics) RecordOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphanedChunks.Add(float64(n))
}

// RecordFileOp records a filesystem-level operation.
func (m *Metrics) RecordFileOp(op string, err error) {
	if m == nil {
		return
	}
	m.FileOps.WithLabelValues(op, status(err)).Inc()
}

package backend

import (
	"context"
	"time"

	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

type instrumented struct {
	inner   Backend
	bucket  string
	metrics *metrics.Metrics
}

// WithMetrics records call counts, durations and bytes for b. A nil m
// returns b unchanged.
func WithMetrics(b Backend, bucket string, m *metrics.Metrics) Backend {
	if m == nil {
		return b
	}
	return &instrumented{inner: b, bucket: bucket, metrics: m}
}

func (i *instrumented) Put(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	key, err := i.inner.Put(ctx, name, data)
	i.metrics.RecordBackendOp(i.bucket, "put", timed(start), err)
	if err == nil {
		i.metrics.RecordBytes(i.bucket, "out", len(data))
	}
	return key, err
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := i.inner.Get(ctx, key)
	i.metrics.RecordBackendOp(i.bucket, "get", timed(start), err)
	i.metrics.RecordBytes(i.bucket, "in", len(data))
	return data, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.inner.Delete(ctx, key)
	i.metrics.RecordBackendOp(i.bucket, "delete", timed(start), err)
	return err
}

func (i *instrumented) List(ctx context.Context) ([]Object, error) {
	start := time.Now()
	objs, err := i.inner.List(ctx)
	i.metrics.RecordBackendOp(i.bucket, "list", timed(start), err)
	return objs, err
}

func (i *instrumented) Info() Info      { return i.inner.Info() }
func (i *instrumented) Unwrap() Backend { return i.inner }

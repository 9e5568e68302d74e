// Package backend defines the storage backend contract and its variants:
// a local directory, a chat webhook, GitHub release assets and S3.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

// Object is one stored chunk as reported by List.
type Object struct {
	Key  string
	Size int64
}

// Info describes what a backend can hold.
type Info struct {
	Kind          string
	MaxObjectSize int64 // 0 = unlimited
	Capacity      int64 // bytes; 0 = unlimited
	NamedKeys     bool  // Put stores under the caller's name
	Listable      bool
}

// Backend stores opaque chunks. Put returns the key the chunk is retrievable
// under: the given name for named-key backends, a server-assigned id
// otherwise. Get returns an error matching errs.ErrNotFound for unknown keys.
// Delete of an unknown key succeeds.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Object, error)
	Info() Info
}

// Volume is a filesystem capacity snapshot.
type Volume struct {
	Total     int64
	Used      int64
	Available int64
}

// VolumeReporter is implemented by backends that sit on a local volume.
type VolumeReporter interface {
	Volume(ctx context.Context) (Volume, error)
}

// Wrapper is implemented by decorators.
type Wrapper interface {
	Unwrap() Backend
}

// AsVolumeReporter finds a VolumeReporter beneath any decorators.
func AsVolumeReporter(b Backend) (VolumeReporter, bool) {
	for b != nil {
		if vr, ok := b.(VolumeReporter); ok {
			return vr, true
		}
		w, ok := b.(Wrapper)
		if !ok {
			return nil, false
		}
		b = w.Unwrap()
	}
	return nil, false
}

// Options carries the collaborators shared by all backends.
type Options struct {
	Logger     zerolog.Logger
	HTTPClient *http.Client
	Retry      config.RetryConfig
	Metrics    *metrics.Metrics
}

const userAgent = "chunkdrive"

// Open builds the backend for a bucket and wraps it with rate limiting
// (HTTP backends), retries and metrics.
func Open(ctx context.Context, bucket string, cfg config.BucketConfig, opts Options) (Backend, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	log := opts.Logger.With().Str("component", "backend").Str("bucket", bucket).Str("type", cfg.Source.Type).Logger()

	var (
		b   Backend
		rl  config.RateLimit
		err error
	)
	switch {
	case cfg.Source.Local != nil:
		b, err = NewLocal(*cfg.Source.Local, log)
	case cfg.Source.Webhook != nil:
		b, err = NewWebhook(*cfg.Source.Webhook, opts.HTTPClient, log)
		rl = cfg.Source.Webhook.RateLimit
	case cfg.Source.Release != nil:
		b, err = NewRelease(*cfg.Source.Release, opts.HTTPClient, log)
		rl = cfg.Source.Release.RateLimit
	case cfg.Source.S3 != nil:
		b, err = NewS3(ctx, *cfg.Source.S3, opts.HTTPClient)
	default:
		return nil, &errs.ConfigError{Bucket: bucket, Field: "source.type", Msg: fmt.Sprintf("unknown type %q", cfg.Source.Type)}
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}

	if rl.RequestsPerSecond > 0 {
		b = WithRateLimit(b, rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1)))
	}
	b = WithRetry(b, PolicyFromConfig(opts.Retry), RetryOptions{Bucket: bucket, Logger: log, Metrics: opts.Metrics})
	return WithMetrics(b, bucket, opts.Metrics), nil
}

// timed returns the elapsed seconds since start.
func timed(start time.Time) float64 {
	return time.Since(start).Seconds()
}

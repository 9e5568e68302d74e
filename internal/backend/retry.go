package backend

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

// Policy bounds retries of transient backend failures.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration // backoff ceiling
	Multiplier  float64
	Jitter      float64       // fraction of the wait randomized either way
	Timeout     time.Duration // per attempt; 0 = none
}

// PolicyFromConfig converts the YAML retry settings.
func PolicyFromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: max(c.MaxAttempts, 1),
		InitialWait: c.InitialWait.D(),
		MaxWait:     c.MaxWait.D(),
		Multiplier:  2.0,
		Jitter:      0.1,
		Timeout:     c.Timeout.D(),
	}
}

// backoff returns the wait after the given failed attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// RetryOptions identifies the wrapped backend in logs and metrics.
type RetryOptions struct {
	Bucket  string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type retrying struct {
	inner  Backend
	policy Policy
	opts   RetryOptions
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry retries transient failures of b with exponential backoff and
// jitter. A server-provided Retry-After takes precedence over the backoff.
// Permanent failures are returned at once.
func WithRetry(b Backend, p Policy, opts RetryOptions) Backend {
	return &retrying{inner: b, policy: p, opts: opts, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		var be *errs.BackendError
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if !timedOut && !(errors.As(err, &be) && be.Kind == errs.Transient) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		wait := r.policy.backoff(attempt)
		if be != nil && be.RetryAfter > wait {
			wait = be.RetryAfter
		}
		r.opts.Logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).
			Dur("wait", wait).Msg("retrying backend call")
		r.opts.Metrics.RecordRetry(r.opts.Bucket, op)

		if err := r.sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (r *retrying) Put(ctx context.Context, name string, data []byte) (string, error) {
	var key string
	err := r.do(ctx, "put", func(ctx context.Context) error {
		var err error
		key, err = r.inner.Put(ctx, name, data)
		return err
	})
	return key, err
}

func (r *retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *retrying) List(ctx context.Context) ([]Object, error) {
	var objs []Object
	err := r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		objs, err = r.inner.List(ctx)
		return err
	})
	return objs, err
}

func (r *retrying) Info() Info      { return r.inner.Info() }
func (r *retrying) Unwrap() Backend { return r.inner }

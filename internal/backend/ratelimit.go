package backend

import (
	"context"

	"golang.org/x/time/rate"
)

type limited struct {
	inner   Backend
	limiter *rate.Limiter
}

// WithRateLimit makes every call to b wait for a token from limiter.
func WithRateLimit(b Backend, limiter *rate.Limiter) Backend {
	return &limited{inner: b, limiter: limiter}
}

func (l *limited) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.inner.Put(ctx, name, data)
}

func (l *limited) Get(ctx context.Context, key string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Get(ctx, key)
}

func (l *limited) Delete(ctx context.Context, key string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.inner.Delete(ctx, key)
}

func (l *limited) List(ctx context.Context) ([]Object, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.List(ctx)
}

func (l *limited) Info() Info      { return l.inner.Info() }
func (l *limited) Unwrap() Backend { return l.inner }

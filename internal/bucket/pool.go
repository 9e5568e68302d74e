package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chunkdrive/chunkdrive/internal/backend"
	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/crypt"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

// Pool defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultParallelism    = 4
	DefaultCleanupTimeout = 30 * time.Second
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Rand    Rand

	// MaxAttempts bounds how many buckets one chunk is offered to.
	MaxAttempts int
	// Parallelism bounds concurrent backend calls per operation.
	Parallelism int
	// CleanupTimeout bounds compensating deletes, which run even after the
	// caller's context is cancelled.
	CleanupTimeout time.Duration

	// Used by FromConfig when opening backends.
	HTTPClient *http.Client
	Retry      config.RetryConfig
}

func (o *PoolOptions) applyDefaults() {
	if o.Rand == nil {
		o.Rand = globalRand{}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
}

// Pool is the set of configured buckets and the placement policy over them.
type Pool struct {
	buckets map[string]*Bucket
	names   []string
	opts    PoolOptions
	log     zerolog.Logger
}

// NewPool builds a pool over ready buckets.
func NewPool(buckets []*Bucket, opts PoolOptions) (*Pool, error) {
	opts.applyDefaults()
	p := &Pool{
		buckets: make(map[string]*Bucket, len(buckets)),
		opts:    opts,
		log:     opts.Logger.With().Str("component", "pool").Logger(),
	}
	for _, b := range buckets {
		if _, dup := p.buckets[b.Name()]; dup {
			return nil, &errs.ConfigError{Bucket: b.Name(), Msg: "duplicate bucket name"}
		}
		p.buckets[b.Name()] = b
		p.names = append(p.names, b.Name())
	}
	if len(p.names) == 0 {
		return nil, &errs.ConfigError{Field: "buckets", Msg: "at least one bucket is required"}
	}
	sort.Strings(p.names)
	return p, nil
}

// FromConfig validates and opens every configured bucket. Invalid
// configuration yields *errs.ConfigError. Usage of listable buckets is
// recomputed from the backends.
func FromConfig(ctx context.Context, buckets map[string]config.BucketConfig, opts PoolOptions) (*Pool, error) {
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]*Bucket, 0, len(names))
	for _, name := range names {
		cfg := buckets[name]
		cfg.ApplyDefaults()
		if err := cfg.Validate(name); err != nil {
			return nil, err
		}
		provider, err := crypt.New(name, cfg.Encryption)
		if err != nil {
			return nil, err
		}
		be, err := backend.Open(ctx, name, cfg, backend.Options{
			Logger:     opts.Logger,
			HTTPClient: opts.HTTPClient,
			Retry:      opts.Retry,
			Metrics:    opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		list = append(list, New(name, be, provider, Options{
			Compress: cfg.Compression == config.CompressionZstd,
			MaxSize:  cfg.MaxSize.Bytes(),
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		}))
	}

	p, err := NewPool(list, opts)
	if err != nil {
		return nil, err
	}
	for _, b := range p.Buckets() {
		if b.Info().Listable {
			if err := b.Recompute(ctx); err != nil {
				p.log.Warn().Err(err).Str("bucket", b.Name()).Msg("could not recompute usage, starting from zero")
			}
		} else {
			b.Refresh(ctx)
		}
	}
	return p, nil
}

// Buckets returns the buckets sorted by name.
func (p *Pool) Buckets() []*Bucket {
	out := make([]*Bucket, len(p.names))
	for i, n := range p.names {
		out[i] = p.buckets[n]
	}
	return out
}

// Bucket looks up a bucket by name.
func (p *Pool) Bucket(name string) (*Bucket, bool) {
	b, ok := p.buckets[name]
	return b, ok
}

// Parallelism returns the per-operation concurrency bound.
func (p *Pool) Parallelism() int { return p.opts.Parallelism }

func (p *Pool) bucketFor(ref chunk.Ref) (*Bucket, error) {
	b, ok := p.buckets[ref.Bucket]
	if !ok {
		return nil, &errs.ConfigError{Bucket: ref.Bucket, Msg: "referenced by chunk " + ref.Key + " but not configured"}
	}
	return b, nil
}

// Place stores one chunk in a bucket picked uniformly at random among those
// that admit it. A bucket whose put fails is excluded and another is tried,
// up to MaxAttempts. When no bucket qualifies the error matches
// errs.ErrNoCapacity.
func (p *Pool) Place(ctx context.Context, data []byte) (chunk.Ref, error) {
	excluded := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		candidates := make([]*Bucket, 0, len(p.names))
		for _, n := range p.names {
			if b := p.buckets[n]; !excluded[n] && b.Admits(len(data)) {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			break
		}

		b := candidates[p.opts.Rand.Intn(len(candidates))]
		ref, err := b.PutChunk(ctx, data)
		if err == nil {
			return ref, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chunk.Ref{}, err
		}
		p.log.Warn().Err(err).Str("bucket", b.Name()).Int("attempt", attempt+1).Msg("chunk put failed, trying another bucket")
		excluded[b.Name()] = true
		lastErr = err
	}

	p.opts.Metrics.RecordPlacementFailure()
	if lastErr == nil {
		return chunk.Ref{}, fmt.Errorf("%w: %d byte chunk", errs.ErrNoCapacity, len(data))
	}
	if errors.Is(lastErr, errs.ErrCapacityExceeded) {
		return chunk.Ref{}, fmt.Errorf("%w: %w", errs.ErrNoCapacity, lastErr)
	}
	return chunk.Ref{}, lastErr
}

// Fetch reads and decodes one chunk.
func (p *Pool) Fetch(ctx context.Context, ref chunk.Ref) ([]byte, error) {
	b, err := p.bucketFor(ref)
	if err != nil {
		return nil, err
	}
	data, err := b.GetChunk(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", ref, err)
	}
	return data, nil
}

// FetchAll reads chunks concurrently and returns them in the order given.
func (p *Pool) FetchAll(ctx context.Context, refs []chunk.Ref) ([][]byte, error) {
	out := make([][]byte, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for i, ref := range refs {
		g.Go(func() error {
			data, err := p.Fetch(gctx, ref)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes one chunk.
func (p *Pool) Delete(ctx context.Context, ref chunk.Ref) error {
	b, err := p.bucketFor(ref)
	if err != nil {
		return err
	}
	return b.DeleteChunk(ctx, ref)
}

// DeleteAll deletes refs in order, continuing past failures. It runs on a
// context detached from ctx's cancellation and bounded by CleanupTimeout, and
// returns nil when every chunk was removed.
func (p *Pool) DeleteAll(ctx context.Context, refs []chunk.Ref) *errs.OrphanedChunksError {
	if len(refs) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CleanupTimeout)
	defer cancel()

	var orphans errs.OrphanedChunksError
	for _, ref := range refs {
		if err := p.Delete(cctx, ref); err != nil {
			orphans.Refs = append(orphans.Refs, ref)
			orphans.Errs = append(orphans.Errs, fmt.Errorf("chunk %s: %w", ref, err))
		}
	}
	if len(orphans.Refs) == 0 {
		return nil
	}
	p.opts.Metrics.RecordOrphans(len(orphans.Refs))
	p.log.Error().Int("orphans", len(orphans.Refs)).Err(errors.Join(orphans.Errs...)).Msg("cleanup left chunks behind")
	return &orphans
}

// PlaceAll stores chunks concurrently and returns their refs in input order.
// On failure every chunk already written is deleted again and the error is
// a *errs.PartialWriteError.
func (p *Pool) PlaceAll(ctx context.Context, chunks [][]byte) ([]chunk.Ref, error) {
	w := p.NewWriter(ctx)
	for _, c := range chunks {
		if !w.Add(c) {
			break
		}
	}
	return w.Close()
}

// Usage snapshots every bucket.
func (p *Pool) Usage() []Usage {
	out := make([]Usage, 0, len(p.names))
	for _, b := range p.Buckets() {
		out = append(out, b.Usage())
	}
	return out
}

// Recompute rebuilds usage counters from backend listings. Buckets that
// cannot list are skipped.
func (p *Pool) Recompute(ctx context.Context) error {
	var errList []error
	for _, b := range p.Buckets() {
		if !b.Info().Listable {
			b.Refresh(ctx)
			continue
		}
		if err := b.Recompute(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Writer places a stream of chunks concurrently while preserving their
// order. Add blocks while Parallelism puts are in flight.
type Writer struct {
	pool   *Pool
	g      *errgroup.Group
	ctx    context.Context
	parent context.Context
	undo   undoStack

	mu   sync.Mutex
	refs []chunk.Ref
}

// NewWriter starts a concurrent multi-chunk write.
func (p *Pool) NewWriter(ctx context.Context) *Writer {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	return &Writer{pool: p, g: g, ctx: gctx, parent: ctx}
}

// Context is cancelled once any put fails or the parent is cancelled.
func (w *Writer) Context() context.Context { return w.ctx }

// Add schedules data as the next chunk. It returns false once the write has
// failed; further chunks are ignored.
func (w *Writer) Add(data []byte) bool {
	if w.ctx.Err() != nil {
		return false
	}
	w.mu.Lock()
	i := len(w.refs)
	w.refs = append(w.refs, chunk.Ref{})
	w.mu.Unlock()

	w.g.Go(func() error {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		ref, err := w.pool.Place(w.ctx, data)
		if err != nil {
			return err
		}
		w.undo.push(ref)
		w.mu.Lock()
		w.refs[i] = ref
		w.mu.Unlock()
		return nil
	})
	return true
}

// Close waits for outstanding puts. On success it returns the refs in the
// order chunks were added.
func (w *Writer) Close() ([]chunk.Ref, error) {
	err := w.g.Wait()
	if err == nil {
		err = w.parent.Err()
	}
	if err != nil {
		return nil, w.compensate(err)
	}
	return w.refs, nil
}

// Abort stops the write because of cause (for example a failed source
// read), waits for in-flight puts and removes everything written.
func (w *Writer) Abort(cause error) error {
	if err := w.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		cause = errors.Join(cause, err)
	}
	return w.compensate(cause)
}

func (w *Writer) compensate(cause error) error {
	written := w.undo.len()
	orphans := w.undo.run(w.parent, w.pool)
	return &errs.PartialWriteError{Cause: cause, Written: written, Orphans: orphans}
}

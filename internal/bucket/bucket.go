// Package bucket ties a backend to its encryption and compression settings,
// tracks capacity, and places chunks across a pool of buckets.
package bucket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/chunkdrive/chunkdrive/internal/backend"
	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/crypt"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// Bucket is a named storage location: a backend plus the encoding applied to
// every chunk written to it.
//
// Storage format: plaintext -> zstd (optional) -> encrypt -> backend.
type Bucket struct {
	name     string
	backend  backend.Backend
	provider crypt.Provider
	compress bool
	maxSize  int64 // configured limit, 0 = unlimited

	used  atomic.Int64
	limit atomic.Int64 // effective capacity, 0 = unlimited

	// sizes of named objects (the root pointer) so overwrites are
	// accounted exactly.
	namedMu sync.Mutex
	named   map[string]int64

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Options configures a Bucket.
type Options struct {
	Compress bool
	MaxSize  int64
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// New creates a bucket. Call Refresh to fold backend and volume limits into
// its capacity.
func New(name string, b backend.Backend, p crypt.Provider, opts Options) *Bucket {
	if p == nil {
		p = crypt.None{}
	}
	bk := &Bucket{
		name:     name,
		backend:  b,
		provider: p,
		compress: opts.Compress,
		maxSize:  opts.MaxSize,
		named:    make(map[string]int64),
		log:      opts.Logger.With().Str("bucket", name).Logger(),
		metrics:  opts.Metrics,
	}
	bk.limit.Store(bk.staticLimit())
	return bk
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Info returns the backend's description.
func (b *Bucket) Info() backend.Info { return b.backend.Info() }

// Backend exposes the underlying backend.
func (b *Bucket) Backend() backend.Backend { return b.backend }

// Encryption names the chunk cipher.
func (b *Bucket) Encryption() string { return b.provider.Name() }

// Compressed reports whether chunks are zstd compressed.
func (b *Bucket) Compressed() bool { return b.compress }

func (b *Bucket) staticLimit() int64 {
	limit := b.maxSize
	if c := b.backend.Info().Capacity; c > 0 && (limit == 0 || c < limit) {
		limit = c
	}
	return limit
}

// Refresh recomputes the effective capacity: the configured max_size, the
// backend's own limit and, for local backends, the free space of the volume.
func (b *Bucket) Refresh(ctx context.Context) {
	limit := b.staticLimit()
	if vr, ok := backend.AsVolumeReporter(b.backend); ok {
		v, err := vr.Volume(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to read volume stats")
		} else if volLimit := b.used.Load() + v.Available; limit == 0 || volLimit < limit {
			limit = volLimit
		}
	}
	b.limit.Store(limit)
	b.report()
}

func (b *Bucket) report() {
	b.metrics.UpdateBucket(b.name, b.used.Load(), b.limit.Load())
}

// Used returns the bytes accounted to this bucket.
func (b *Bucket) Used() int64 { return b.used.Load() }

// Capacity returns the effective capacity, 0 meaning unlimited.
func (b *Bucket) Capacity() int64 { return b.limit.Load() }

// Remaining returns the free bytes, or -1 when unlimited.
func (b *Bucket) Remaining() int64 {
	limit := b.limit.Load()
	if limit == 0 {
		return -1
	}
	return max(limit-b.used.Load(), 0)
}

// TryReserve accounts n bytes unless that would exceed capacity.
func (b *Bucket) TryReserve(n int64) bool {
	for {
		cur := b.used.Load()
		if limit := b.limit.Load(); limit > 0 && cur+n > limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			b.report()
			return true
		}
	}
}

// Release returns n reserved bytes.
func (b *Bucket) Release(n int64) {
	b.used.Add(-n)
	b.report()
}

// EncodedSizeBound is the largest size a chunk of n bytes can take once
// encoded for this bucket.
func (b *Bucket) EncodedSizeBound(n int) int64 {
	size := int64(n)
	if b.compress {
		// zstd worst case for incompressible input.
		size += int64(n>>8) + 64
	}
	return size + int64(b.provider.Overhead())
}

// Admits reports whether a chunk of n plaintext bytes fits the backend's
// object limit and the remaining capacity.
func (b *Bucket) Admits(n int) bool {
	bound := b.EncodedSizeBound(n)
	if maxObj := b.backend.Info().MaxObjectSize; maxObj > 0 && bound > maxObj {
		return false
	}
	rem := b.Remaining()
	return rem < 0 || bound <= rem
}

// Encode applies compression and encryption.
func (b *Bucket) Encode(data []byte) ([]byte, error) {
	if b.compress {
		enc := encoderPool.Get().(*zstd.Encoder)
		data = enc.EncodeAll(data, nil)
		encoderPool.Put(enc)
	}
	out, err := b.provider.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: encrypt: %w", b.name, err)
	}
	return out, nil
}

// Decode reverses Encode.
func (b *Bucket) Decode(blob []byte) ([]byte, error) {
	data, err := b.provider.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", b.name, err)
	}
	if b.compress {
		dec := decoderPool.Get().(*zstd.Decoder)
		data, err = dec.DecodeAll(data, nil)
		decoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: decompress: %w: %v", b.name, errs.ErrIntegrity, err)
		}
	}
	return data, nil
}

// PutChunk encodes data, reserves its stored size and writes it under a
// fresh random name.
func (b *Bucket) PutChunk(ctx context.Context, data []byte) (chunk.Ref, error) {
	blob, err := b.Encode(data)
	if err != nil {
		return chunk.Ref{}, err
	}
	size := int64(len(blob))
	if maxObj := b.backend.Info().MaxObjectSize; maxObj > 0 && size > maxObj {
		return chunk.Ref{}, fmt.Errorf("bucket %s: %d byte chunk exceeds object limit %d: %w", b.name, size, maxObj, errs.ErrCapacityExceeded)
	}
	if !b.TryReserve(size) {
		return chunk.Ref{}, fmt.Errorf("bucket %s: %w", b.name, errs.ErrCapacityExceeded)
	}

	key, err := b.backend.Put(ctx, uuid.NewString(), blob)
	if err != nil {
		b.Release(size)
		return chunk.Ref{}, err
	}
	return chunk.Ref{Bucket: b.name, Key: key, Size: size}, nil
}

// GetChunk reads and decodes a chunk.
func (b *Bucket) GetChunk(ctx context.Context, ref chunk.Ref) ([]byte, error) {
	blob, err := b.backend.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	return b.Decode(blob)
}

// DeleteChunk removes a chunk and releases its bytes.
func (b *Bucket) DeleteChunk(ctx context.Context, ref chunk.Ref) error {
	if err := b.backend.Delete(ctx, ref.Key); err != nil {
		return err
	}
	b.Release(ref.Size)
	return nil
}

// PutNamed stores data, encoded, under a caller-chosen name. The backend must
// support named keys. Growth over the previous version is reserved against
// capacity like a chunk.
func (b *Bucket) PutNamed(ctx context.Context, name string, data []byte) error {
	if !b.Info().NamedKeys {
		return fmt.Errorf("bucket %s: %w: backend assigns its own keys", b.name, errs.ErrUnsupported)
	}
	blob, err := b.Encode(data)
	if err != nil {
		return err
	}

	b.namedMu.Lock()
	defer b.namedMu.Unlock()
	delta := int64(len(blob)) - b.named[name]
	if delta > 0 && !b.TryReserve(delta) {
		return fmt.Errorf("bucket %s: %s: %w", b.name, name, errs.ErrCapacityExceeded)
	}
	if _, err := b.backend.Put(ctx, name, blob); err != nil {
		if delta > 0 {
			b.Release(delta)
		}
		return err
	}
	b.named[name] = int64(len(blob))
	if delta < 0 {
		b.Release(-delta)
	}
	return nil
}

// GetNamed reads and decodes an object stored with PutNamed.
func (b *Bucket) GetNamed(ctx context.Context, name string) ([]byte, error) {
	blob, err := b.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	b.namedMu.Lock()
	if _, ok := b.named[name]; !ok {
		b.named[name] = int64(len(blob))
	}
	b.namedMu.Unlock()
	return b.Decode(blob)
}

// RawPut stores data exactly as given, bypassing encoding and accounting.
func (b *Bucket) RawPut(ctx context.Context, name string, data []byte) (string, error) {
	return b.backend.Put(ctx, name, data)
}

// RawGet returns the stored bytes of key without decoding.
func (b *Bucket) RawGet(ctx context.Context, key string) ([]byte, error) {
	return b.backend.Get(ctx, key)
}

// RawDelete deletes key without touching accounting.
func (b *Bucket) RawDelete(ctx context.Context, key string) error {
	return b.backend.Delete(ctx, key)
}

// List lists the stored objects.
func (b *Bucket) List(ctx context.Context) ([]backend.Object, error) {
	return b.backend.List(ctx)
}

// Recompute resets the usage counter from a backend listing.
func (b *Bucket) Recompute(ctx context.Context) error {
	if !b.Info().Listable {
		return fmt.Errorf("bucket %s: %w: backend cannot list", b.name, errs.ErrUnsupported)
	}
	objs, err := b.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("bucket %s: recompute: %w", b.name, err)
	}
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	b.used.Store(total)
	b.Refresh(ctx)
	b.log.Debug().Int64("used", total).Int("objects", len(objs)).Msg("usage recomputed")
	return nil
}

// Usage is a point-in-time view of one bucket.
type Usage struct {
	Bucket     string `json:"bucket"`
	Kind       string `json:"kind"`
	Used       int64  `json:"used"`
	Capacity   int64  `json:"capacity"` // 0 = unlimited
	Encryption string `json:"encryption"`
	Compressed bool   `json:"compressed"`
}

// Usage snapshots the bucket's accounting.
func (b *Bucket) Usage() Usage {
	return Usage{
		Bucket:     b.name,
		Kind:       b.Info().Kind,
		Used:       b.Used(),
		Capacity:   b.Capacity(),
		Encryption: b.Encryption(),
		Compressed: b.compress,
	}
}

// Test writes, reads back and deletes a probe chunk.
func (b *Bucket) Test(ctx context.Context) error {
	probe := []byte("chunkdrive bucket probe " + uuid.NewString())
	ref, err := b.PutChunk(ctx, probe)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	got, getErr := b.GetChunk(ctx, ref)
	delErr := b.DeleteChunk(ctx, ref)
	if getErr != nil {
		return fmt.Errorf("get: %w", getErr)
	}
	if string(got) != string(probe) {
		return fmt.Errorf("get: %w: probe content differs", errs.ErrIntegrity)
	}
	if delErr != nil {
		return fmt.Errorf("delete: %w", delErr)
	}
	return nil
}

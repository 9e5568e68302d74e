// Package fs is the filesystem service every front-end talks to. It streams
// files through the chunker into the bucket pool, records them in the
// descriptor store and enforces the readonly gate.
package fs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/chunkdrive/chunkdrive/internal/bucket"
	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
	"github.com/chunkdrive/chunkdrive/internal/vfs"
)

// Options configures a Service.
type Options struct {
	ChunkSize int
	Chunking  chunk.Mode
	RootKey   string
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Service implements file operations over a bucket pool.
type Service struct {
	pool      *bucket.Pool
	store     *vfs.Store
	readonly  bool
	chunkSize int
	mode      chunk.Mode
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// Held shared by every mutation and exclusively by garbage
	// collection, so chunks of an in-flight write are never collected.
	gcMu sync.RWMutex
}

// New loads the filesystem root from rootBucket and returns the service.
func New(ctx context.Context, pool *bucket.Pool, rootBucket string, readonly bool, opts Options) (*Service, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = int(config.DefaultChunkSize)
	}
	if opts.Chunking == "" {
		opts.Chunking = chunk.Fixed
	}
	store, err := vfs.Open(ctx, pool, rootBucket, vfs.Options{
		RootKey:   opts.RootKey,
		ChunkSize: opts.ChunkSize,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		pool:      pool,
		store:     store,
		readonly:  readonly,
		chunkSize: opts.ChunkSize,
		mode:      opts.Chunking,
		log:       opts.Logger.With().Str("component", "fs").Logger(),
		metrics:   opts.Metrics,
	}, nil
}

// FromConfig opens every configured bucket and the filesystem on top of them.
func FromConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	pool, err := bucket.FromConfig(ctx, cfg.Buckets, bucket.PoolOptions{
		Logger:      log,
		Metrics:     m,
		Parallelism: cfg.Parallelism,
		Retry:       cfg.Retry,
	})
	if err != nil {
		return nil, err
	}
	return New(ctx, pool, cfg.RootBucket, cfg.Readonly, Options{
		ChunkSize: int(cfg.ChunkSize.Bytes()),
		Chunking:  chunk.Mode(cfg.Chunking),
		RootKey:   cfg.RootKey,
		Logger:    log,
		Metrics:   m,
	})
}

// Readonly reports whether mutations are refused.
func (s *Service) Readonly() bool { return s.readonly }

// Pool exposes the bucket pool.
func (s *Service) Pool() *bucket.Pool { return s.pool }

func (s *Service) checkWritable() error {
	if s.readonly {
		return errs.ErrReadOnly
	}
	return nil
}

// WriteFile stores everything read from r at p, replacing any existing file.
// On failure no descriptor changes and every chunk written is deleted again;
// the error is then a *errs.PartialWriteError. If the new file was saved but
// chunks of the replaced version could not be deleted, the descriptor is
// returned together with an *errs.OrphanedChunksError.
func (s *Service) WriteFile(ctx context.Context, p string, r io.Reader) (d *vfs.Descriptor, err error) {
	defer func() { s.metrics.RecordFileOp("write", err) }()
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if st, err := s.store.Stat(p); err == nil && st.IsDir {
		return nil, fmt.Errorf("%s: %w", st.Path, errs.ErrIsDir)
	} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	splitter, err := chunk.NewSplitter(r, s.chunkSize, s.mode)
	if err != nil {
		return nil, err
	}
	hasher := blake3.New()
	w := s.pool.NewWriter(ctx)
	var size int64
	for {
		c, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, w.Abort(err)
		}
		_, _ = hasher.Write(c)
		size += int64(len(c))
		if !w.Add(c) {
			break
		}
	}
	refs, err := w.Close()
	if err != nil {
		return nil, err
	}

	saved, err := s.store.Save(ctx, p, &vfs.Descriptor{
		Chunks:    refs,
		Size:      size,
		ChunkSize: s.chunkSize,
		Hash:      hex.EncodeToString(hasher.Sum(nil)),
	})
	var orphans *errs.OrphanedChunksError
	switch {
	case err == nil:
	case saved != nil && errors.As(err, &orphans):
		return saved, err
	default:
		return nil, &errs.PartialWriteError{Cause: err, Written: len(refs), Orphans: s.pool.DeleteAll(ctx, refs)}
	}

	s.log.Info().Str("path", saved.Path).Int64("size", size).Int("chunks", len(refs)).Msg("file written")
	return saved, nil
}

// ReadFile opens the file at p. Chunks are fetched ahead of the reader with
// bounded parallelism; the content hash is checked at EOF. The caller must
// close the reader.
func (s *Service) ReadFile(ctx context.Context, p string) (io.ReadCloser, *vfs.Descriptor, error) {
	d, err := s.store.Resolve(p)
	s.metrics.RecordFileOp("read", err)
	if err != nil {
		return nil, nil, err
	}
	return newChunkReader(ctx, s.pool, d), d, nil
}

// ReadByID opens a file by descriptor id. Ids are not paths and there is no
// fallback between the two.
func (s *Service) ReadByID(ctx context.Context, id string) (io.ReadCloser, *vfs.Descriptor, error) {
	d, err := s.store.ResolveID(id)
	s.metrics.RecordFileOp("read", err)
	if err != nil {
		return nil, nil, err
	}
	return newChunkReader(ctx, s.pool, d), d, nil
}

// DeleteFile removes the file at p and its chunks, or an empty directory.
func (s *Service) DeleteFile(ctx context.Context, p string) (err error) {
	defer func() { s.metrics.RecordFileOp("delete", err) }()
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	d, err := s.store.Remove(ctx, p)
	if err != nil {
		return err
	}
	if d != nil {
		s.log.Info().Str("path", d.Path).Int("chunks", len(d.Chunks)).Msg("file deleted")
	}
	return nil
}

// RemoveAll deletes p and, if it is a directory, every file and directory
// below it along with their chunks.
func (s *Service) RemoveAll(ctx context.Context, p string) (err error) {
	defer func() { s.metrics.RecordFileOp("delete", err) }()
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	removed, err := s.store.RemoveAll(ctx, p)
	chunks := 0
	for _, d := range removed {
		chunks += len(d.Chunks)
	}
	if len(removed) > 0 {
		s.log.Info().Str("path", p).Int("files", len(removed)).Int("chunks", chunks).Msg("tree deleted")
	}
	return err
}

// ListDir returns the immediate children of dir.
func (s *Service) ListDir(_ context.Context, dir string) ([]vfs.Entry, error) {
	return s.store.List(dir)
}

// Stat describes the file or directory at p.
func (s *Service) Stat(_ context.Context, p string) (vfs.Entry, error) {
	return s.store.Stat(p)
}

// Mkdir creates dir and its parents.
func (s *Service) Mkdir(ctx context.Context, dir string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()
	return s.store.Mkdir(ctx, dir)
}

// Move renames a file or directory.
func (s *Service) Move(ctx context.Context, from, to string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()
	return s.store.Move(ctx, from, to)
}

// Buckets reports usage for every bucket.
func (s *Service) Buckets() []bucket.Usage { return s.pool.Usage() }

// Bucket returns the named bucket for raw inspection.
func (s *Service) Bucket(name string) (*bucket.Bucket, error) {
	b, ok := s.pool.Bucket(name)
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", name, errs.ErrNotFound)
	}
	return b, nil
}

// Reconcile recomputes bucket usage from backend listings.
func (s *Service) Reconcile(ctx context.Context) error {
	return s.pool.Recompute(ctx)
}

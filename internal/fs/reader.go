package fs

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/chunkdrive/chunkdrive/internal/bucket"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/internal/vfs"
)

type fetched struct {
	data []byte
	err  error
}

// chunkReader streams a file's chunks in order. Up to the pool's parallelism
// chunks are fetched or buffered ahead of the consumer.
type chunkReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	desc    *vfs.Descriptor
	results []chan fetched
	slots   chan struct{}

	next   int
	cur    []byte
	read   int64
	hasher *blake3.Hasher
	err    error
}

func newChunkReader(ctx context.Context, pool *bucket.Pool, d *vfs.Descriptor) *chunkReader {
	ctx, cancel := context.WithCancel(ctx)
	r := &chunkReader{
		ctx:     ctx,
		cancel:  cancel,
		desc:    d,
		results: make([]chan fetched, len(d.Chunks)),
		slots:   make(chan struct{}, pool.Parallelism()),
		hasher:  blake3.New(),
	}
	for i := range r.results {
		r.results[i] = make(chan fetched, 1)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for i, ref := range d.Chunks {
			select {
			case r.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				data, err := pool.Fetch(ctx, ref)
				r.results[i] <- fetched{data: data, err: err}
			}()
		}
	}()
	return r
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.cur) == 0 {
		if r.next == len(r.results) {
			r.err = r.verify()
			return 0, r.err
		}
		var f fetched
		select {
		case f = <-r.results[r.next]:
		case <-r.ctx.Done():
			r.err = r.ctx.Err()
			return 0, r.err
		}
		<-r.slots
		if f.err != nil {
			r.err = fmt.Errorf("read %s chunk %d: %w", r.desc.Path, r.next, f.err)
			return 0, r.err
		}
		_, _ = r.hasher.Write(f.data)
		r.read += int64(len(f.data))
		r.cur = f.data
		r.next++
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkReader) verify() error {
	if r.read != r.desc.Size {
		return fmt.Errorf("%s: %w: read %d bytes, descriptor says %d", r.desc.Path, errs.ErrIntegrity, r.read, r.desc.Size)
	}
	if r.desc.Hash != "" && hex.EncodeToString(r.hasher.Sum(nil)) != r.desc.Hash {
		return fmt.Errorf("%s: %w", r.desc.Path, errs.ErrIntegrity)
	}
	return io.EOF
}

// Close stops outstanding fetches and waits for them to finish.
func (r *chunkReader) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

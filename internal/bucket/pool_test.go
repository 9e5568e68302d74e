package bucket

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdrive/chunkdrive/internal/backend/backendtest"
	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/crypt"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/testutil"
)

// firstRand always picks the first candidate.
type firstRand struct{}

func (firstRand) Intn(int) int { return 0 }

type testPool struct {
	*Pool
	fakes map[string]*backendtest.Fake
}

func newTestPool(t *testing.T, opts PoolOptions, specs map[string][]backendtest.Option) *testPool {
	t.Helper()
	tp := &testPool{fakes: make(map[string]*backendtest.Fake)}
	var list []*Bucket
	for name, fopts := range specs {
		f := backendtest.New(fopts...)
		tp.fakes[name] = f
		list = append(list, New(name, f, crypt.None{}, Options{Logger: zerolog.Nop()}))
	}
	opts.Logger = zerolog.Nop()
	p, err := NewPool(list, opts)
	require.NoError(t, err)
	tp.Pool = p
	return tp
}

func (tp *testPool) stored() int {
	n := 0
	for _, f := range tp.fakes {
		n += f.Len()
	}
	return n
}

func TestNewPoolRejectsDuplicatesAndEmpty(t *testing.T) {
	a := New("a", backendtest.New(), crypt.None{}, Options{})
	_, err := NewPool([]*Bucket{a, a}, PoolOptions{})
	var cerr *errs.ConfigError
	require.ErrorAs(t, err, &cerr)

	_, err = NewPool(nil, PoolOptions{})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "buckets", cerr.Field)
}

func TestPlaceSpreadsAcrossBuckets(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Rand: NewRand(42)}, map[string][]backendtest.Option{
		"a": nil, "b": nil, "c": nil,
	})
	ctx := context.Background()
	for i := 0; i < 300; i++ {
		_, err := tp.Place(ctx, []byte("chunk"))
		require.NoError(t, err)
	}
	for name, f := range tp.fakes {
		assert.Greater(t, f.Len(), 50, "bucket %s should receive a fair share", name)
	}
}

func TestPlaceSkipsFullAndSmallBuckets(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Rand: firstRand{}}, map[string][]backendtest.Option{
		"a": {backendtest.WithMaxObjectSize(100)},
		"b": {backendtest.WithCapacity(10_000)},
	})
	ref, err := tp.Place(context.Background(), make([]byte, 1000))
	require.NoError(t, err)
	assert.Equal(t, "b", ref.Bucket)
}

func TestPlaceNoCapacity(t *testing.T) {
	tp := newTestPool(t, PoolOptions{}, map[string][]backendtest.Option{
		"a": {backendtest.WithMaxObjectSize(100)},
		"b": {backendtest.WithMaxObjectSize(200)},
	})
	_, err := tp.Place(context.Background(), make([]byte, 1000))
	assert.ErrorIs(t, err, errs.ErrNoCapacity)
	assert.Zero(t, tp.stored())
}

func TestPlaceRetriesAnotherBucket(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Rand: firstRand{}}, map[string][]backendtest.Option{
		"a": nil, "b": nil,
	})
	tp.fakes["a"].FailPuts(10, nil)

	ref, err := tp.Place(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, "b", ref.Bucket)

	a, _ := tp.Bucket("a")
	assert.Zero(t, a.Used(), "failed put must release its reservation")
}

func TestPlaceGivesUpAfterMaxAttempts(t *testing.T) {
	tp := newTestPool(t, PoolOptions{MaxAttempts: 2}, map[string][]backendtest.Option{
		"a": nil, "b": nil, "c": nil,
	})
	var attempts atomic.Int32
	for _, f := range tp.fakes {
		f.PutHook = func(context.Context, string) error {
			attempts.Add(1)
			return backendtest.ErrInjected
		}
	}
	_, err := tp.Place(context.Background(), []byte("data"))
	require.ErrorIs(t, err, backendtest.ErrInjected)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPlaceAllPreservesOrder(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Rand: NewRand(7), Parallelism: 3}, map[string][]backendtest.Option{
		"a": nil, "b": nil,
	})
	ctx := context.Background()
	data := testutil.RandomBytes(t, 10_000)
	chunks, err := chunk.SplitBytes(data, 1000)
	require.NoError(t, err)

	refs, err := tp.PlaceAll(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, refs, 10)

	got, err := tp.FetchAll(ctx, refs)
	require.NoError(t, err)
	assert.Equal(t, data, bytes.Join(got, nil))
}

func TestPlaceAllCompensatesOnFailure(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Parallelism: 1}, map[string][]backendtest.Option{
		"a": nil,
	})
	tp.fakes["a"].FailPutsAfter(3, nil)

	chunks := make([][]byte, 6)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}
	_, err := tp.PlaceAll(context.Background(), chunks)

	var pw *errs.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, 3, pw.Written)
	assert.Nil(t, pw.Orphans)
	assert.ErrorIs(t, err, backendtest.ErrInjected)
	assert.Zero(t, tp.stored(), "written chunks must be deleted")

	a, _ := tp.Bucket("a")
	assert.Zero(t, a.Used())
}

func TestPlaceAllReportsOrphans(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Parallelism: 1}, map[string][]backendtest.Option{
		"a": nil,
	})
	f := tp.fakes["a"]
	f.FailPutsAfter(2, nil)
	f.DeleteHook = func(context.Context, string) error { return errors.New("delete refused") }

	_, err := tp.PlaceAll(context.Background(), [][]byte{{1}, {2}, {3}})

	var pw *errs.PartialWriteError
	require.ErrorAs(t, err, &pw)
	require.NotNil(t, pw.Orphans)
	assert.Len(t, pw.Orphans.Refs, 2)

	var orphans *errs.OrphanedChunksError
	assert.ErrorAs(t, err, &orphans)
	assert.Equal(t, 2, f.Len())
}

func TestWriterCancellationCleansUp(t *testing.T) {
	tp := newTestPool(t, PoolOptions{Parallelism: 2}, map[string][]backendtest.Option{
		"a": nil,
	})
	f := tp.fakes["a"]

	ctx, cancel := context.WithCancel(context.Background())
	var puts atomic.Int32
	f.PutHook = func(hctx context.Context, _ string) error {
		if puts.Add(1) == 3 {
			cancel()
			return hctx.Err()
		}
		return nil
	}

	w := tp.NewWriter(ctx)
	for i := 0; i < 10; i++ {
		if !w.Add([]byte{byte(i)}) {
			break
		}
	}
	_, err := w.Close()

	var pw *errs.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Len(), "cleanup runs after cancellation")
}

func TestWriterAbort(t *testing.T) {
	tp := newTestPool(t, PoolOptions{}, map[string][]backendtest.Option{"a": nil})
	w := tp.NewWriter(context.Background())
	require.True(t, w.Add([]byte("one")))
	require.True(t, w.Add([]byte("two")))

	readErr := errors.New("source read failed")
	err := w.Abort(readErr)
	assert.ErrorIs(t, err, readErr)
	assert.Zero(t, tp.stored())
}

func TestDeleteAllContinuesPastFailures(t *testing.T) {
	tp := newTestPool(t, PoolOptions{CleanupTimeout: time.Second}, map[string][]backendtest.Option{"a": nil})
	ctx := context.Background()

	var refs []chunk.Ref
	for i := 0; i < 3; i++ {
		ref, err := tp.Place(ctx, []byte{byte(i)})
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	refs = append(refs[:1], append([]chunk.Ref{{Bucket: "gone", Key: "x"}}, refs[1:]...)...)

	orphans := tp.DeleteAll(ctx, refs)
	require.NotNil(t, orphans)
	require.Len(t, orphans.Refs, 1)
	assert.Equal(t, "gone", orphans.Refs[0].Bucket)
	assert.Zero(t, tp.stored())

	var cerr *errs.ConfigError
	assert.ErrorAs(t, orphans, &cerr)
	assert.Nil(t, tp.DeleteAll(ctx, nil))
}

func TestFetchUnknownBucket(t *testing.T) {
	tp := newTestPool(t, PoolOptions{}, map[string][]backendtest.Option{"a": nil})
	_, err := tp.Fetch(context.Background(), chunk.Ref{Bucket: "nope", Key: "k"})
	var cerr *errs.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestConcurrentPlacementNeverOvercommits(t *testing.T) {
	var list []*Bucket
	for _, name := range []string{"a", "b"} {
		list = append(list, New(name, backendtest.New(), crypt.None{}, Options{MaxSize: 1000, Logger: zerolog.Nop()}))
	}
	p, err := NewPool(list, PoolOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		placed   atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Place(context.Background(), make([]byte, 100))
			if err != nil {
				assert.ErrorIs(t, err, errs.ErrNoCapacity)
				rejected.Add(1)
				return
			}
			placed.Add(1)
		}()
	}
	wg.Wait()

	for _, b := range p.Buckets() {
		assert.LessOrEqual(t, b.Used(), int64(1000))
	}
	assert.Equal(t, int32(40), placed.Load()+rejected.Load())
	assert.Positive(t, rejected.Load())
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	buckets := map[string]config.BucketConfig{
		"main": {
			Source:      config.SourceConfig{Type: config.SourceLocal, Local: &config.LocalSource{Path: dir}},
			Encryption:  config.EncryptionConfig{Type: config.EncryptionXChaCha, Passphrase: "hunter2"},
			Compression: config.CompressionZstd,
		},
	}
	ctx := context.Background()
	p, err := FromConfig(ctx, buckets, PoolOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)

	ref, err := p.Place(ctx, []byte("hello"))
	require.NoError(t, err)
	got, err := p.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// a fresh pool recomputes usage from what is on disk
	p2, err := FromConfig(ctx, buckets, PoolOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	b, ok := p2.Bucket("main")
	require.True(t, ok)
	assert.Equal(t, ref.Size, b.Used())
	assert.True(t, b.Compressed())
}

func TestFromConfigInvalid(t *testing.T) {
	_, err := FromConfig(context.Background(), map[string]config.BucketConfig{
		"bad": {Source: config.SourceConfig{Type: "ftp"}},
	}, PoolOptions{Logger: zerolog.Nop()})

	var cerr *errs.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad", cerr.Bucket)
}

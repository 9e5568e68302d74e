package bucket

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chunkdrive/chunkdrive/internal/backend/backendtest"
	"github.com/chunkdrive/chunkdrive/internal/crypt"
	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestBucket(t *testing.T, name string, f *backendtest.Fake, opts Options) *Bucket {
	t.Helper()
	p, err := crypt.NewXChaCha(testKey())
	require.NoError(t, err)
	opts.Logger = zerolog.Nop()
	return New(name, f, p, opts)
}

func TestBucketEncodeDecode(t *testing.T) {
	for _, compress := range []bool{false, true} {
		b := newTestBucket(t, "main", backendtest.New(), Options{Compress: compress})
		data := bytes.Repeat([]byte("chunkdrive "), 1000)

		blob, err := b.Encode(data)
		require.NoError(t, err)
		assert.False(t, bytes.Contains(blob, []byte("chunkdrive")), "stored bytes must not leak plaintext")
		if compress {
			assert.Less(t, len(blob), len(data))
		}

		got, err := b.Decode(blob)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestBucketPutGetDelete(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	b := newTestBucket(t, "main", f, Options{})
	data := testutil.RandomBytes(t, 4096)

	ref, err := b.PutChunk(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "main", ref.Bucket)
	assert.Equal(t, b.Used(), ref.Size)
	assert.Equal(t, 1, f.Len())

	got, err := b.GetChunk(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, b.DeleteChunk(ctx, ref))
	assert.Zero(t, b.Used())
	assert.Zero(t, f.Len())

	_, err = b.GetChunk(ctx, ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBucketPutFailureReleasesReservation(t *testing.T) {
	f := backendtest.New()
	f.FailPuts(1, nil)
	b := newTestBucket(t, "main", f, Options{MaxSize: 1 << 20})

	_, err := b.PutChunk(context.Background(), []byte("data"))
	require.Error(t, err)
	assert.Zero(t, b.Used())
}

func TestBucketCapacity(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, "small", backendtest.New(), Options{MaxSize: 300})

	assert.True(t, b.Admits(100))
	assert.False(t, b.Admits(400))

	_, err := b.PutChunk(ctx, make([]byte, 200))
	require.NoError(t, err)
	assert.False(t, b.Admits(200))

	_, err = b.PutChunk(ctx, make([]byte, 200))
	assert.ErrorIs(t, err, errs.ErrCapacityExceeded)
	assert.LessOrEqual(t, b.Used(), int64(300))
}

func TestBucketMaxObjectSize(t *testing.T) {
	b := newTestBucket(t, "chat", backendtest.New(backendtest.WithMaxObjectSize(1024)), Options{})
	assert.True(t, b.Admits(512))
	assert.False(t, b.Admits(1024))

	_, err := b.PutChunk(context.Background(), make([]byte, 2048))
	assert.ErrorIs(t, err, errs.ErrCapacityExceeded)
}

func TestBucketTryReserveConcurrent(t *testing.T) {
	b := newTestBucket(t, "main", backendtest.New(), Options{MaxSize: 1000})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryReserve(100) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, int64(1000), b.Used())
	assert.Zero(t, b.Remaining())
}

func TestBucketNamed(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, "main", backendtest.New(), Options{})

	require.NoError(t, b.PutNamed(ctx, "pointer", []byte("first")))
	first := b.Used()
	require.NoError(t, b.PutNamed(ctx, "pointer", []byte("second version")))
	assert.Equal(t, first+int64(len("second version")-len("first")), b.Used())

	got, err := b.GetNamed(ctx, "pointer")
	require.NoError(t, err)
	assert.Equal(t, "second version", string(got))

	srv := newTestBucket(t, "chat", backendtest.New(backendtest.WithServerKeys()), Options{})
	err = srv.PutNamed(ctx, "pointer", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestBucketDecodeTampered(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	b := newTestBucket(t, "main", f, Options{})

	ref, err := b.PutChunk(ctx, []byte("secret"))
	require.NoError(t, err)
	f.Corrupt(ref.Key, func(v []byte) []byte {
		v[len(v)-1] ^= 0xff
		return v
	})

	_, err = b.GetChunk(ctx, ref)
	assert.ErrorIs(t, err, errs.ErrDecryption)
}

func TestBucketRecompute(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	_, err := f.Put(ctx, "a", make([]byte, 100))
	require.NoError(t, err)
	_, err = f.Put(ctx, "b", make([]byte, 50))
	require.NoError(t, err)

	b := newTestBucket(t, "main", f, Options{})
	assert.Zero(t, b.Used())
	require.NoError(t, b.Recompute(ctx))
	assert.Equal(t, int64(150), b.Used())

	u := newTestBucket(t, "chat", backendtest.New(backendtest.Unlistable()), Options{})
	assert.ErrorIs(t, u.Recompute(ctx), errs.ErrUnsupported)
}

func TestBucketRefreshUsesBackendCapacity(t *testing.T) {
	b := newTestBucket(t, "main", backendtest.New(backendtest.WithCapacity(500)), Options{MaxSize: 1000})
	b.Refresh(context.Background())
	assert.Equal(t, int64(500), b.Capacity())

	unlimited := New("u", backendtest.New(), crypt.None{}, Options{Logger: zerolog.Nop()})
	assert.Equal(t, int64(-1), unlimited.Remaining())
}

func TestBucketProbe(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	b := newTestBucket(t, "main", f, Options{Compress: true})
	require.NoError(t, b.Test(ctx))
	assert.Zero(t, f.Len())
	assert.Zero(t, b.Used())

	f.FailPuts(1, errors.New("down"))
	assert.Error(t, b.Test(ctx))
}

func TestBucketUsage(t *testing.T) {
	b := newTestBucket(t, "main", backendtest.New(), Options{Compress: true, MaxSize: 2048})
	u := b.Usage()
	assert.Equal(t, "main", u.Bucket)
	assert.Equal(t, "fake", u.Kind)
	assert.Equal(t, int64(2048), u.Capacity)
	assert.Equal(t, "xchacha20poly1305", u.Encryption)
	assert.True(t, u.Compressed)
}

package chunk

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestSplitJoinRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		dataSize int
		maxSize  int
	}{
		{"empty", 0, 16},
		{"single byte", 1, 16},
		{"smaller than chunk", 10, 16},
		{"exact multiple", 64, 16},
		{"one over", 65, 16},
		{"chunk size one", 7, 1},
		{"large", 1 << 20, 64 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(t, tt.dataSize)

			chunks, err := Split(bytes.NewReader(data), tt.maxSize, Fixed)
			require.NoError(t, err)

			wantCount := (tt.dataSize + tt.maxSize - 1) / tt.maxSize
			assert.Len(t, chunks, wantCount)
			for i, c := range chunks {
				assert.LessOrEqual(t, len(c), tt.maxSize)
				if i < len(chunks)-1 {
					assert.Len(t, c, tt.maxSize, "only the last chunk may be short")
				}
			}

			joined, err := io.ReadAll(Join(chunks))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, joined))
		})
	}
}

func TestSplitDeterministic(t *testing.T) {
	data := randomBytes(t, 100_000)

	for _, mode := range []Mode{Fixed, ContentDefined} {
		t.Run(string(mode), func(t *testing.T) {
			a, err := Split(bytes.NewReader(data), 16*1024, mode)
			require.NoError(t, err)
			b, err := Split(bytes.NewReader(data), 16*1024, mode)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		})
	}
}

func TestSplitShortReads(t *testing.T) {
	data := randomBytes(t, 10_000)

	chunks, err := Split(iotest.OneByteReader(bytes.NewReader(data)), 1000, Fixed)
	require.NoError(t, err)
	assert.Len(t, chunks, 10)

	joined, err := io.ReadAll(Join(chunks))
	require.NoError(t, err)
	assert.Equal(t, data, joined)
}

func TestContentDefinedBounded(t *testing.T) {
	data := randomBytes(t, 1<<20)
	const maxSize = 64 * 1024

	chunks, err := Split(bytes.NewReader(data), maxSize, ContentDefined)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), maxSize)
	}

	joined, err := io.ReadAll(Join(chunks))
	require.NoError(t, err)
	assert.Equal(t, data, joined)
}

func TestSplitReadError(t *testing.T) {
	boom := iotest.ErrReader(io.ErrClosedPipe)
	_, err := Split(boom, 16, Fixed)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestSplitterRejectsBadInput(t *testing.T) {
	_, err := NewSplitter(bytes.NewReader(nil), 0, Fixed)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewSplitter(bytes.NewReader(nil), 16, Mode("rolling"))
	require.Error(t, err)
}

func TestJoinPreservesOrder(t *testing.T) {
	chunks := [][]byte{[]byte("c"), []byte("a"), []byte("b")}
	joined, err := io.ReadAll(Join(chunks))
	require.NoError(t, err)
	assert.Equal(t, "cab", string(joined))
}

func TestRefString(t *testing.T) {
	assert.Equal(t, "main/abc", Ref{Bucket: "main", Key: "abc"}.String())
}

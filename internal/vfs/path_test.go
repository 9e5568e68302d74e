package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdrive/chunkdrive/internal/errs"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "/a/b", want: "/a/b"},
		{in: "a/b", want: "/a/b"},
		{in: "/a//b/", want: "/a/b"},
		{in: "  /docs/x.txt ", want: "/docs/x.txt"},
		{in: "/", want: "/"},
		{in: "", err: true},
		{in: "/a/../b", err: true},
		{in: "./a", err: true},
		{in: "/a\x00b", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, errs.ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := cleanFile("/")
	assert.ErrorIs(t, err, errs.ErrInvalidPath)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, []string{"/a/b", "/a"}, parents("/a/b/c"))
	assert.Empty(t, parents("/a"))

	assert.True(t, within("/a/b", "/a"))
	assert.True(t, within("/a", "/a"))
	assert.False(t, within("/ab", "/a"))
	assert.True(t, within("/x", "/"))

	name, direct := child("/a", "/a/b/c")
	assert.Equal(t, "b", name)
	assert.False(t, direct)
	name, direct = child("/", "/top")
	assert.Equal(t, "top", name)
	assert.True(t, direct)
}

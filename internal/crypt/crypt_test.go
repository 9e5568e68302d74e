package crypt

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestProvider(t *testing.T) Provider {
	t.Helper()
	p, err := New("main", config.EncryptionConfig{Type: config.EncryptionXChaCha, Key: testKey})
	require.NoError(t, err)
	return p
}

func TestXChaChaRoundTrip(t *testing.T) {
	p := newTestProvider(t)

	for _, size := range []int{0, 1, 100, 64 * 1024} {
		plaintext := bytes.Repeat([]byte{0xAB}, size)
		blob, err := p.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, blob, size+minBlobSize)

		got, err := p.Decrypt(blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestXChaChaRandomNonce(t *testing.T) {
	p := newTestProvider(t)
	a, err := p.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := p.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestXChaChaRejectsTampering(t *testing.T) {
	p := newTestProvider(t)
	blob, err := p.Encrypt([]byte("hello world"))
	require.NoError(t, err)

	tests := []struct {
		name string
		blob []byte
	}{
		{"flipped ciphertext", func() []byte { b := bytes.Clone(blob); b[len(b)-1] ^= 1; return b }()},
		{"flipped nonce", func() []byte { b := bytes.Clone(blob); b[3] ^= 1; return b }()},
		{"unknown version", func() []byte { b := bytes.Clone(blob); b[0] = 9; return b }()},
		{"truncated", blob[:minBlobSize-1]},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Decrypt(tt.blob)
			assert.True(t, errors.Is(err, errs.ErrDecryption), "got %v", err)
		})
	}
}

func TestXChaChaWrongKey(t *testing.T) {
	p := newTestProvider(t)
	blob, err := p.Encrypt([]byte("secret"))
	require.NoError(t, err)

	other, err := New("main", config.EncryptionConfig{Type: config.EncryptionXChaCha, Passphrase: "hunter2"})
	require.NoError(t, err)
	_, err = other.Decrypt(blob)
	assert.ErrorIs(t, err, errs.ErrDecryption)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey("pass", "main")
	require.NoError(t, err)
	b, err := DeriveKey("pass", "main")
	require.NoError(t, err)
	c, err := DeriveKey("pass", "other")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "bucket name salts the key")
}

func TestNone(t *testing.T) {
	p, err := New("b", config.EncryptionConfig{})
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())

	out, err := p.Encrypt([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), out)
}

func TestNewErrors(t *testing.T) {
	_, err := New("b", config.EncryptionConfig{Type: "rot13"})
	var cerr *errs.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "encryption.type", cerr.Field)

	_, err = New("b", config.EncryptionConfig{Type: config.EncryptionXChaCha, Key: "short"})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "encryption.key", cerr.Field)
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.key")
	_, err := config.WriteKeyFile(path, false)
	require.NoError(t, err)

	p, err := New("main", config.EncryptionConfig{Type: config.EncryptionXChaCha, KeyFile: path})
	require.NoError(t, err)
	blob, err := p.Encrypt([]byte("chunk"))
	require.NoError(t, err)

	again, err := New("main", config.EncryptionConfig{Type: config.EncryptionXChaCha, KeyFile: path})
	require.NoError(t, err)
	out, err := again.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), out)

	_, err = New("main", config.EncryptionConfig{Type: config.EncryptionXChaCha, KeyFile: filepath.Join(t.TempDir(), "absent")})
	var cerr *errs.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "encryption.key", cerr.Field)
}

func TestOverheadMatchesBlobSize(t *testing.T) {
	x, err := NewXChaCha(make([]byte, 32))
	require.NoError(t, err)
	for _, n := range []int{0, 1, 4096} {
		blob, err := x.Encrypt(make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, n+x.Overhead(), len(blob))
	}
	assert.Zero(t, None{}.Overhead())
}

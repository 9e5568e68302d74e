package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdrive/chunkdrive/testutil"
)

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, a, 2*KeySize)
	assert.NotEqual(t, a, b)

	k, err := DecodeKey(a)
	require.NoError(t, err)
	assert.Len(t, k, KeySize)
}

func TestWriteKeyFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "keys", "main.key")
	key, err := WriteKeyFile(path, false)
	require.NoError(t, err)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "key file should have 0600 permissions")
	}

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	want, _ := DecodeKey(key)
	assert.Equal(t, want, loaded)

	_, err = WriteKeyFile(path, false)
	assert.Error(t, err, "existing key must not be replaced")

	again, err := WriteKeyFile(path, true)
	require.NoError(t, err)
	assert.NotEqual(t, key, again)
}

func TestLoadKeyFile_Invalid(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadKeyFile(filepath.Join(dir, "missing.key"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := testutil.TempFile(t, dir, "bad.key", "not a valid key")
	_, err = LoadKeyFile(bad)
	assert.Error(t, err)
}

func TestEnsureKeyFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "chunk.key")
	first, err := EnsureKeyFile(path)
	require.NoError(t, err)
	second, err := EnsureKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncryptionConfig_KeyBytes(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "k", testKey+"\n")

	fromFile, err := EncryptionConfig{Type: EncryptionXChaCha, KeyFile: path}.KeyBytes()
	require.NoError(t, err)
	inline, err := EncryptionConfig{Type: EncryptionXChaCha, Key: testKey}.KeyBytes()
	require.NoError(t, err)
	assert.Equal(t, inline, fromFile)
}

func TestValidate_KeySources(t *testing.T) {
	base := "root_bucket: main\nbuckets:\n  main:\n    source: {type: local, path: /x}\n"

	_, err := Parse([]byte(base + "    encryption: {type: xchacha20poly1305, key_file: /etc/chunk.key}\n"))
	assert.NoError(t, err)

	_, err = Parse([]byte(base + "    encryption: {type: xchacha20poly1305, key_file: /k, passphrase: p}\n"))
	assert.Error(t, err)
}

package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

// DecodeKey parses a 32-byte key written as hex or standard base64.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if k, err := hex.DecodeString(s); err == nil && len(k) == KeySize {
		return k, nil
	}
	if k, err := base64.StdEncoding.DecodeString(s); err == nil && len(k) == KeySize {
		return k, nil
	}
	return nil, fmt.Errorf("key must be %d bytes encoded as hex or base64", KeySize)
}

// GenerateKey returns a fresh random key, hex encoded.
func GenerateKey() (string, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(k), nil
}

// WriteKeyFile generates a key and saves it to path with owner-only
// permissions. An existing file is left alone unless overwrite is set.
func WriteKeyFile(path string, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("key file %s already exists", path)
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// LoadKeyFile reads a key written by WriteKeyFile or by hand.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	k, err := DecodeKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return k, nil
}

// EnsureKeyFile loads the key at path, generating one if the file does not
// exist yet.
func EnsureKeyFile(path string) ([]byte, error) {
	k, err := LoadKeyFile(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if _, err := WriteKeyFile(path, false); err != nil {
		return nil, err
	}
	return LoadKeyFile(path)
}

// KeyBytes returns the raw key named by Key or KeyFile.
func (e EncryptionConfig) KeyBytes() ([]byte, error) {
	if e.KeyFile != "" {
		return LoadKeyFile(e.KeyFile)
	}
	return DecodeKey(e.Key)
}

// Package crypt provides the per-bucket chunk encryption providers.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// Provider encrypts and decrypts whole chunks. Implementations are safe for
// concurrent use.
type Provider interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Name() string
	// Overhead is the number of bytes Encrypt adds to its input.
	Overhead() int
}

// New builds the provider described by cfg. bucket is the HKDF salt used
// when the key is derived from a passphrase.
func New(bucket string, cfg config.EncryptionConfig) (Provider, error) {
	switch cfg.Type {
	case config.EncryptionNone, "":
		return None{}, nil
	case config.EncryptionXChaCha:
		var key []byte
		var err error
		if cfg.Passphrase != "" {
			key, err = DeriveKey(cfg.Passphrase, bucket)
		} else {
			key, err = cfg.KeyBytes()
		}
		if err != nil {
			return nil, &errs.ConfigError{Bucket: bucket, Field: "encryption.key", Msg: err.Error()}
		}
		return NewXChaCha(key)
	}
	return nil, &errs.ConfigError{Bucket: bucket, Field: "encryption.type", Msg: fmt.Sprintf("unknown type %q", cfg.Type)}
}

// None stores chunks as-is.
type None struct{}

func (None) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (None) Decrypt(c []byte) ([]byte, error) { return c, nil }
func (None) Name() string                     { return config.EncryptionNone }
func (None) Overhead() int                    { return 0 }

// DeriveKey stretches a passphrase into a 32-byte key with HKDF-SHA256,
// salted with the bucket name.
func DeriveKey(passphrase, bucket string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(bucket), []byte("chunkdrive-bucket-key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Blob format: version(1) | nonce(24) | ciphertext+tag. The version byte is
// authenticated as additional data.
const (
	blobVersion byte = 1
	headerSize       = 1 + chacha20poly1305.NonceSizeX
	minBlobSize      = headerSize + chacha20poly1305.Overhead
)

// XChaCha encrypts with XChaCha20-Poly1305 and a random nonce per chunk.
type XChaCha struct {
	aead cipher.AEAD
}

// NewXChaCha creates a provider for a 32-byte key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &XChaCha{aead: aead}, nil
}

func (x *XChaCha) Name() string { return config.EncryptionXChaCha }

func (x *XChaCha) Overhead() int { return minBlobSize }

// Encrypt seals plaintext into a versioned blob.
func (x *XChaCha) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, blobVersion)
	out = append(out, nonce[:]...)
	return x.aead.Seal(out, nonce[:], plaintext, []byte{blobVersion}), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering, truncation or
// unknown version yields errs.ErrDecryption.
func (x *XChaCha) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < minBlobSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", errs.ErrDecryption, len(blob))
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %d", errs.ErrDecryption, blob[0])
	}
	plaintext, err := x.aead.Open(nil, blob[1:headerSize], blob[headerSize:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	return plaintext, nil
}

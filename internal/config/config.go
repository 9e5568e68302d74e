// Package config handles configuration loading and validation for chunkdrive.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunkdrive/chunkdrive/internal/errs"
	"github.com/chunkdrive/chunkdrive/pkg/bytesize"
)

// EnvConfigPath names the environment variable consulted by FindPath.
const EnvConfigPath = "CHUNKDRIVE_CONFIG"

// DefaultPath is used when neither a flag nor the environment names a config.
const DefaultPath = "config.yml"

// Defaults.
const (
	DefaultChunkSize         = 8 * bytesize.MB
	DefaultRootKey           = "chunkdrive-root"
	DefaultParallelism       = 4
	DefaultMaxAttachmentSize = 24 * bytesize.MB
	DefaultMaxAssets         = 1000
	DefaultReleaseTag        = "chunkdrive"
)

// Source types.
const (
	SourceLocal   = "local"
	SourceWebhook = "webhook"
	SourceRelease = "release"
	SourceS3      = "s3"
)

// Encryption types.
const (
	EncryptionNone       = "none"
	EncryptionXChaCha    = "xchacha20poly1305"
	CompressionNone      = "none"
	CompressionZstd      = "zstd"
	ChunkingFixed        = "fixed"
	ChunkingContentBased = "cdc"
)

// Config is the top-level chunkdrive configuration. It is treated as an
// immutable value once loaded.
type Config struct {
	RootBucket  string                  `yaml:"root_bucket"`
	RootKey     string                  `yaml:"root_key"`
	ChunkSize   bytesize.Size           `yaml:"chunk_size"`
	Chunking    string                  `yaml:"chunking"` // fixed | cdc
	Readonly    bool                    `yaml:"readonly"`
	Parallelism int                     `yaml:"parallelism"`
	Buckets     map[string]BucketConfig `yaml:"buckets"`
	Retry       RetryConfig             `yaml:"retry"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:9464"; empty disables
}

// BucketConfig describes one storage location.
type BucketConfig struct {
	Source      SourceConfig     `yaml:"source"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	Compression string           `yaml:"compression"` // none | zstd
	MaxSize     bytesize.Size    `yaml:"max_size"`    // 0 = unlimited
}

// SourceConfig is a tagged union over the supported backends. Exactly one of
// the variant pointers is set after decoding a known type.
type SourceConfig struct {
	Type    string
	Local   *LocalSource
	Webhook *WebhookSource
	Release *ReleaseSource
	S3      *S3Source
}

// LocalSource stores chunks in a directory.
type LocalSource struct {
	Path    string        `yaml:"path"`
	MaxSize bytesize.Size `yaml:"max_size"`
}

// WebhookSource stores chunks as attachments posted to a chat webhook.
type WebhookSource struct {
	URL               string        `yaml:"url"`
	Index             string        `yaml:"index"` // optional local file listing stored messages
	MaxAttachmentSize bytesize.Size `yaml:"max_attachment_size"`
	RateLimit         RateLimit     `yaml:",inline"`
}

// ReleaseSource stores chunks as assets on a GitHub release.
type ReleaseSource struct {
	Owner     string    `yaml:"owner"`
	Repo      string    `yaml:"repo"`
	Token     string    `yaml:"token"`
	Tag       string    `yaml:"tag"`
	BaseURL   string    `yaml:"base_url"` // default https://api.github.com
	MaxAssets int       `yaml:"max_assets"`
	RateLimit RateLimit `yaml:",inline"`
}

// S3Source stores chunks in an S3-compatible bucket.
type S3Source struct {
	Endpoint      string        `yaml:"endpoint"`
	Region        string        `yaml:"region"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	PathStyle     bool          `yaml:"path_style"`
	MaxObjectSize bytesize.Size `yaml:"max_object_size"`
}

// RateLimit bounds outgoing requests for HTTP backends. Zero disables it.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EncryptionConfig selects the chunk cipher. Key is 32 bytes as hex or
// base64. KeyFile names a file holding such a key. Passphrase derives a key
// instead. Exactly one of them is set for xchacha20poly1305.
type EncryptionConfig struct {
	Type       string `yaml:"type"`
	Key        string `yaml:"key,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// RetryConfig bounds backend retries.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	InitialWait Duration `yaml:"initial_wait"`
	MaxWait     Duration `yaml:"max_wait"`
	Timeout     Duration `yaml:"timeout"` // per backend call
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML decodes the variant named by the "type" field. An unknown
// type decodes without error and is reported by Validate, where the bucket
// name is known.
func (s *SourceConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	*s = SourceConfig{Type: head.Type}

	switch head.Type {
	case SourceLocal:
		s.Local = &LocalSource{}
		return node.Decode(s.Local)
	case SourceWebhook:
		s.Webhook = &WebhookSource{}
		return node.Decode(s.Webhook)
	case SourceRelease:
		s.Release = &ReleaseSource{}
		return node.Decode(s.Release)
	case SourceS3:
		s.S3 = &S3Source{}
		return node.Decode(s.S3)
	}
	return nil
}

// MarshalYAML writes the active variant back with its type tag.
func (s SourceConfig) MarshalYAML() (interface{}, error) {
	var v interface{}
	switch {
	case s.Local != nil:
		v = s.Local
	case s.Webhook != nil:
		v = s.Webhook
	case s.Release != nil:
		v = s.Release
	case s.S3 != nil:
		v = s.S3
	default:
		return map[string]string{"type": s.Type}, nil
	}

	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	node.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "type"},
		{Kind: yaml.ScalarNode, Value: s.Type},
	}, node.Content...)
	return &node, nil
}

// FindPath picks the configuration file: an explicit flag value wins, then
// $CHUNKDRIVE_CONFIG, then ./config.yml.
func FindPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.RootKey == "" {
		c.RootKey = DefaultRootKey
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = bytesize.Size(DefaultChunkSize)
	}
	if c.Chunking == "" {
		c.Chunking = ChunkingFixed
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultParallelism
	}
	c.Retry.applyDefaults()

	for name, b := range c.Buckets {
		b.ApplyDefaults()
		c.Buckets[name] = b
	}
}

func (r *RetryConfig) applyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 4
	}
	if r.InitialWait == 0 {
		r.InitialWait = Duration(200 * time.Millisecond)
	}
	if r.MaxWait == 0 {
		r.MaxWait = Duration(5 * time.Second)
	}
	if r.Timeout == 0 {
		r.Timeout = Duration(60 * time.Second)
	}
}

// ApplyDefaults fills unset bucket fields.
func (b *BucketConfig) ApplyDefaults() {
	if b.Encryption.Type == "" {
		b.Encryption.Type = EncryptionNone
	}
	if b.Compression == "" {
		b.Compression = CompressionNone
	}
	b.Encryption.KeyFile = expandHome(b.Encryption.KeyFile)
	switch {
	case b.Source.Local != nil:
		b.Source.Local.Path = expandHome(b.Source.Local.Path)
	case b.Source.Webhook != nil:
		b.Source.Webhook.Index = expandHome(b.Source.Webhook.Index)
		if b.Source.Webhook.MaxAttachmentSize == 0 {
			b.Source.Webhook.MaxAttachmentSize = bytesize.Size(DefaultMaxAttachmentSize)
		}
	case b.Source.Release != nil:
		if b.Source.Release.Tag == "" {
			b.Source.Release.Tag = DefaultReleaseTag
		}
		if b.Source.Release.MaxAssets == 0 {
			b.Source.Release.MaxAssets = DefaultMaxAssets
		}
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks the configuration. Failures are *errs.ConfigError.
func (c *Config) Validate() error {
	if len(c.Buckets) == 0 {
		return &errs.ConfigError{Field: "buckets", Msg: "at least one bucket is required"}
	}
	if c.RootBucket == "" {
		return &errs.ConfigError{Field: "root_bucket", Msg: "is required"}
	}
	if _, ok := c.Buckets[c.RootBucket]; !ok {
		return &errs.ConfigError{Field: "root_bucket", Msg: fmt.Sprintf("unknown bucket %q", c.RootBucket)}
	}
	if c.ChunkSize <= 0 {
		return &errs.ConfigError{Field: "chunk_size", Msg: "must be positive"}
	}
	if c.Chunking != ChunkingFixed && c.Chunking != ChunkingContentBased {
		return &errs.ConfigError{Field: "chunking", Msg: fmt.Sprintf("unknown mode %q (want fixed or cdc)", c.Chunking)}
	}
	if c.Parallelism < 1 {
		return &errs.ConfigError{Field: "parallelism", Msg: "must be at least 1"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &errs.ConfigError{Field: "retry.max_attempts", Msg: "must be at least 1"}
	}

	for _, name := range c.BucketNames() {
		if err := c.Buckets[name].Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// BucketNames returns the configured bucket names in sorted order.
func (c *Config) BucketNames() []string {
	names := make([]string, 0, len(c.Buckets))
	for name := range c.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a single bucket. Failures are *errs.ConfigError.
func (b BucketConfig) Validate(name string) error {
	fail := func(field, msg string) error {
		return &errs.ConfigError{Bucket: name, Field: field, Msg: msg}
	}

	if name == "" || strings.ContainsAny(name, "/\\") {
		return fail("", "bucket name must be non-empty and contain no path separators")
	}

	switch b.Source.Type {
	case "":
		return fail("source.type", "is required")
	case SourceLocal:
		if b.Source.Local.Path == "" {
			return fail("source.path", "is required")
		}
	case SourceWebhook:
		if b.Source.Webhook.URL == "" {
			return fail("source.url", "is required")
		}
		if _, err := url.ParseRequestURI(b.Source.Webhook.URL); err != nil {
			return fail("source.url", err.Error())
		}
	case SourceRelease:
		r := b.Source.Release
		if r.Owner == "" {
			return fail("source.owner", "is required")
		}
		if r.Repo == "" {
			return fail("source.repo", "is required")
		}
		if r.Token == "" {
			return fail("source.token", "is required")
		}
	case SourceS3:
		s := b.Source.S3
		if s.Bucket == "" {
			return fail("source.bucket", "is required")
		}
		if s.Region == "" {
			return fail("source.region", "is required")
		}
		if (s.AccessKey == "") != (s.SecretKey == "") {
			return fail("source.access_key", "access_key and secret_key must be set together")
		}
	default:
		return fail("source.type", fmt.Sprintf("unknown type %q", b.Source.Type))
	}

	switch b.Encryption.Type {
	case EncryptionNone, "":
	case EncryptionXChaCha:
		set := 0
		for _, v := range []string{b.Encryption.Key, b.Encryption.KeyFile, b.Encryption.Passphrase} {
			if v != "" {
				set++
			}
		}
		if set == 0 {
			return fail("encryption.key", "key, key_file or passphrase is required")
		}
		if set > 1 {
			return fail("encryption.key", "key, key_file and passphrase are mutually exclusive")
		}
		if b.Encryption.Key != "" {
			if _, err := DecodeKey(b.Encryption.Key); err != nil {
				return fail("encryption.key", err.Error())
			}
		}
	default:
		return fail("encryption.type", fmt.Sprintf("unknown type %q", b.Encryption.Type))
	}

	switch b.Compression {
	case CompressionNone, CompressionZstd, "":
	default:
		return fail("compression", fmt.Sprintf("unknown algorithm %q", b.Compression))
	}

	if b.MaxSize < 0 {
		return fail("max_size", "must not be negative")
	}
	return nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const (
	kindLocal  = "local"
	tempPrefix = ".tmp-"
)

// Local stores each chunk as a file under a two-level directory layout
// (root/ab/abcdef...). Writes go to a temp file and are renamed into place.
type Local struct {
	root    string
	maxSize int64 // 0 = unlimited
	used    atomic.Int64
	log     zerolog.Logger

	// locks serializes writers of the same key so size accounting of
	// overwrites stays exact.
	locks [64]sync.Mutex
}

// NewLocal opens (creating if needed) the directory in cfg and totals the
// bytes already stored there.
func NewLocal(cfg config.LocalSource, log zerolog.Logger) (*Local, error) {
	if cfg.Path == "" {
		return nil, &errs.ConfigError{Field: "source.path", Msg: "is required"}
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	l := &Local{root: cfg.Path, maxSize: cfg.MaxSize.Bytes(), log: log}

	var total int64
	err := filepath.WalkDir(cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			// Left over from an interrupted write.
			_ = os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan chunk dir: %w", err)
	}
	l.used.Store(total)
	log.Debug().Str("path", cfg.Path).Int64("used", total).Msg("local backend opened")
	return l, nil
}

func (l *Local) path(key string) string {
	shard := "__"
	if len(key) >= 2 && !strings.Contains(key[:2], ".") {
		shard = key[:2]
	}
	return filepath.Join(l.root, shard, key)
}

func (l *Local) lockKey(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.locks[h.Sum32()%uint32(len(l.locks))]
	mu.Lock()
	return mu.Unlock
}

// reserve grows the used counter by delta unless that would pass maxSize.
func (l *Local) reserve(delta int64) bool {
	for {
		cur := l.used.Load()
		if delta > 0 && l.maxSize > 0 && cur+delta > l.maxSize {
			return false
		}
		if l.used.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func localError(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Backend(kindLocal, op, errs.Permanent, errs.ReasonNotFound, 0, err)
	}
	return errs.Backend(kindLocal, op, errs.Permanent, "", 0, err)
}

// Put writes data under name, replacing any existing chunk of that name.
func (l *Local) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validKey(kindLocal, "put", name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := l.lockKey(name)
	defer unlock()

	dst := l.path(name)
	var old int64
	if info, err := os.Stat(dst); err == nil {
		old = info.Size()
	}
	delta := int64(len(data)) - old
	if !l.reserve(delta) {
		return "", errs.Backend(kindLocal, "put", errs.Permanent, errs.ReasonCapacity, 0,
			fmt.Errorf("%d bytes would exceed max_size %d", len(data), l.maxSize))
	}

	if err := l.writeFile(dst, data); err != nil {
		l.used.Add(-delta)
		return "", localError("put", err)
	}
	return name, nil
}

func (l *Local) writeFile(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Get reads a chunk.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(kindLocal, "get", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, localError("get", err)
	}
	return data, nil
}

// Delete removes a chunk; a missing chunk is not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := validKey(kindLocal, "delete", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := l.lockKey(key)
	defer unlock()

	p := l.path(key)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return localError("delete", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return localError("delete", err)
	}
	l.used.Add(-info.Size())
	return nil
}

// List walks the directory tree.
func (l *Local) List(ctx context.Context) ([]Object, error) {
	var objs []Object
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		objs = append(objs, Object{Key: d.Name(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, localError("list", err)
	}
	return objs, nil
}

// Used returns the bytes currently stored.
func (l *Local) Used() int64 { return l.used.Load() }

func (l *Local) Info() Info {
	return Info{Kind: kindLocal, Capacity: l.maxSize, NamedKeys: true, Listable: true}
}

// Volume reports the free space of the filesystem holding the directory.
func (l *Local) Volume(ctx context.Context) (Volume, error) {
	return volumeStats(l.root)
}

// Package vfs is the descriptor store: the mapping from paths to the chunks
// that make up each file, persisted through the bucket pool.
//
// The whole mapping (the root) is encoded with msgpack, split into chunks and
// placed like file data. A small pointer holding the root's chunk refs is
// written under a fixed key in the root bucket, so the filesystem can start
// from nothing but configuration.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"

	"github.com/chunkdrive/chunkdrive/internal/bucket"
	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const (
	rootVersion    = 1
	pointerVersion = 1
)

// Descriptor records how to reassemble one file. Descriptors held by the
// store are never modified in place.
type Descriptor struct {
	ID        string      `msgpack:"id" json:"id"`
	Path      string      `msgpack:"path" json:"path"`
	Chunks    []chunk.Ref `msgpack:"chunks" json:"chunks"`
	Size      int64       `msgpack:"size" json:"size"`
	ChunkSize int         `msgpack:"chunk_size" json:"chunk_size"`
	Created   time.Time   `msgpack:"created" json:"created"`
	Modified  time.Time   `msgpack:"modified" json:"modified"`
	Hash      string      `msgpack:"hash,omitempty" json:"hash,omitempty"`
}

func (d *Descriptor) clone() *Descriptor {
	c := *d
	c.Chunks = append([]chunk.Ref(nil), d.Chunks...)
	return &c
}

// Root is the persisted filesystem mapping.
type Root struct {
	Version int                    `msgpack:"v"`
	Entries map[string]*Descriptor `msgpack:"entries"`
	Dirs    map[string]bool        `msgpack:"dirs"`
}

func newRoot() *Root {
	return &Root{Version: rootVersion, Entries: map[string]*Descriptor{}, Dirs: map[string]bool{}}
}

func (r *Root) clone() *Root {
	return &Root{Version: r.Version, Entries: maps.Clone(r.Entries), Dirs: maps.Clone(r.Dirs)}
}

// isDir reports whether p is the root, an explicit directory, or the parent
// of some entry.
func (r *Root) isDir(p string) bool {
	if p == "/" || r.Dirs[p] {
		return true
	}
	for e := range r.Entries {
		if within(e, p) && e != p {
			return true
		}
	}
	for d := range r.Dirs {
		if within(d, p) && d != p {
			return true
		}
	}
	return false
}

// pointer is what lives under the root key.
type pointer struct {
	Version int         `msgpack:"v"`
	Refs    []chunk.Ref `msgpack:"refs"`
}

// Entry is one child in a directory listing.
type Entry struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	IsDir      bool        `json:"is_dir"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

type state struct {
	root     *Root
	rootRefs []chunk.Ref
	byID     map[string]string
}

func newState(root *Root, refs []chunk.Ref) *state {
	s := &state{root: root, rootRefs: refs, byID: make(map[string]string, len(root.Entries))}
	for p, d := range root.Entries {
		s.byID[d.ID] = p
	}
	return s
}

// Options configures a Store.
type Options struct {
	RootKey   string
	ChunkSize int
	Logger    zerolog.Logger
}

// Store holds the filesystem root. Mutations are serialized; reads run
// against an immutable snapshot.
type Store struct {
	pool      *bucket.Pool
	root      *bucket.Bucket
	key       string
	chunkSize int
	log       zerolog.Logger

	mu    sync.Mutex
	state atomic.Pointer[state]
}

// Open loads the root from rootBucket. A missing pointer starts an empty
// filesystem; any other failure wraps errs.ErrRootUnavailable.
func Open(ctx context.Context, pool *bucket.Pool, rootBucket string, opts Options) (*Store, error) {
	b, ok := pool.Bucket(rootBucket)
	if !ok {
		return nil, &errs.ConfigError{Field: "root_bucket", Msg: fmt.Sprintf("bucket %q is not configured", rootBucket)}
	}
	if !b.Info().NamedKeys {
		return nil, &errs.ConfigError{Bucket: rootBucket, Field: "source.type",
			Msg: fmt.Sprintf("%s backend assigns its own keys and cannot hold the root", b.Info().Kind)}
	}
	if opts.RootKey == "" {
		opts.RootKey = config.DefaultRootKey
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = int(config.DefaultChunkSize)
	}

	s := &Store{
		pool:      pool,
		root:      b,
		key:       opts.RootKey,
		chunkSize: opts.ChunkSize,
		log:       opts.Logger.With().Str("component", "vfs").Logger(),
	}
	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.state.Store(st)
	return s, nil
}

func rootUnavailable(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrRootUnavailable, stage, err)
}

func (s *Store) load(ctx context.Context) (*state, error) {
	raw, err := s.root.GetNamed(ctx, s.key)
	if errors.Is(err, errs.ErrNotFound) {
		s.log.Info().Str("bucket", s.root.Name()).Str("key", s.key).Msg("no root pointer, starting empty filesystem")
		return newState(newRoot(), nil), nil
	}
	if err != nil {
		return nil, rootUnavailable("read pointer", err)
	}

	var ptr pointer
	if err := msgpack.Unmarshal(raw, &ptr); err != nil {
		return nil, rootUnavailable("decode pointer", err)
	}
	if ptr.Version != pointerVersion {
		return nil, rootUnavailable("decode pointer", fmt.Errorf("unknown version %d", ptr.Version))
	}
	if err := s.checkRefs(ptr.Refs); err != nil {
		return nil, rootUnavailable("root chunks", err)
	}

	parts, err := s.pool.FetchAll(ctx, ptr.Refs)
	if err != nil {
		return nil, rootUnavailable("fetch root", err)
	}
	var data []byte
	for _, p := range parts {
		data = append(data, p...)
	}
	root := newRoot()
	if err := msgpack.Unmarshal(data, root); err != nil {
		return nil, rootUnavailable("decode root", err)
	}
	if root.Entries == nil {
		root.Entries = map[string]*Descriptor{}
	}
	if root.Dirs == nil {
		root.Dirs = map[string]bool{}
	}
	for p, d := range root.Entries {
		if err := s.checkRefs(d.Chunks); err != nil {
			return nil, rootUnavailable(p, err)
		}
	}

	s.log.Debug().Int("entries", len(root.Entries)).Int("dirs", len(root.Dirs)).Int("chunks", len(ptr.Refs)).Msg("root loaded")
	return newState(root, ptr.Refs), nil
}

func (s *Store) checkRefs(refs []chunk.Ref) error {
	for _, r := range refs {
		if _, ok := s.pool.Bucket(r.Bucket); !ok {
			return &errs.ConfigError{Bucket: r.Bucket, Msg: "referenced by chunk " + r.Key + " but not configured"}
		}
	}
	return nil
}

// commit persists next and publishes it. On success it deletes the previous
// root chunks together with garbage; a cleanup failure is returned as
// *errs.OrphanedChunksError while next stays committed. On any other error
// the published state is unchanged.
func (s *Store) commit(ctx context.Context, next *Root, garbage []chunk.Ref) error {
	data, err := msgpack.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode root: %w", err)
	}
	parts, err := chunk.SplitBytes(data, s.chunkSize)
	if err != nil {
		return err
	}
	refs, err := s.pool.PlaceAll(ctx, parts)
	if err != nil {
		return fmt.Errorf("write root: %w", err)
	}

	raw, err := msgpack.Marshal(&pointer{Version: pointerVersion, Refs: refs})
	if err != nil {
		return fmt.Errorf("encode pointer: %w", err)
	}
	if err := s.root.PutNamed(ctx, s.key, raw); err != nil {
		if orphans := s.pool.DeleteAll(ctx, refs); orphans != nil {
			return &errs.PartialWriteError{Cause: fmt.Errorf("write root pointer: %w", err), Written: len(refs), Orphans: orphans}
		}
		return fmt.Errorf("write root pointer: %w", err)
	}

	prev := s.state.Load()
	s.state.Store(newState(next, refs))

	stale := append(append([]chunk.Ref(nil), prev.rootRefs...), garbage...)
	if orphans := s.pool.DeleteAll(ctx, stale); orphans != nil {
		return orphans
	}
	return nil
}

func (s *Store) snapshot() *state { return s.state.Load() }

// Resolve returns the descriptor stored at p.
func (s *Store) Resolve(p string) (*Descriptor, error) {
	c, err := cleanFile(p)
	if err != nil {
		return nil, err
	}
	st := s.snapshot()
	if d, ok := st.root.Entries[c]; ok {
		return d.clone(), nil
	}
	if st.root.isDir(c) {
		return nil, fmt.Errorf("%s: %w", c, errs.ErrIsDir)
	}
	return nil, fmt.Errorf("%s: %w", c, errs.ErrNotFound)
}

// ResolveID returns the descriptor with the given id.
func (s *Store) ResolveID(id string) (*Descriptor, error) {
	st := s.snapshot()
	p, ok := st.byID[id]
	if !ok {
		return nil, fmt.Errorf("id %s: %w", id, errs.ErrNotFound)
	}
	return st.root.Entries[p].clone(), nil
}

// Stat describes p, which may be a file or a directory.
func (s *Store) Stat(p string) (Entry, error) {
	c, err := Clean(p)
	if err != nil {
		return Entry{}, err
	}
	st := s.snapshot()
	if d, ok := st.root.Entries[c]; ok {
		return Entry{Name: path.Base(c), Path: c, Descriptor: d.clone()}, nil
	}
	if st.root.isDir(c) {
		return Entry{Name: path.Base(c), Path: c, IsDir: true}, nil
	}
	return Entry{}, fmt.Errorf("%s: %w", c, errs.ErrNotFound)
}

// checkPlaceable verifies a file may live at p in root.
func checkPlaceable(root *Root, p string) error {
	if root.isDir(p) {
		return fmt.Errorf("%s: %w", p, errs.ErrIsDir)
	}
	for _, parent := range parents(p) {
		if _, ok := root.Entries[parent]; ok {
			return fmt.Errorf("%s: %w", parent, errs.ErrNotDir)
		}
	}
	return nil
}

// Save stores d at p, replacing any existing file. d.Path, d.ID and the
// timestamps are filled in. Chunks of a replaced descriptor are deleted once
// the new root is persisted; if that cleanup fails the saved descriptor is
// returned along with an *errs.OrphanedChunksError.
func (s *Store) Save(ctx context.Context, p string, d *Descriptor) (*Descriptor, error) {
	c, err := cleanFile(p)
	if err != nil {
		return nil, err
	}
	if err := s.checkRefs(d.Chunks); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot().root
	if err := checkPlaceable(cur, c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nd := d.clone()
	nd.Path = c
	nd.Modified = now
	var garbage []chunk.Ref
	if old, ok := cur.Entries[c]; ok {
		nd.ID = old.ID
		nd.Created = old.Created
		garbage = superseded(old.Chunks, nd.Chunks)
	} else {
		nd.ID = uuid.NewString()
		nd.Created = now
	}

	next := cur.clone()
	next.Entries[c] = nd
	if err := s.commit(ctx, next, garbage); err != nil {
		var orphans *errs.OrphanedChunksError
		if errors.As(err, &orphans) {
			return nd.clone(), err
		}
		return nil, err
	}
	s.log.Debug().Str("path", c).Int64("size", nd.Size).Int("chunks", len(nd.Chunks)).Msg("descriptor saved")
	return nd.clone(), nil
}

// superseded returns the refs of old that next no longer uses.
func superseded(old, next []chunk.Ref) []chunk.Ref {
	keep := make(map[chunk.Ref]bool, len(next))
	for _, r := range next {
		keep[r] = true
	}
	var out []chunk.Ref
	for _, r := range old {
		if !keep[r] {
			out = append(out, r)
		}
	}
	return out
}

// Remove deletes the file at p and its chunks, or an empty directory. The
// removed descriptor is returned for files. A cleanup failure after the
// root was updated is returned as *errs.OrphanedChunksError.
func (s *Store) Remove(ctx context.Context, p string) (*Descriptor, error) {
	c, err := cleanFile(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot().root
	next := cur.clone()
	old, isFile := cur.Entries[c]
	switch {
	case isFile:
		delete(next.Entries, c)
	case cur.isDir(c):
		if children(cur, c) > 0 {
			return nil, fmt.Errorf("%s: directory not empty: %w", c, errs.ErrIsDir)
		}
		delete(next.Dirs, c)
	default:
		return nil, fmt.Errorf("%s: %w", c, errs.ErrNotFound)
	}

	var garbage []chunk.Ref
	if isFile {
		garbage = old.Chunks
	}
	if err := s.commit(ctx, next, garbage); err != nil {
		var orphans *errs.OrphanedChunksError
		if isFile && errors.As(err, &orphans) {
			return old.clone(), err
		}
		return nil, err
	}
	if isFile {
		return old.clone(), nil
	}
	return nil, nil
}

// RemoveAll removes p and, when p is a directory, everything below it in a
// single root update. The chunks of every removed file are deleted once the
// new root is persisted. The removed descriptors are returned sorted by path,
// also alongside an *errs.OrphanedChunksError when chunk cleanup fails.
func (s *Store) RemoveAll(ctx context.Context, p string) ([]*Descriptor, error) {
	c, err := cleanFile(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot().root
	if _, ok := cur.Entries[c]; !ok && !cur.isDir(c) {
		return nil, fmt.Errorf("%s: %w", c, errs.ErrNotFound)
	}

	next := cur.clone()
	var removed []*Descriptor
	var garbage []chunk.Ref
	for e, d := range cur.Entries {
		if within(e, c) {
			delete(next.Entries, e)
			removed = append(removed, d.clone())
			garbage = append(garbage, d.Chunks...)
		}
	}
	for d := range cur.Dirs {
		if within(d, c) {
			delete(next.Dirs, d)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Path < removed[j].Path })

	if err := s.commit(ctx, next, garbage); err != nil {
		var orphans *errs.OrphanedChunksError
		if errors.As(err, &orphans) {
			return removed, err
		}
		return nil, err
	}
	return removed, nil
}

func children(root *Root, dir string) int {
	n := 0
	for e := range root.Entries {
		if e != dir && within(e, dir) {
			n++
		}
	}
	for d := range root.Dirs {
		if d != dir && within(d, dir) {
			n++
		}
	}
	return n
}

// List returns the immediate children of dir, directories first, each group
// sorted by name.
func (s *Store) List(dir string) ([]Entry, error) {
	c, err := Clean(dir)
	if err != nil {
		return nil, err
	}
	root := s.snapshot().root
	if _, ok := root.Entries[c]; ok {
		return nil, fmt.Errorf("%s: %w", c, errs.ErrNotDir)
	}
	if !root.isDir(c) {
		return nil, fmt.Errorf("%s: %w", c, errs.ErrNotFound)
	}

	seen := make(map[string]bool)
	var dirs, files []Entry
	addDir := func(name string) {
		if !seen[name] {
			seen[name] = true
			dirs = append(dirs, Entry{Name: name, Path: path.Join(c, name), IsDir: true})
		}
	}
	for p, d := range root.Entries {
		if p == c || !within(p, c) {
			continue
		}
		name, direct := child(c, p)
		if direct {
			files = append(files, Entry{Name: name, Path: p, Descriptor: d.clone()})
		} else {
			addDir(name)
		}
	}
	for p := range root.Dirs {
		if p == c || !within(p, c) {
			continue
		}
		name, _ := child(c, p)
		addDir(name)
	}

	byName := func(e []Entry) {
		sort.Slice(e, func(i, j int) bool { return e[i].Name < e[j].Name })
	}
	byName(dirs)
	byName(files)
	return append(dirs, files...), nil
}

// Mkdir creates dir and any missing parents. Creating an existing directory
// succeeds.
func (s *Store) Mkdir(ctx context.Context, dir string) error {
	c, err := cleanFile(dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot().root
	if _, ok := cur.Entries[c]; ok {
		return fmt.Errorf("%s: %w", c, errs.ErrExists)
	}
	for _, parent := range parents(c) {
		if _, ok := cur.Entries[parent]; ok {
			return fmt.Errorf("%s: %w", parent, errs.ErrNotDir)
		}
	}
	if cur.Dirs[c] {
		return nil
	}
	next := cur.clone()
	next.Dirs[c] = true
	return s.commit(ctx, next, nil)
}

// Move renames a file or a directory tree. The destination must not exist.
// Chunks are not touched.
func (s *Store) Move(ctx context.Context, from, to string) error {
	src, err := cleanFile(from)
	if err != nil {
		return err
	}
	dst, err := cleanFile(to)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if within(dst, src) {
		return fmt.Errorf("%w: cannot move %s into itself", errs.ErrInvalidPath, src)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot().root
	_, srcFile := cur.Entries[src]
	if !srcFile && !cur.isDir(src) {
		return fmt.Errorf("%s: %w", src, errs.ErrNotFound)
	}
	if _, ok := cur.Entries[dst]; ok || cur.isDir(dst) {
		return fmt.Errorf("%s: %w", dst, errs.ErrExists)
	}
	for _, parent := range parents(dst) {
		if _, ok := cur.Entries[parent]; ok {
			return fmt.Errorf("%s: %w", parent, errs.ErrNotDir)
		}
	}

	now := time.Now().UTC()
	next := cur.clone()
	rebase := func(p string) string { return dst + strings.TrimPrefix(p, src) }
	for p, d := range cur.Entries {
		if !within(p, src) {
			continue
		}
		nd := d.clone()
		nd.Path = rebase(p)
		nd.Modified = now
		delete(next.Entries, p)
		next.Entries[nd.Path] = nd
	}
	for p := range cur.Dirs {
		if within(p, src) {
			delete(next.Dirs, p)
			next.Dirs[rebase(p)] = true
		}
	}
	return s.commit(ctx, next, nil)
}

// Snapshot returns the current root. Callers must not modify it.
func (s *Store) Snapshot() *Root { return s.snapshot().root }

// Len returns the number of files.
func (s *Store) Len() int { return len(s.snapshot().root.Entries) }

// Refs returns every chunk the filesystem references, including the chunks
// holding the root itself.
func (s *Store) Refs() []chunk.Ref {
	st := s.snapshot()
	refs := append([]chunk.Ref(nil), st.rootRefs...)
	for _, d := range st.root.Entries {
		refs = append(refs, d.Chunks...)
	}
	return refs
}

// PointerKey names where the root pointer is stored.
func (s *Store) PointerKey() (bucketName, key string) { return s.root.Name(), s.key }

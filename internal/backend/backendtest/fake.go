// Package backendtest provides an in-memory backend with fault injection for
// tests.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chunkdrive/chunkdrive/internal/backend"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// ErrInjected is the default failure returned by injected faults.
var ErrInjected = errs.Backend("fake", "put", errs.Permanent, errs.ReasonServer, 500, errors.New("injected failure"))

// Fake is a deterministic in-memory backend. The zero value is not usable;
// call New.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
	info    backend.Info
	seq     int

	// PutHook, GetHook and DeleteHook run before the operation; a non-nil
	// error fails it without side effects.
	PutHook    func(ctx context.Context, name string) error
	GetHook    func(ctx context.Context, key string) error
	DeleteHook func(ctx context.Context, key string) error

	puts, gets, deletes, lists int
}

// Option configures a Fake.
type Option func(*Fake)

// WithMaxObjectSize limits single objects.
func WithMaxObjectSize(n int64) Option { return func(f *Fake) { f.info.MaxObjectSize = n } }

// WithCapacity limits the total stored bytes.
func WithCapacity(n int64) Option { return func(f *Fake) { f.info.Capacity = n } }

// WithServerKeys makes Put ignore the name and return generated ids.
func WithServerKeys() Option { return func(f *Fake) { f.info.NamedKeys = false } }

// Unlistable makes List fail with errs.ErrUnsupported.
func Unlistable() Option { return func(f *Fake) { f.info.Listable = false } }

// New creates an empty fake with named keys and listing enabled.
func New(opts ...Option) *Fake {
	f := &Fake{
		objects: make(map[string][]byte),
		info:    backend.Info{Kind: "fake", NamedKeys: true, Listable: true},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FailPuts makes the next n puts fail with err (ErrInjected when nil).
func (f *Fake) FailPuts(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := n
	f.PutHook = func(context.Context, string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	}
}

// FailPutsAfter lets ok puts succeed and fails every later one with err.
func (f *Fake) FailPutsAfter(ok int, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := 0
	f.PutHook = func(context.Context, string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		seen++
		if seen > ok {
			return err
		}
		return nil
	}
}

func (f *Fake) used() int64 {
	var n int64
	for _, v := range f.objects {
		n += int64(len(v))
	}
	return n
}

func (f *Fake) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	hook := f.PutHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.info.MaxObjectSize > 0 && int64(len(data)) > f.info.MaxObjectSize {
		return "", errs.Backend("fake", "put", errs.Permanent, errs.ReasonInvalid, 0,
			fmt.Errorf("object of %d bytes too large", len(data)))
	}
	key := name
	if !f.info.NamedKeys {
		f.seq++
		key = fmt.Sprintf("msg-%06d", f.seq)
	}
	if f.info.Capacity > 0 && f.used()-int64(len(f.objects[key]))+int64(len(data)) > f.info.Capacity {
		return "", errs.Backend("fake", "put", errs.Permanent, errs.ReasonCapacity, 0, errs.ErrCapacityExceeded)
	}
	f.objects[key] = bytes.Clone(data)
	return key, nil
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	hook := f.GetHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[key]
	if !ok {
		return nil, errs.Backend("fake", "get", errs.Permanent, errs.ReasonNotFound, 404, fmt.Errorf("key %q", key))
	}
	return bytes.Clone(data), nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.DeleteHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.objects, key)
	return nil
}

func (f *Fake) List(ctx context.Context) ([]backend.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if !f.info.Listable {
		return nil, errs.Backend("fake", "list", errs.Permanent, errs.ReasonInvalid, 0, errs.ErrUnsupported)
	}
	objs := make([]backend.Object, 0, len(f.objects))
	for k, v := range f.objects {
		objs = append(objs, backend.Object{Key: k, Size: int64(len(v))})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (f *Fake) Info() backend.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// Keys returns the stored keys in sorted order.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// Snapshot returns a deep copy of the stored objects.
func (f *Fake) Snapshot() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.objects))
	for k, v := range f.objects {
		out[k] = bytes.Clone(v)
	}
	return out
}

// Raw returns the stored bytes of key without counting a get.
func (f *Fake) Raw(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[key]
	return bytes.Clone(v), ok
}

// Corrupt rewrites the stored bytes of key in place.
func (f *Fake) Corrupt(key string, mutate func([]byte) []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.objects[key]; ok {
		f.objects[key] = mutate(v)
	}
}

// Counts returns the number of completed put, get, delete and list calls.
func (f *Fake) Counts() (puts, gets, deletes, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.gets, f.deletes, f.lists
}

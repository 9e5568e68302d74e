package bucket

import (
	"context"
	"sync"

	"github.com/chunkdrive/chunkdrive/internal/chunk"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// undoStack records chunks written during a multi-chunk operation so they
// can be deleted if the operation fails.
type undoStack struct {
	mu   sync.Mutex
	refs []chunk.Ref
}

func (u *undoStack) push(ref chunk.Ref) {
	u.mu.Lock()
	u.refs = append(u.refs, ref)
	u.mu.Unlock()
}

func (u *undoStack) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.refs)
}

// run deletes the recorded chunks, most recent first, and reports those it
// could not delete.
func (u *undoStack) run(ctx context.Context, p *Pool) *errs.OrphanedChunksError {
	u.mu.Lock()
	refs := u.refs
	u.refs = nil
	u.mu.Unlock()

	reversed := make([]chunk.Ref, len(refs))
	for i, r := range refs {
		reversed[len(refs)-1-i] = r
	}
	return p.DeleteAll(ctx, reversed)
}

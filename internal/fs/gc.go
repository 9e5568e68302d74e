package fs

import (
	"context"
	"errors"
	"fmt"

	"github.com/chunkdrive/chunkdrive/internal/chunk"
)

// GCReport summarizes a garbage collection pass.
type GCReport struct {
	Scanned int         `json:"scanned"`
	Garbage []chunk.Ref `json:"garbage"`
	Bytes   int64       `json:"bytes"`
	Deleted int         `json:"deleted"`
	// Skipped lists buckets whose backends cannot list their objects.
	Skipped []string `json:"skipped,omitempty"`
}

// CollectGarbage finds objects in listable buckets that no descriptor or
// root chunk references, and deletes them unless dryRun is set. Writes are
// held off while it runs. Bucket usage is recomputed afterwards.
func (s *Service) CollectGarbage(ctx context.Context, dryRun bool) (*GCReport, error) {
	if !dryRun {
		if err := s.checkWritable(); err != nil {
			return nil, err
		}
	}
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	live := make(map[chunk.Ref]bool)
	for _, r := range s.store.Refs() {
		live[chunk.Ref{Bucket: r.Bucket, Key: r.Key}] = true
	}
	rootBucket, rootKey := s.store.PointerKey()
	live[chunk.Ref{Bucket: rootBucket, Key: rootKey}] = true

	report := &GCReport{}
	var errList []error
	for _, b := range s.pool.Buckets() {
		if !b.Info().Listable {
			report.Skipped = append(report.Skipped, b.Name())
			continue
		}
		objs, err := b.List(ctx)
		if err != nil {
			errList = append(errList, fmt.Errorf("bucket %s: list: %w", b.Name(), err))
			continue
		}

		deleted := false
		for _, o := range objs {
			report.Scanned++
			if live[chunk.Ref{Bucket: b.Name(), Key: o.Key}] {
				continue
			}
			ref := chunk.Ref{Bucket: b.Name(), Key: o.Key, Size: o.Size}
			report.Garbage = append(report.Garbage, ref)
			report.Bytes += o.Size
			if dryRun {
				continue
			}
			if err := b.RawDelete(ctx, o.Key); err != nil {
				errList = append(errList, fmt.Errorf("chunk %s: %w", ref, err))
				continue
			}
			report.Deleted++
			deleted = true
		}
		if deleted {
			if err := b.Recompute(ctx); err != nil {
				s.log.Warn().Err(err).Str("bucket", b.Name()).Msg("usage recompute after gc failed")
			}
		}
	}

	s.log.Info().
		Int("scanned", report.Scanned).
		Int("garbage", len(report.Garbage)).
		Int("deleted", report.Deleted).
		Bool("dry_run", dryRun).
		Msg("garbage collection finished")
	return report, errors.Join(errList...)
}

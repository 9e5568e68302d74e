//go:build !windows

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// volumeStats returns filesystem statistics for path. Available uses Bavail
// (space available to unprivileged users).
func volumeStats(path string) (Volume, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Volume{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert
	total := int64(stat.Blocks) * bsize
	return Volume{
		Total:     total,
		Used:      total - int64(stat.Bfree)*bsize,
		Available: int64(stat.Bavail) * bsize,
	}, nil
}
